package taskqueue

import (
	"context"
	"sync"
)

// InMemoryQueue is a Queue backed by a buffered channel. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu     sync.RWMutex
	ch     chan Task
	closed bool
}

// NewInMemoryQueue creates a queue holding up to capacity tasks. The
// dispatch loop sizes it to its concurrency so claims never wait long.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &InMemoryQueue{
		ch: make(chan Task, capacity),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}

// Close is idempotent. It waits for blocked Enqueue calls to return.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
