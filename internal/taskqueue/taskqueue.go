// Package taskqueue hands claimed executions from the dispatch producer to
// the consumers that drive them.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Enqueue after Close.
var ErrClosed = errors.New("taskqueue: closed")

// Task is one claimed execution waiting to be driven.
type Task struct {
	ExecutionID string
	ClaimedAt   time.Time

	// OnSuccess is called after the execution was driven successfully.
	OnSuccess func(ctx context.Context) error
	// OnError is called with the failure of the drive cycle.
	OnError func(ctx context.Context, err error) error
}

// Succeed runs the success callback, if any.
func (t *Task) Succeed(ctx context.Context) error {
	if t.OnSuccess == nil {
		return nil
	}
	return t.OnSuccess(ctx)
}

// Fail runs the error callback, if any, and returns what it returns.
func (t *Task) Fail(ctx context.Context, err error) error {
	if t.OnError == nil {
		return err
	}
	return t.OnError(ctx, err)
}

// Queue moves tasks from a producer to consumers.
type Queue interface {
	// Enqueue adds a task, blocking while the queue is full.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is
	// available, the queue is closed, or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int

	// Close stops accepting tasks. Tasks already queued can still be dequeued.
	Close()
}
