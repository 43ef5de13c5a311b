package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// MemoryBackend is a goroutine-safe Backend backed by maps. Transactions
// work on a copy of the execution and swap it in on success.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]*memRecord
	txLocks map[string]*txLock
	opts    options
}

type memRecord struct {
	exec        *api.WorkflowExecution
	history     []api.Event
	pending     []api.Event
	lockedUntil time.Time
	lockToken   uint64
}

func (r *memRecord) clone() *memRecord {
	if r == nil {
		return nil
	}
	return &memRecord{
		exec:        r.exec.Clone(),
		history:     append([]api.Event(nil), r.history...),
		pending:     append([]api.Event(nil), r.pending...),
		lockedUntil: r.lockedUntil,
		lockToken:   r.lockToken,
	}
}

// Ensure MemoryBackend implements Backend.
var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend(opts ...Option) *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*memRecord),
		txLocks: make(map[string]*txLock),
		opts:    buildOptions(opts),
	}
}

// txLock serializes the writers of one execution. It lives in txLocks only
// while some writer holds or waits for it.
type txLock struct {
	sync.Mutex
	refs int
}

func (b *MemoryBackend) acquireTx(id string) *txLock {
	b.mu.Lock()
	l, ok := b.txLocks[id]
	if !ok {
		l = &txLock{}
		b.txLocks[id] = l
	}
	l.refs++
	b.mu.Unlock()

	l.Lock()
	return l
}

func (b *MemoryBackend) releaseTx(id string, l *txLock) {
	l.Unlock()

	b.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(b.txLocks, id)
	}
	b.mu.Unlock()
}

func (b *MemoryBackend) WithinTransaction(ctx context.Context, executionID string, fn func(ctx context.Context, tx Tx) error) error {
	l := b.acquireTx(executionID)
	defer b.releaseTx(executionID, l)

	b.mu.Lock()
	view := b.records[executionID].clone()
	b.mu.Unlock()

	tx := &memTx{backend: b, rec: view}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	b.mu.Lock()
	if tx.rec != nil {
		// Claims may have changed the lock while the transaction ran.
		if cur := b.records[executionID]; cur != nil {
			tx.rec.lockedUntil = cur.lockedUntil
			tx.rec.lockToken = cur.lockToken
		}
		b.records[executionID] = tx.rec
	}
	b.mu.Unlock()

	tx.wake.fire(b.opts.wake, executionID)
	return nil
}

func (b *MemoryBackend) PendingExecutions(ctx context.Context, lockDuration time.Duration, limit int) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.now()
	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var claims []Claim
	for _, id := range ids {
		if len(claims) >= limit {
			break
		}
		rec := b.records[id]
		if rec.exec == nil || rec.exec.Status.IsTerminal() || rec.lockedUntil.After(now) {
			continue
		}
		if !hasDue(rec.pending, now) {
			continue
		}
		rec.lockedUntil = now.Add(lockDuration)
		rec.lockToken++
		token := rec.lockToken
		claims = append(claims, NewClaim(id, func(ctx context.Context) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if r := b.records[id]; r != nil && r.lockToken == token {
				r.lockedUntil = time.Time{}
			}
			return nil
		}))
	}
	return claims, nil
}

func (b *MemoryBackend) Close() error { return nil }

func hasDue(events []api.Event, now time.Time) bool {
	for _, e := range events {
		if e.DueAt(now) {
			return true
		}
	}
	return false
}

type memTx struct {
	backend *MemoryBackend
	rec     *memRecord
	wake    wakeTracker
}

func (t *memTx) Execution() ExecutionStore { return memExecutions{t} }
func (t *memTx) History() HistoryStore     { return memHistory{t} }
func (t *memTx) Pending() PendingStore     { return memPending{t} }

type memExecutions struct{ tx *memTx }

func (s memExecutions) Get(ctx context.Context) (*api.WorkflowExecution, error) {
	if s.tx.rec == nil || s.tx.rec.exec == nil {
		return nil, api.ErrExecutionNotFound
	}
	return s.tx.rec.exec.Clone(), nil
}

func (s memExecutions) Create(ctx context.Context, exec *api.WorkflowExecution) error {
	if s.tx.rec != nil && s.tx.rec.exec != nil {
		return api.ErrExecutionExists
	}
	s.tx.rec = &memRecord{exec: exec.Clone()}
	return nil
}

func (s memExecutions) Update(ctx context.Context, exec *api.WorkflowExecution) error {
	if s.tx.rec == nil || s.tx.rec.exec == nil {
		return api.ErrExecutionNotFound
	}
	s.tx.rec.exec = exec.Clone()
	return nil
}

type memHistory struct{ tx *memTx }

func (s memHistory) Get(ctx context.Context, page *api.Pagination) ([]api.Event, error) {
	if s.tx.rec == nil {
		return []api.Event{}, nil
	}
	out := append([]api.Event(nil), s.tx.rec.history...)
	if page != nil && page.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return paginate(out, page), nil
}

func (s memHistory) Add(ctx context.Context, events ...api.Event) error {
	if s.tx.rec == nil {
		return api.ErrExecutionNotFound
	}
	last := int64(0)
	if n := len(s.tx.rec.history); n > 0 {
		last = s.tx.rec.history[n-1].Seq
	}
	for _, e := range events {
		if e.Seq <= last {
			return fmt.Errorf("history sequence %d is not after %d", e.Seq, last)
		}
		last = e.Seq
		s.tx.rec.history = append(s.tx.rec.history, e)
	}
	return nil
}

type memPending struct{ tx *memTx }

func (s memPending) Get(ctx context.Context, page *api.Pagination) ([]api.Event, error) {
	if s.tx.rec == nil {
		return []api.Event{}, nil
	}
	now := s.tx.backend.opts.now()
	out := make([]api.Event, 0, len(s.tx.rec.pending))
	for _, e := range s.tx.rec.pending {
		if e.DueAt(now) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return pendingLess(out[i], out[j]) })
	if page != nil && page.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return paginate(out, page), nil
}

func (s memPending) Add(ctx context.Context, events ...api.Event) error {
	if s.tx.rec == nil {
		return api.ErrExecutionNotFound
	}
	s.tx.rec.pending = append(s.tx.rec.pending, events...)
	s.tx.wake.track(s.tx.backend.opts.now(), events)
	return nil
}

func (s memPending) Delete(ctx context.Context, events ...api.Event) error {
	if s.tx.rec == nil || len(events) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(events))
	for _, e := range events {
		drop[e.ID] = struct{}{}
	}
	kept := s.tx.rec.pending[:0:0]
	for _, e := range s.tx.rec.pending {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	s.tx.rec.pending = kept
	return nil
}
