package persistence

import (
	"context"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// ExecutionStore gives access to the execution record inside a transaction.
type ExecutionStore interface {
	// Get returns the record, or api.ErrExecutionNotFound.
	Get(ctx context.Context) (*api.WorkflowExecution, error)
	// Create inserts the record, or fails with api.ErrExecutionExists.
	Create(ctx context.Context, exec *api.WorkflowExecution) error
	// Update overwrites status, output, error and completedAt.
	Update(ctx context.Context, exec *api.WorkflowExecution) error
}

// HistoryStore is the append-only committed event log of one execution.
// There is deliberately no way to delete from it.
type HistoryStore interface {
	// Get returns events by ascending sequence number, or one page of them.
	Get(ctx context.Context, page *api.Pagination) ([]api.Event, error)
	// Add appends events. Their Seq must already be assigned and increasing.
	Add(ctx context.Context, events ...api.Event) error
}

// PendingStore is the mutable set of events not yet folded into history.
type PendingStore interface {
	// Get returns due events (VisibleAt unset or not after now), ordered by
	// VisibleAt ascending with unset first, then Timestamp ascending.
	Get(ctx context.Context, page *api.Pagination) ([]api.Event, error)
	// Add inserts events. The execution becomes claimable again once the
	// earliest of them is due.
	Add(ctx context.Context, events ...api.Event) error
	// Delete removes events by id.
	Delete(ctx context.Context, events ...api.Event) error
}

// Tx is the transactional view of one execution handed to WithinTransaction.
type Tx interface {
	Execution() ExecutionStore
	History() HistoryStore
	Pending() PendingStore
}

// Claim is an execution locked by PendingExecutions.
type Claim struct {
	ExecutionID string
	unlock      func(ctx context.Context) error
}

// NewClaim builds a claim whose Unlock calls fn.
func NewClaim(executionID string, fn func(ctx context.Context) error) Claim {
	return Claim{ExecutionID: executionID, unlock: fn}
}

// Unlock releases the lock early. Calling it after the lock expired or was
// taken over is harmless.
func (c Claim) Unlock(ctx context.Context) error {
	if c.unlock == nil {
		return nil
	}
	return c.unlock(ctx)
}

// Backend is the Event Store.
type Backend interface {
	// WithinTransaction runs fn against a transactional view of one
	// execution. Every write made through tx is committed when fn returns
	// nil and discarded when it returns an error.
	WithinTransaction(ctx context.Context, executionID string, fn func(ctx context.Context, tx Tx) error) error

	// PendingExecutions locks up to limit executions that are not terminal,
	// not locked, and have at least one due pending event. Each one stays
	// locked for lockDuration unless its claim is unlocked sooner. Two
	// callers never receive the same execution while its lock holds.
	PendingExecutions(ctx context.Context, lockDuration time.Duration, limit int) ([]Claim, error)

	Close() error
}

// WakeFunc is told when an execution will next have a due pending event.
type WakeFunc func(executionID string, at time.Time)

// Option configures a backend.
type Option func(*options)

type options struct {
	now  func() time.Time
	wake WakeFunc
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the clock used to decide which events are due.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithWakeFunc registers fn to be called after a commit that added pending
// events, with the earliest instant one of them becomes due.
func WithWakeFunc(fn WakeFunc) Option {
	return func(o *options) { o.wake = fn }
}

// wakeTracker collects pending additions made in a transaction.
type wakeTracker struct {
	earliest *time.Time
}

func (w *wakeTracker) track(now time.Time, events []api.Event) {
	for _, e := range events {
		at := now
		if e.VisibleAt != nil && e.VisibleAt.After(now) {
			at = *e.VisibleAt
		}
		if w.earliest == nil || at.Before(*w.earliest) {
			t := at
			w.earliest = &t
		}
	}
}

func (w *wakeTracker) fire(fn WakeFunc, executionID string) {
	if fn != nil && w.earliest != nil {
		fn(executionID, *w.earliest)
	}
}

// pendingLess orders events the way PendingStore.Get returns them.
func pendingLess(a, b api.Event) bool {
	switch {
	case a.VisibleAt == nil && b.VisibleAt != nil:
		return true
	case a.VisibleAt != nil && b.VisibleAt == nil:
		return false
	case a.VisibleAt != nil && !a.VisibleAt.Equal(*b.VisibleAt):
		return a.VisibleAt.Before(*b.VisibleAt)
	case !a.Timestamp.Equal(b.Timestamp):
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// paginate slices events already in the requested order.
func paginate(events []api.Event, page *api.Pagination) []api.Event {
	if page == nil || page.PageSize <= 0 {
		return events
	}
	off := page.Offset()
	if off >= len(events) {
		return []api.Event{}
	}
	end := off + page.PageSize
	if end > len(events) {
		end = len(events)
	}
	return events[off:end]
}
