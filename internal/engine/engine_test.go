package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/registry"
	"github.com/petrijr/durable/pkg/api"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock   *fakeClock
	reg     *registry.Registry
	backend persistence.Backend
	svc     *Service
	orch    *Orchestrator
}

type backendFactory func(t *testing.T, clock *fakeClock) persistence.Backend

func memoryBackend(t *testing.T, clock *fakeClock) persistence.Backend {
	return persistence.NewMemoryBackend(persistence.WithClock(clock.Now))
}

func sqliteBackend(t *testing.T, clock *fakeClock) persistence.Backend {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	b, err := persistence.NewSQLiteBackend(context.Background(), db, persistence.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newFixture(t *testing.T, newBackend backendFactory) *fixture {
	t.Helper()
	clock := &fakeClock{now: epoch}
	var n atomic.Int64
	reg := registry.New()
	backend := newBackend(t, clock)

	cfg := Config{
		Backend:  backend,
		Registry: reg,
		Clock:    clock.Now,
		NewID:    func() string { return fmt.Sprintf("id-%d", n.Add(1)) },
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	return &fixture{clock: clock, reg: reg, backend: backend, svc: svc, orch: orch}
}

func (f *fixture) start(t *testing.T, workflow string, input any) string {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	exec, err := f.svc.Start(context.Background(), StartRequest{ID: "exec-1", Workflow: workflow, Input: raw})
	require.NoError(t, err)
	return exec.ID
}

func (f *fixture) drive(t *testing.T, id string) *api.WorkflowExecution {
	t.Helper()
	require.NoError(t, f.orch.RunExecution(context.Background(), id))
	exec, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func TestEngine_SleepThenComplete(t *testing.T) {
	backends := map[string]backendFactory{"memory": memoryBackend, "sqlite": sqliteBackend}
	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newBackend)
			require.NoError(t, f.reg.RegisterWorkflow("sleepy", func(ctx *api.Context, input json.RawMessage) (any, error) {
				if err := ctx.Sleep(100 * time.Millisecond); err != nil {
					return nil, err
				}
				return 42, nil
			}))

			id := f.start(t, "sleepy", nil)

			exec := f.drive(t, id)
			require.Equal(t, api.StatusSleeping, exec.Status)

			// The timer is not due yet, so another cycle changes nothing.
			exec = f.drive(t, id)
			require.Equal(t, api.StatusSleeping, exec.Status)

			f.clock.Advance(100 * time.Millisecond)
			exec = f.drive(t, id)
			require.Equal(t, api.StatusCompleted, exec.Status)
			require.JSONEq(t, "42", string(exec.Output))
			require.NotNil(t, exec.CompletedAt)
			require.Nil(t, exec.Error)
		})
	}
}

func TestEngine_SignalResumesWorkflow(t *testing.T) {
	f := newFixture(t, memoryBackend)
	require.NoError(t, f.reg.RegisterWorkflow("waiter", func(ctx *api.Context, input json.RawMessage) (any, error) {
		var payload map[string]int
		if err := ctx.WaitForSignal("go").Get(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	}))

	id := f.start(t, "waiter", nil)
	exec := f.drive(t, id)
	require.Equal(t, api.StatusSleeping, exec.Status)

	require.NoError(t, f.svc.Signal(context.Background(), id, "go", json.RawMessage(`{"x":1}`)))
	exec = f.drive(t, id)
	require.Equal(t, api.StatusCompleted, exec.Status)
	require.JSONEq(t, `{"x":1}`, string(exec.Output))
}

func TestEngine_CancelIsImmediate(t *testing.T) {
	f := newFixture(t, memoryBackend)
	var cleaned atomic.Bool
	require.NoError(t, f.reg.RegisterWorkflow("waiter", func(ctx *api.Context, input json.RawMessage) (any, error) {
		defer func() {
			if !ctx.IsReplaying() {
				cleaned.Store(true)
			}
		}()
		return nil, ctx.WaitForSignal("never").Err
	}))

	id := f.start(t, "waiter", nil)
	f.drive(t, id)
	require.False(t, cleaned.Load())

	require.NoError(t, f.svc.Cancel(context.Background(), id, "user_abort"))
	exec := f.drive(t, id)
	require.Equal(t, api.StatusCanceled, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	require.True(t, cleaned.Load(), "deferred cleanup should run on cancel")

	err := f.svc.Signal(context.Background(), id, "never", nil)
	require.ErrorIs(t, err, api.ErrExecutionTerminal)
	err = f.svc.Cancel(context.Background(), id, "again")
	require.ErrorIs(t, err, api.ErrExecutionTerminal)

	history, err := f.svc.History(context.Background(), id, nil)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, api.EventWorkflowCanceled, last.Type)
	assert.Equal(t, "user_abort", last.Attributes.(api.WorkflowCanceledAttributes).Reason)
}

func TestEngine_FailedCycleCommitsNothing(t *testing.T) {
	f := newFixture(t, memoryBackend)
	var calls atomic.Int32
	require.NoError(t, f.reg.RegisterActivity("count", func(ctx context.Context, input json.RawMessage) (any, error) {
		return calls.Add(1), nil
	}))
	require.NoError(t, f.reg.RegisterWorkflow("flaky", func(ctx *api.Context, input json.RawMessage) (any, error) {
		if err := ctx.CallActivity("count", nil).Err; err != nil {
			return nil, err
		}
		return ctx.Yield(api.Delegated{Resolve: func(context.Context) (api.Command, error) {
			return nil, errors.New("remote unavailable")
		}}).Value, nil
	}))

	id := f.start(t, "flaky", nil)
	err := f.orch.RunExecution(context.Background(), id)
	require.Error(t, err)
	require.Contains(t, err.Error(), "remote unavailable")
	require.EqualValues(t, 1, calls.Load(), "the activity ran before the failure")

	history, err := f.svc.History(context.Background(), id, nil)
	require.NoError(t, err)
	require.Empty(t, history)

	exec, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, exec.Status)
}

func TestService_StartErrors(t *testing.T) {
	f := newFixture(t, memoryBackend)
	require.NoError(t, f.reg.RegisterWorkflow("noop", func(ctx *api.Context, input json.RawMessage) (any, error) {
		return nil, nil
	}))
	ctx := context.Background()

	_, err := f.svc.Start(ctx, StartRequest{Workflow: "missing"})
	require.ErrorIs(t, err, api.ErrWorkflowNotFound)

	_, err = f.svc.Start(ctx, StartRequest{})
	require.ErrorIs(t, err, api.ErrInvalidInput)

	_, err = f.svc.Start(ctx, StartRequest{Workflow: "noop", Input: json.RawMessage(`{nope`)})
	require.ErrorIs(t, err, api.ErrInvalidInput)

	_, err = f.svc.Start(ctx, StartRequest{ID: "dup", Workflow: "noop"})
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, StartRequest{ID: "dup", Workflow: "noop"})
	require.ErrorIs(t, err, api.ErrExecutionExists)

	_, err = f.svc.Get(ctx, "unknown")
	require.ErrorIs(t, err, api.ErrExecutionNotFound)
	err = f.svc.Signal(ctx, "unknown", "go", nil)
	require.ErrorIs(t, err, api.ErrExecutionNotFound)
}

func TestService_HistoryPages(t *testing.T) {
	f := newFixture(t, memoryBackend)
	require.NoError(t, f.reg.RegisterWorkflow("three", func(ctx *api.Context, input json.RawMessage) (any, error) {
		for i := 0; i < 3; i++ {
			if err := ctx.CallLocalActivity(func(context.Context) (any, error) { return i, nil }).Err; err != nil {
				return nil, err
			}
		}
		return "done", nil
	}))

	id := f.start(t, "three", nil)
	exec := f.drive(t, id)
	require.Equal(t, api.StatusCompleted, exec.Status)

	all, err := f.svc.History(context.Background(), id, nil)
	require.NoError(t, err)
	require.Len(t, all, 5)

	first, err := f.svc.History(context.Background(), id, &api.Pagination{Page: 0, PageSize: 3})
	require.NoError(t, err)
	second, err := f.svc.History(context.Background(), id, &api.Pagination{Page: 1, PageSize: 3})
	require.NoError(t, err)
	require.Equal(t, all, append(first, second...))

	for i, e := range all {
		require.EqualValues(t, i+1, e.Seq)
	}
}

func TestEngine_HistoryGolden(t *testing.T) {
	f := newFixture(t, memoryBackend)
	require.NoError(t, f.reg.RegisterActivity("greet", func(ctx context.Context, input json.RawMessage) (any, error) {
		var name string
		if err := json.Unmarshal(input, &name); err != nil {
			return nil, err
		}
		return "hello " + name, nil
	}))
	require.NoError(t, f.reg.RegisterWorkflow("greeter", func(ctx *api.Context, input json.RawMessage) (any, error) {
		var greeting string
		if err := ctx.CallActivity("greet", "world").Get(&greeting); err != nil {
			return nil, err
		}
		if err := ctx.Sleep(time.Minute); err != nil {
			return nil, err
		}
		var payload struct{ X int }
		if err := ctx.WaitForSignal("go").Get(&payload); err != nil {
			return nil, err
		}
		return fmt.Sprintf("%s x=%d", greeting, payload.X), nil
	}))

	id := f.start(t, "greeter", nil)
	f.drive(t, id)
	f.clock.Advance(time.Minute)
	f.drive(t, id)
	require.NoError(t, f.svc.Signal(context.Background(), id, "go", json.RawMessage(`{"x":1}`)))
	exec := f.drive(t, id)

	history, err := f.svc.History(context.Background(), id, nil)
	require.NoError(t, err)

	var sb strings.Builder
	for _, e := range history {
		fmt.Fprintf(&sb, "%d\t%s\t%s\n", e.Seq, e.Type, e.Timestamp.Sub(epoch))
	}
	fmt.Fprintf(&sb, "status\t%s\n", exec.Status)
	fmt.Fprintf(&sb, "output\t%s\n", exec.Output)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "greeter_history", []byte(sb.String()))
}

func registerRace(t *testing.T, reg *registry.Registry, fail bool) {
	t.Helper()
	fastDone := make(chan struct{})
	require.NoError(t, reg.RegisterActivity("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-fastDone
		time.Sleep(50 * time.Millisecond)
		if fail {
			return nil, errors.New("slow failed")
		}
		return "slow", nil
	}))
	require.NoError(t, reg.RegisterActivity("fast", func(ctx context.Context, _ json.RawMessage) (any, error) {
		defer close(fastDone)
		if fail {
			return nil, errors.New("fast failed")
		}
		return "fast", nil
	}))
}

func TestEngine_WaitAnyResumesWithFirstSettledChild(t *testing.T) {
	f := newFixture(t, memoryBackend)
	registerRace(t, f.reg, false)
	require.NoError(t, f.reg.RegisterWorkflow("race", func(ctx *api.Context, _ json.RawMessage) (any, error) {
		slow, err := api.ActivityCommand("slow", nil)
		if err != nil {
			return nil, err
		}
		fast, err := api.ActivityCommand("fast", nil)
		if err != nil {
			return nil, err
		}
		res := ctx.WaitAny(slow, fast)
		var out string
		if err := res.Get(&out); err != nil {
			return nil, err
		}
		return []any{res.Index, out}, nil
	}))

	id := f.start(t, "race", nil)
	exec := f.drive(t, id)
	require.Equal(t, api.StatusCompleted, exec.Status)
	if got := string(exec.Output); got != `[1,"fast"]` {
		t.Fatalf("wait_any resumed with %s, want the fast child", got)
	}

	// The slower child is still recorded in history.
	history, err := f.svc.History(context.Background(), id, nil)
	require.NoError(t, err)
	completed := 0
	for _, e := range history {
		if e.Type == api.EventActivityCompleted {
			completed++
		}
	}
	require.Equal(t, 2, completed)
}

func TestEngine_WaitAllFailsWithFirstFailure(t *testing.T) {
	f := newFixture(t, memoryBackend)
	registerRace(t, f.reg, true)
	require.NoError(t, f.reg.RegisterWorkflow("race-all", func(ctx *api.Context, _ json.RawMessage) (any, error) {
		slow, _ := api.ActivityCommand("slow", nil)
		fast, _ := api.ActivityCommand("fast", nil)
		res := ctx.WaitAll(slow, fast)
		if res.Err != nil {
			return res.Index, nil
		}
		return nil, errors.New("wait_all should have failed")
	}))

	id := f.start(t, "race-all", nil)
	exec := f.drive(t, id)
	require.Equal(t, api.StatusCompleted, exec.Status)
	require.Nil(t, exec.Error)
	require.JSONEq(t, `1`, string(exec.Output))
}
