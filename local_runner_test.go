package durable

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T) *LocalRunner {
	t.Helper()

	runner, err := NewLocalRunner(context.Background())
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}
	t.Cleanup(func() { _ = runner.Close() })
	return runner
}

func TestLocalRunner_RunsWorkflowToCompletion(t *testing.T) {
	runner := newRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, runner.Engine.RegisterActivity("inc", func(ctx context.Context, input json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return n + 1, nil
	}))
	require.NoError(t, runner.Engine.RegisterWorkflow("inc-twice", func(ctx *Context, input json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		for i := 0; i < 2; i++ {
			if err := ctx.CallActivity("inc", n).Get(&n); err != nil {
				return nil, err
			}
		}
		if err := ctx.Sleep(20 * time.Millisecond); err != nil {
			return nil, err
		}
		return n * 2, nil
	}))

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}

	exec, err := runner.Engine.StartWorkflow(ctx, "inc-twice", 1)
	require.NoError(t, err)

	var out int
	require.NoError(t, runner.Engine.Result(ctx, exec.ID, &out))
	// (1 + 2) * 2
	require.Equal(t, 6, out)

	history, err := runner.Engine.History(ctx, exec.ID, nil)
	require.NoError(t, err)
	require.Equal(t, "workflow_finished", string(history[len(history)-1].Type))
}

func TestLocalRunner_Signal(t *testing.T) {
	runner := newRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, runner.Engine.RegisterWorkflow("wait-for-go", func(ctx *Context, input json.RawMessage) (any, error) {
		var who string
		if err := ctx.WaitForSignal("go").Get(&who); err != nil {
			return nil, err
		}
		return "go from " + who, nil
	}))
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}

	exec, err := runner.Engine.StartWorkflow(ctx, "wait-for-go", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := runner.Engine.Get(ctx, exec.ID)
		return err == nil && got.Status == StatusSleeping
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, runner.Engine.Signal(ctx, exec.ID, "go", "ada"))

	var out string
	require.NoError(t, runner.Engine.Result(ctx, exec.ID, &out))
	require.Equal(t, "go from ada", out)

	err = runner.Engine.Signal(ctx, exec.ID, "go", "again")
	require.ErrorIs(t, err, ErrExecutionTerminal)
}

func TestLocalRunner_CancelEndsAwait(t *testing.T) {
	runner := newRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, runner.Engine.RegisterWorkflow("forever", func(ctx *Context, input json.RawMessage) (any, error) {
		return nil, ctx.Sleep(24 * time.Hour)
	}))
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}

	exec, err := runner.Engine.StartWorkflow(ctx, "forever", nil)
	require.NoError(t, err)
	require.NoError(t, runner.Engine.Cancel(ctx, exec.ID, "no longer needed"))

	got, err := runner.Engine.Await(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, got.Status)

	err = runner.Engine.Result(ctx, exec.ID, nil)
	require.Error(t, err)
}

// TestLocalRunner_StartWorkersTwice ensures that StartWorkers cannot be
// called twice without Stop in between.
func TestLocalRunner_StartWorkersTwice(t *testing.T) {
	runner := newRunner(t)
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("first StartWorkers failed: %v", err)
	}
	if err := runner.StartWorkers(ctx, 1); err == nil {
		t.Fatalf("expected error from second StartWorkers call, got nil")
	}

	require.NoError(t, runner.Stop())
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers after Stop failed: %v", err)
	}
}

// TestLocalRunner_StopWithoutStart ensures Stop is safe when workers were
// never started.
func TestLocalRunner_StopWithoutStart(t *testing.T) {
	runner := newRunner(t)
	require.NoError(t, runner.Stop())
}
