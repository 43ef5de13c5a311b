package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/durable/internal/core"
	"github.com/petrijr/durable/internal/notify"
	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/telemetry"
	"github.com/petrijr/durable/pkg/api"
)

// Orchestrator runs drive cycles.
type Orchestrator struct {
	cfg    Config
	interp *core.Interpreter
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Backend and Registry are required.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With(slog.String("module", "orchestrator"))

	return &Orchestrator{
		cfg: cfg,
		interp: core.NewInterpreter(cfg.Registry,
			core.WithHTTPClient(cfg.HTTPClient),
			core.WithIDGenerator(cfg.NewID),
			core.WithClock(cfg.Clock),
			core.WithInterpreterLogger(logger),
		),
		logger: logger,
	}, nil
}

// driveResult is what a committed drive cycle reports after the transaction.
type driveResult struct {
	before    api.Status
	exec      *api.WorkflowExecution
	committed []api.Event
}

// RunExecution runs one drive cycle of the execution. Nothing is persisted
// unless the whole cycle succeeds; a failed cycle can simply be retried.
func (o *Orchestrator) RunExecution(ctx context.Context, executionID string) (err error) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, o.cfg.Tracer, "engine.run_execution",
		attribute.String(telemetry.ExecutionIDKey, executionID),
	)
	defer span.End()

	var res *driveResult
	err = o.cfg.Backend.WithinTransaction(ctx, executionID, func(ctx context.Context, tx persistence.Tx) error {
		var err error
		res, err = o.drive(ctx, tx)
		return err
	})

	applied := 0
	if res != nil {
		applied = len(res.committed)
	}
	o.cfg.Observer.OnDriveCompleted(ctx, executionID, applied, err, time.Since(started))

	if err != nil {
		telemetry.SetError(span, err, attribute.String(telemetry.ExecutionIDKey, executionID))
		return err
	}
	if res == nil {
		return nil
	}

	span.SetAttributes(
		attribute.String(telemetry.WorkflowKey, res.exec.WorkflowRef),
		attribute.String(telemetry.StatusKey, string(res.exec.Status)),
		attribute.Int(telemetry.EventsKey, applied),
	)
	o.report(ctx, res)
	return nil
}

func (o *Orchestrator) drive(ctx context.Context, tx persistence.Tx) (*driveResult, error) {
	exec, err := tx.Execution().Get(ctx)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		o.logger.DebugContext(ctx, "execution is terminal, nothing to drive", slog.String("execution_id", exec.ID))
		return nil, nil
	}

	exe, err := o.cfg.Registry.Resolve(exec.WorkflowRef)
	if err != nil {
		return nil, fmt.Errorf("resolve workflow %q: %w", exec.WorkflowRef, err)
	}
	defer exe.Dispose()

	history, err := tx.History().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	pending, err := tx.Pending().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load pending events: %w", err)
	}

	info := api.ExecutionInfo{
		ID:          exec.ID,
		Namespace:   exec.Namespace,
		WorkflowRef: exec.WorkflowRef,
		Metadata:    exec.Metadata,
	}
	s := core.NewState(info, exe.Workflow, o.logger.With(slog.String("execution_id", exec.ID)))
	defer s.Dispose()

	s.Replaying = true
	for _, e := range history {
		if err := s.Apply(e); err != nil {
			return nil, fmt.Errorf("replay event %d: %w", e.Seq, err)
		}
	}
	s.Replaying = false

	committed := make([]api.Event, 0, len(pending))
	for _, e := range pending {
		if err := s.Apply(e); err != nil {
			return nil, fmt.Errorf("apply pending event %s: %w", e.ID, err)
		}
		committed = append(committed, e)
	}

	now := o.cfg.Clock()
	var future []api.Event
	for !s.Blocked() {
		cmd := s.Current.Command
		began := time.Now()
		events, err := o.interp.Execute(ctx, s)
		o.cfg.Observer.OnCommandExecuted(ctx, exec.ID, cmd.Name(), err, time.Since(began))
		if err != nil {
			return nil, fmt.Errorf("execute %s: %w", cmd.Name(), err)
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			if !e.DueAt(now) {
				future = append(future, e)
				continue
			}
			if err := s.Apply(e); err != nil {
				return nil, fmt.Errorf("apply %s event: %w", e.Type, err)
			}
			committed = append(committed, e)
		}
	}

	if len(committed) == 0 && len(future) == 0 {
		return nil, nil
	}

	if len(pending) > 0 {
		if err := tx.Pending().Delete(ctx, pending...); err != nil {
			return nil, fmt.Errorf("delete pending events: %w", err)
		}
	}

	seq := int64(0)
	if n := len(history); n > 0 {
		seq = history[n-1].Seq
	}
	for i := range committed {
		seq++
		committed[i].Seq = seq
	}
	if err := tx.History().Add(ctx, committed...); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	if len(future) > 0 {
		if err := tx.Pending().Add(ctx, future...); err != nil {
			return nil, fmt.Errorf("add pending events: %w", err)
		}
	}

	before := exec.Status
	exec.Status = s.Status
	exec.Output = s.Output
	exec.Error = s.Exception
	exec.CompletedAt = s.CompletedAt()
	if err := tx.Execution().Update(ctx, exec); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}

	return &driveResult{before: before, exec: exec, committed: committed}, nil
}

// report tells observers and stream subscribers about a committed cycle.
func (o *Orchestrator) report(ctx context.Context, res *driveResult) {
	if !res.before.IsTerminal() {
		switch res.exec.Status {
		case api.StatusCompleted:
			o.cfg.Observer.OnExecutionCompleted(ctx, res.exec)
		case api.StatusCanceled:
			o.cfg.Observer.OnExecutionCanceled(ctx, res.exec)
		}
	}

	if o.cfg.Notifier != nil {
		o.cfg.Notifier.PublishHistory(notify.HistoryBatch{
			ExecutionID: res.exec.ID,
			Status:      res.exec.Status,
			Events:      res.committed,
		})
	}
}
