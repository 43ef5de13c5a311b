package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/telemetry"
	"github.com/petrijr/durable/pkg/api"
)

// StartRequest describes a new execution.
type StartRequest struct {
	// ID is optional; a random id is generated when empty.
	ID        string
	Namespace string
	Workflow  string
	Input     json.RawMessage
	Metadata  map[string]string
}

// Service starts executions and feeds them events. Every write it makes is a
// pending event; the Orchestrator folds them into history.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// NewService creates a Service. Backend and Registry are required.
func NewService(cfg Config) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	cfg = cfg.withDefaults()
	return &Service{cfg: cfg, logger: cfg.Logger.With(slog.String("module", "service"))}, nil
}

// Start creates an execution and queues its workflow_started event.
func (s *Service) Start(ctx context.Context, req StartRequest) (*api.WorkflowExecution, error) {
	if strings.TrimSpace(req.Workflow) == "" {
		return nil, fmt.Errorf("%w: workflow is required", api.ErrInvalidInput)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, fmt.Errorf("%w: input is not valid JSON", api.ErrInvalidInput)
	}

	exe, err := s.cfg.Registry.Resolve(req.Workflow)
	if err != nil {
		return nil, err
	}
	exe.Dispose()

	if err := s.cfg.Registry.ValidateInput(req.Workflow, req.Input); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = s.cfg.NewID()
	}

	ctx, span := telemetry.StartSpan(ctx, s.cfg.Tracer, "engine.start",
		attribute.String(telemetry.ExecutionIDKey, id),
		attribute.String(telemetry.WorkflowKey, req.Workflow),
	)
	defer span.End()

	now := s.cfg.Clock()
	exec := &api.WorkflowExecution{
		ID:          id,
		Namespace:   req.Namespace,
		WorkflowRef: req.Workflow,
		Status:      api.StatusRunning,
		Metadata:    req.Metadata,
		Input:       req.Input,
		CreatedAt:   now,
	}
	started := api.NewEvent(s.cfg.NewID(), now, api.WorkflowStartedAttributes{Input: req.Input})

	err = s.cfg.Backend.WithinTransaction(ctx, id, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.Execution().Create(ctx, exec); err != nil {
			return err
		}
		return tx.Pending().Add(ctx, started)
	})
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}

	s.cfg.Observer.OnExecutionStarted(ctx, exec)
	return exec.Clone(), nil
}

// Get returns the execution record.
func (s *Service) Get(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	var exec *api.WorkflowExecution
	err := s.cfg.Backend.WithinTransaction(ctx, executionID, func(ctx context.Context, tx persistence.Tx) error {
		var err error
		exec, err = tx.Execution().Get(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Signal queues a signal for the execution. A signal nobody waits for yet
// is kept until the workflow waits for it.
func (s *Service) Signal(ctx context.Context, executionID, signal string, payload json.RawMessage) error {
	if strings.TrimSpace(signal) == "" {
		return fmt.Errorf("%w: signal name is required", api.ErrInvalidInput)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", api.ErrInvalidInput)
	}
	return s.enqueue(ctx, executionID, api.SignalReceivedAttributes{Signal: signal, Payload: payload})
}

// Cancel queues the cancellation of the execution. It takes effect on the
// next drive cycle.
func (s *Service) Cancel(ctx context.Context, executionID, reason string) error {
	return s.enqueue(ctx, executionID, api.WorkflowCanceledAttributes{Reason: reason})
}

func (s *Service) enqueue(ctx context.Context, executionID string, attrs api.Attributes) error {
	ctx, span := telemetry.StartSpan(ctx, s.cfg.Tracer, "engine.enqueue",
		attribute.String(telemetry.ExecutionIDKey, executionID),
		attribute.String("durable.event.type", string(attrs.EventType())),
	)
	defer span.End()

	err := s.cfg.Backend.WithinTransaction(ctx, executionID, func(ctx context.Context, tx persistence.Tx) error {
		exec, err := tx.Execution().Get(ctx)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", api.ErrExecutionTerminal, executionID, exec.Status)
		}
		return tx.Pending().Add(ctx, api.NewEvent(s.cfg.NewID(), s.cfg.Clock(), attrs))
	})
	if err != nil {
		telemetry.SetError(span, err)
		return err
	}

	s.logger.DebugContext(ctx, "event queued",
		slog.String("execution_id", executionID),
		slog.String("type", string(attrs.EventType())),
	)
	return nil
}

// History returns committed events of the execution. A nil page returns all
// of them.
func (s *Service) History(ctx context.Context, executionID string, page *api.Pagination) ([]api.Event, error) {
	var events []api.Event
	err := s.cfg.Backend.WithinTransaction(ctx, executionID, func(ctx context.Context, tx persistence.Tx) error {
		if _, err := tx.Execution().Get(ctx); err != nil {
			return err
		}
		var err error
		events, err = tx.History().Get(ctx, page)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
