package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/notify"
	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/registry"
	"github.com/petrijr/durable/internal/web"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

// Re-exported types so that callers only need to import this package.
type (
	Workflow          = api.Workflow
	Activity          = api.Activity
	Context           = api.Context
	Command           = api.Command
	Result            = api.Result
	Event             = api.Event
	Status            = api.Status
	Pagination        = api.Pagination
	WorkflowExecution = api.WorkflowExecution
	Exception         = api.Exception
	Observer          = api.Observer
	StartRequest      = engine.StartRequest
)

const (
	StatusRunning   = api.StatusRunning
	StatusSleeping  = api.StatusSleeping
	StatusCanceled  = api.StatusCanceled
	StatusCompleted = api.StatusCompleted
)

var (
	ErrExecutionNotFound = api.ErrExecutionNotFound
	ErrExecutionExists   = api.ErrExecutionExists
	ErrExecutionTerminal = api.ErrExecutionTerminal
	ErrWorkflowNotFound  = api.ErrWorkflowNotFound
	ErrInvalidInput      = api.ErrInvalidInput
)

// Observer helpers.
var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Config assembles an Engine. The zero value gives an in-memory engine.
type Config struct {
	Store StoreConfig

	// RegistryFile is a YAML file with trusted remote prefixes, aliases and
	// input schemas. It is watched for changes.
	RegistryFile string

	// Worker tuning, see pkg/worker for the defaults.
	Workers      int
	LockDuration time.Duration
	IdleDelay    time.Duration
	ClaimRate    rate.Limit

	// HideNotFound makes the HTTP API answer unknown executions with 403.
	HideNotFound bool
	// AccessLog enables per-request HTTP logging.
	AccessLog bool
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer

	Observer   Observer
	HTTPClient *http.Client
	Tracer     trace.Tracer
	Clock      func() time.Time
	NewID      func() string
	Logger     *slog.Logger
}

// Engine ties the event store, the registry, the orchestrator and the
// worker together.
type Engine struct {
	cfg          Config
	backend      persistence.Backend
	registry     *registry.Registry
	notifier     *notify.Notifier
	service      *engine.Service
	orchestrator *engine.Orchestrator
	logger       *slog.Logger
}

// New builds an Engine and opens its backend.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	notifier := notify.New(notify.WithClock(cfg.Clock), notify.WithLogger(cfg.Logger))
	backend, err := openBackend(ctx, cfg.Store,
		persistence.WithClock(cfg.Clock),
		persistence.WithWakeFunc(notifier.Wake),
	)
	if err != nil {
		_ = notifier.Close()
		return nil, fmt.Errorf("open %s backend: %w", cfg.Store.Kind, err)
	}

	regOpts := []registry.Option{registry.WithLogger(cfg.Logger)}
	if cfg.RegistryFile != "" {
		regOpts = append(regOpts, registry.WithFile(cfg.RegistryFile))
	}
	if cfg.HTTPClient != nil {
		regOpts = append(regOpts, registry.WithHTTPClient(cfg.HTTPClient))
	}
	reg := registry.New(regOpts...)
	if err := reg.Start(ctx); err != nil {
		_ = backend.Close()
		_ = notifier.Close()
		return nil, fmt.Errorf("start registry: %w", err)
	}

	ecfg := engine.Config{
		Backend:    backend,
		Registry:   reg,
		Observer:   cfg.Observer,
		Notifier:   notifier,
		HTTPClient: cfg.HTTPClient,
		Clock:      cfg.Clock,
		NewID:      cfg.NewID,
		Tracer:     cfg.Tracer,
		Logger:     cfg.Logger,
	}
	svc, err := engine.NewService(ecfg)
	if err != nil {
		return nil, errors.Join(err, closeAll(reg, notifier, backend))
	}
	orch, err := engine.NewOrchestrator(ecfg)
	if err != nil {
		return nil, errors.Join(err, closeAll(reg, notifier, backend))
	}

	return &Engine{
		cfg:          cfg,
		backend:      backend,
		registry:     reg,
		notifier:     notifier,
		service:      svc,
		orchestrator: orch,
		logger:       cfg.Logger.With(slog.String("module", "durable")),
	}, nil
}

// RegisterWorkflow makes wf startable under name.
func (e *Engine) RegisterWorkflow(name string, wf Workflow) error {
	return e.registry.RegisterWorkflow(name, wf)
}

// RegisterActivity makes fn callable from workflows under name.
func (e *Engine) RegisterActivity(name string, fn Activity) error {
	return e.registry.RegisterActivity(name, fn)
}

// Start creates an execution. It runs once a worker picks it up.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*WorkflowExecution, error) {
	return e.service.Start(ctx, req)
}

// StartWorkflow is Start with input marshaled from any value.
func (e *Engine) StartWorkflow(ctx context.Context, workflow string, input any) (*WorkflowExecution, error) {
	raw, err := api.MarshalValue(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return e.service.Start(ctx, StartRequest{Workflow: workflow, Input: raw})
}

// Get returns the execution record.
func (e *Engine) Get(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	return e.service.Get(ctx, executionID)
}

// Signal delivers a named signal with payload marshaled to JSON.
func (e *Engine) Signal(ctx context.Context, executionID, signal string, payload any) error {
	raw, err := api.MarshalValue(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return e.service.Signal(ctx, executionID, signal, raw)
}

// Cancel asks the execution to stop. It is canceled on its next drive.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) error {
	return e.service.Cancel(ctx, executionID, reason)
}

// History returns committed events, optionally paged.
func (e *Engine) History(ctx context.Context, executionID string, page *Pagination) ([]Event, error) {
	return e.service.History(ctx, executionID, page)
}

// RunExecution drives one execution right away, without a worker.
func (e *Engine) RunExecution(ctx context.Context, executionID string) error {
	return e.orchestrator.RunExecution(ctx, executionID)
}

// Await blocks until the execution is completed or canceled, or ctx ends.
func (e *Engine) Await(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before reading so a commit in between is not missed.
	batches, err := e.notifier.History(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		exec, err := e.service.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case _, ok := <-batches:
			if !ok {
				batches = nil
			}
		case <-ticker.C:
		}
	}
}

// Result waits for the execution and decodes its output into v. A workflow
// that failed returns its exception as the error.
func (e *Engine) Result(ctx context.Context, executionID string, v any) error {
	exec, err := e.Await(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Error != nil {
		return exec.Error
	}
	if exec.Status == StatusCanceled {
		return fmt.Errorf("execution %s was canceled", executionID)
	}
	if v == nil || len(exec.Output) == 0 {
		return nil
	}
	return json.Unmarshal(exec.Output, v)
}

// NewWorker creates a worker over the engine's backend, woken by the
// engine's commits. concurrency <= 0 uses Config.Workers.
func (e *Engine) NewWorker(ctx context.Context, concurrency int) (*worker.Worker, error) {
	if concurrency <= 0 {
		concurrency = e.cfg.Workers
	}
	wake, err := e.notifier.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return worker.New(e.backend, e.orchestrator, worker.Config{
		Concurrency:  concurrency,
		LockDuration: e.cfg.LockDuration,
		IdleDelay:    e.cfg.IdleDelay,
		ClaimRate:    e.cfg.ClaimRate,
		Wake:         wake,
		Logger:       e.cfg.Logger,
	}), nil
}

// RunWorker drives executions until ctx is canceled.
func (e *Engine) RunWorker(ctx context.Context) error {
	w, err := e.NewWorker(ctx, 0)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Server returns the HTTP API over this engine.
func (e *Engine) Server() *web.Server {
	return web.New(web.Config{
		Executions:   e.service,
		Notifier:     e.notifier,
		Gatherer:     e.cfg.Gatherer,
		HideNotFound: e.cfg.HideNotFound,
		AccessLog:    e.cfg.AccessLog,
		Logger:       e.cfg.Logger,
	})
}

// App returns the fiber application serving the HTTP API.
func (e *Engine) App() *fiber.App {
	return e.Server().App()
}

// Serve listens on addr until ctx is canceled.
func (e *Engine) Serve(ctx context.Context, addr string) error {
	return e.Server().Listen(ctx, addr)
}

// Close stops the registry refresh and releases the backend.
func (e *Engine) Close() error {
	return closeAll(e.registry, e.notifier, e.backend)
}

func closeAll(reg *registry.Registry, notifier *notify.Notifier, backend persistence.Backend) error {
	reg.Stop()
	return errors.Join(notifier.Close(), backend.Close())
}
