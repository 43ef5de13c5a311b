// Package web exposes executions over HTTP.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	requestlog "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/notify"
	"github.com/petrijr/durable/pkg/api"
)

// DefaultPageSize is used when a history request names no page size.
const DefaultPageSize = 10

// Executions is the engine surface the API needs. *engine.Service
// implements it.
type Executions interface {
	Start(ctx context.Context, req engine.StartRequest) (*api.WorkflowExecution, error)
	Get(ctx context.Context, executionID string) (*api.WorkflowExecution, error)
	Signal(ctx context.Context, executionID, signal string, payload json.RawMessage) error
	Cancel(ctx context.Context, executionID, reason string) error
	History(ctx context.Context, executionID string, page *api.Pagination) ([]api.Event, error)
}

// Config configures a Server.
type Config struct {
	Executions Executions
	// Notifier feeds streamed history. Without it a stream ends after the
	// events committed so far.
	Notifier *notify.Notifier
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	// HideNotFound answers unknown executions with 403 instead of 404.
	HideNotFound bool
	// StreamTimeout bounds a history stream. Zero means ten minutes.
	StreamTimeout time.Duration
	// AccessLog enables per-request logging.
	AccessLog bool
	Logger    *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	executions    Executions
	notifier      *notify.Notifier
	gatherer      prometheus.Gatherer
	hideNotFound  bool
	streamTimeout time.Duration
	accessLog     bool
	validate      *validator.Validate
	logger        *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{
		executions:    cfg.Executions,
		notifier:      cfg.Notifier,
		gatherer:      cfg.Gatherer,
		hideNotFound:  cfg.HideNotFound,
		streamTimeout: cfg.StreamTimeout,
		accessLog:     cfg.AccessLog,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        cfg.Logger,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.streamTimeout <= 0 {
		s.streamTimeout = 10 * time.Minute
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("module", "web"))
	return s
}

// App builds the fiber application.
func (s *Server) App() *fiber.App {
	app := fiber.New()
	if s.accessLog {
		app.Use(requestlog.New(requestlog.Config{
			DisableColors: true,
		}))
	}

	app.Get("/healthz", healthcheck.NewHealthChecker())
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	e := app.Group("/executions")
	e.Post("/", s.StartExecution)
	e.Get("/:id", s.GetExecution)
	e.Delete("/:id", s.CancelExecution)
	e.Post("/:id/signals/:signal", s.SignalExecution)
	e.Get("/:id/history", s.GetHistory)

	return app
}

// Listen serves the API on addr until ctx is canceled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	app := s.App()
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	s.logger.Info("http server listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	}
}
