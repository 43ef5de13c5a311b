// Package engine drives workflow executions.
//
// The Orchestrator runs one drive cycle of an execution: it rebuilds the
// state from history, applies due pending events, runs commands until the
// workflow blocks, and commits everything in one transaction. The Service is
// the entry point for starting, inspecting, signaling and canceling
// executions; it only ever writes pending events.
package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/durable/internal/core"
	"github.com/petrijr/durable/internal/notify"
	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/registry"
	"github.com/petrijr/durable/internal/telemetry"
	"github.com/petrijr/durable/pkg/api"
)

// Workflows resolves workflow references, validates their input and looks
// up activities. *registry.Registry implements it.
type Workflows interface {
	core.ActivityResolver
	Resolve(ref string) (*registry.Executable, error)
	ValidateInput(ref string, input json.RawMessage) error
}

// Config describes how to construct an Orchestrator or a Service.
type Config struct {
	Backend  persistence.Backend
	Registry Workflows
	Observer api.Observer
	// Notifier receives committed history for streaming. Optional.
	Notifier *notify.Notifier
	// HTTPClient is used by invoke_http_endpoint.
	HTTPClient *http.Client
	Clock      func() time.Time
	NewID      func() string
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = telemetry.HTTPClient()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.Tracer()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
