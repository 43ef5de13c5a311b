// Package remote runs workflows hosted behind an HTTP endpoint.
//
// The engine keeps a local body that yields delegated commands. Resolving
// one POSTs the execution input and every result received so far to the
// endpoint, which answers with the next command in its wire form.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/petrijr/durable/pkg/api"
)

// maxReplyBody caps the command document read from the endpoint.
const maxReplyBody = 1 << 20

// StepRequest is the document POSTed to the endpoint for every step.
type StepRequest struct {
	ExecutionID string            `json:"executionId"`
	Workflow    string            `json:"workflow"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Results     []StepResult      `json:"results"`
}

// StepResult is the outcome of one previously issued command.
type StepResult struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Exception *api.Exception  `json:"exception,omitempty"`
	Index     int             `json:"index,omitempty"`
}

// Runtime talks to one remote workflow endpoint.
type Runtime struct {
	url    string
	client *http.Client
	// shared is set when the client was passed in and is not ours to close.
	shared bool
	logger *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithHTTPClient sets the client used to reach the endpoint. The client is
// shared: Close leaves its connections alone.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) {
		r.client = c
		r.shared = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New creates a Runtime for the endpoint at url.
func New(url string, opts ...Option) *Runtime {
	r := &Runtime{
		url:    url,
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Workflow returns the local body standing in for the remote workflow.
func (r *Runtime) Workflow() api.Workflow {
	return func(ctx *api.Context, input json.RawMessage) (any, error) {
		info := ctx.Info()
		var results []StepResult
		for {
			req := StepRequest{
				ExecutionID: info.ID,
				Workflow:    r.url,
				Input:       input,
				Metadata:    info.Metadata,
				Results:     append([]StepResult{}, results...),
			}
			res := ctx.Yield(api.Delegated{Resolve: func(c context.Context) (api.Command, error) {
				return r.Step(c, req)
			}})
			results = append(results, stepResult(res))
		}
	}
}

func stepResult(res api.Result) StepResult {
	if res.Err != nil {
		return StepResult{Exception: api.NewException(res.Err), Index: res.Index}
	}
	return StepResult{Result: res.Value, Index: res.Index}
}

// Step asks the endpoint for the command following req.Results.
func (r *Runtime) Step(ctx context.Context, req StepRequest) (api.Command, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote workflow %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, fmt.Errorf("remote workflow %s: read reply: %w", r.url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		r.logger.WarnContext(ctx, "remote workflow step failed",
			slog.String("url", r.url),
			slog.Int("status", resp.StatusCode),
			slog.String("execution_id", req.ExecutionID),
		)
		return nil, fmt.Errorf("remote workflow %s: status %d", r.url, resp.StatusCode)
	}

	cmd, err := api.DecodeCommand(data)
	if err != nil {
		return nil, fmt.Errorf("remote workflow %s: %w", r.url, err)
	}
	return cmd, nil
}

// Close drops idle connections to the endpoint unless the client is shared.
func (r *Runtime) Close() {
	if r.shared {
		return
	}
	r.client.CloseIdleConnections()
}
