package api

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Workflow is the body of a workflow. It runs as a resumable coroutine:
// every effect goes through ctx, which suspends the body until the effect's
// event is applied. The returned value becomes the execution output.
//
// Workflow bodies must be deterministic. Given the same input and the same
// results from ctx they must issue the same commands in the same order;
// time, randomness and logging must come from ctx. The engine does not
// detect violations.
type Workflow func(ctx *Context, input json.RawMessage) (any, error)

// Activity is a function executed on behalf of a workflow by name.
type Activity func(ctx context.Context, input json.RawMessage) (any, error)

// ExecutionInfo describes the execution a workflow body runs in.
type ExecutionInfo struct {
	ID          string
	Namespace   string
	WorkflowRef string
	Metadata    map[string]string
}

// ContextConfig wires a Context to the state machine driving it.
type ContextConfig struct {
	Info ExecutionInfo
	// Now returns the logical time of the execution.
	Now func() time.Time
	// Replaying reports whether the body is being resumed from history.
	Replaying func() bool
	Logger    *slog.Logger
}

// Context is the handle a workflow body uses to request effects.
type Context struct {
	cfg    ContextConfig
	yield  func(Command) Result
	rand   *rand.Rand
	logger *slog.Logger
}

// NewContext builds a Context that suspends through yield.
func NewContext(cfg ContextConfig, yield func(Command) Result) *Context {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Replaying == nil {
		cfg.Replaying = func() bool { return false }
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(cfg.Info.ID))
	seed := h.Sum64()

	return &Context{
		cfg:   cfg,
		yield: yield,
		rand:  rand.New(rand.NewPCG(seed, seed>>1|1)),
		logger: slog.New(&replayHandler{
			inner:     base.Handler(),
			replaying: cfg.Replaying,
		}).With(slog.String("execution_id", cfg.Info.ID)),
	}
}

// ExecutionID returns the id of the running execution.
func (c *Context) ExecutionID() string { return c.cfg.Info.ID }

// Metadata returns the metadata the execution was started with.
func (c *Context) Metadata() map[string]string { return c.cfg.Info.Metadata }

// Info returns the execution description.
func (c *Context) Info() ExecutionInfo { return c.cfg.Info }

// Now returns the timestamp of the most recently applied event. It is
// stable across replays, unlike time.Now.
func (c *Context) Now() time.Time { return c.cfg.Now() }

// IsReplaying reports whether the body is being resumed from recorded history.
func (c *Context) IsReplaying() bool { return c.cfg.Replaying() }

// Rand returns a random source seeded from the execution id.
func (c *Context) Rand() *rand.Rand { return c.rand }

// Logger returns a logger that drops records while replaying.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Yield suspends the body on cmd and returns its result.
func (c *Context) Yield(cmd Command) Result {
	return c.yield(cmd)
}

// Sleep suspends the workflow for d of logical time.
func (c *Context) Sleep(d time.Duration) error {
	return c.SleepUntil(c.Now().Add(d))
}

// SleepUntil suspends the workflow until t.
func (c *Context) SleepUntil(t time.Time) error {
	return c.Yield(Sleep{Until: t}).Err
}

// WaitForSignal suspends the workflow until the named signal arrives and
// returns its payload.
func (c *Context) WaitForSignal(name string) Result {
	return c.Yield(WaitSignal{Signal: name})
}

// CallActivity runs a registered activity.
func (c *Context) CallActivity(name string, input any) Result {
	cmd, err := ActivityCommand(name, input)
	if err != nil {
		return Result{Err: err}
	}
	return c.Yield(cmd)
}

// CallLocalActivity runs fn once and records its result.
func (c *Context) CallLocalActivity(fn LocalActivityFunc) Result {
	return c.Yield(LocalActivity{Fn: fn})
}

// InvokeHTTP performs req. Responses with status 400 or above are returned
// as *HTTPError.
func (c *Context) InvokeHTTP(req InvokeHTTPEndpoint) (*HTTPResponse, error) {
	var resp HTTPResponse
	if err := c.Yield(req).Get(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitAll runs cmds concurrently and returns their results as a JSON array
// in command order. The first failing child fails the whole wait.
func (c *Context) WaitAll(cmds ...Command) Result {
	for _, cmd := range cmds {
		if err := ValidateBarrierChild(cmd); err != nil {
			return Result{Err: err}
		}
	}
	if len(cmds) == 0 {
		return Result{Value: json.RawMessage("[]")}
	}
	return c.Yield(WaitAll{Commands: cmds})
}

// WaitAny runs cmds concurrently and returns the result of the first one to
// settle. Result.Index identifies it.
func (c *Context) WaitAny(cmds ...Command) Result {
	if len(cmds) == 0 {
		return Result{Err: fmt.Errorf("%w: wait_any needs at least one command", ErrInvalidCommand)}
	}
	for _, cmd := range cmds {
		if err := ValidateBarrierChild(cmd); err != nil {
			return Result{Err: err}
		}
	}
	return c.Yield(WaitAny{Commands: cmds})
}

// Cancel ends the execution as canceled. It does not return.
func (c *Context) Cancel(reason string) {
	c.Yield(CancelWorkflow{Reason: reason})
}

// ActivityCommand builds a ScheduleActivity command with a JSON encoded input.
func ActivityCommand(name string, input any) (ScheduleActivity, error) {
	raw, err := MarshalValue(input)
	if err != nil {
		return ScheduleActivity{}, fmt.Errorf("encode input for activity %q: %w", name, err)
	}
	return ScheduleActivity{Activity: name, Input: raw}, nil
}

// MarshalValue encodes v as JSON. Nil values and raw messages pass through.
func MarshalValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	default:
		return json.Marshal(v)
	}
}

type replayHandler struct {
	inner     slog.Handler
	replaying func() bool
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.replaying() && h.inner.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.replaying() {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{inner: h.inner.WithAttrs(attrs), replaying: h.replaying}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{inner: h.inner.WithGroup(name), replaying: h.replaying}
}
