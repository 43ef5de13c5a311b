package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durable/pkg/api"
)

// maxResponseBody caps the HTTP response body recorded in an event.
const maxResponseBody = 4 << 20

// ActivityResolver looks up activities by name.
type ActivityResolver interface {
	Activity(name string) (api.Activity, bool)
}

// Interpreter executes the current command of a State and returns the
// events describing what happened. It never mutates the state.
type Interpreter struct {
	activities ActivityResolver
	client     *http.Client
	newID      func() string
	now        func() time.Time
	logger     *slog.Logger
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

// WithHTTPClient sets the client used by invoke_http_endpoint.
func WithHTTPClient(c *http.Client) InterpreterOption {
	return func(in *Interpreter) { in.client = c }
}

// WithIDGenerator sets the generator for event ids and correlation keys.
func WithIDGenerator(fn func() string) InterpreterOption {
	return func(in *Interpreter) { in.newID = fn }
}

// WithClock sets the clock used to timestamp events.
func WithClock(fn func() time.Time) InterpreterOption {
	return func(in *Interpreter) { in.now = fn }
}

// WithInterpreterLogger sets the logger.
func WithInterpreterLogger(l *slog.Logger) InterpreterOption {
	return func(in *Interpreter) { in.logger = l }
}

// NewInterpreter creates an Interpreter resolving activities through activities.
func NewInterpreter(activities ActivityResolver, opts ...InterpreterOption) *Interpreter {
	in := &Interpreter{
		activities: activities,
		client:     http.DefaultClient,
		newID:      uuid.NewString,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Execute runs the current command of s. Once a command's effect has been
// recorded (Current.IsReplaying) nothing is executed again, except for
// finish_workflow and cancel_workflow which always produce their event.
func (in *Interpreter) Execute(ctx context.Context, s *State) ([]api.Event, error) {
	cur := s.Current
	if cur.IsReplaying && !api.IsTerminal(cur.Command) {
		return nil, nil
	}
	return in.interpret(ctx, cur.Command, in.newID())
}

func (in *Interpreter) interpret(ctx context.Context, cmd api.Command, key string) ([]api.Event, error) {
	switch c := cmd.(type) {
	case nil, api.NoOp:
		return nil, nil

	case api.Sleep:
		now := in.now()
		firesAt := c.Until
		if firesAt.Before(now) {
			firesAt = now
		}
		fired := api.NewEvent(in.newID(), firesAt, api.TimerFiredAttributes{TimerID: key})
		until := c.Until
		fired.VisibleAt = &until
		return []api.Event{
			in.event(api.TimerScheduledAttributes{TimerID: key, Until: c.Until}),
			fired,
		}, nil

	case api.ScheduleActivity:
		started := in.event(api.ActivityStartedAttributes{ActivityID: key, ActivityName: c.Activity, Input: c.Input})
		value, exc := in.runActivity(ctx, c)
		return []api.Event{
			started,
			in.event(api.ActivityCompletedAttributes{ActivityID: key, Result: value, Exception: exc}),
		}, nil

	case api.WaitSignal:
		return []api.Event{in.event(api.WaitingSignalAttributes{Signal: c.Signal, Key: key})}, nil

	case api.WaitAny:
		return in.barrier(ctx, c.Commands, func(names []api.CommandName, keys []string) api.Attributes {
			return api.WaitingAnyAttributes{Commands: names, Keys: keys}
		})

	case api.WaitAll:
		return in.barrier(ctx, c.Commands, func(names []api.CommandName, keys []string) api.Attributes {
			return api.WaitingAllAttributes{Commands: names, Keys: keys}
		})

	case api.LocalActivity:
		value, exc := in.runLocal(ctx, c.Fn)
		return []api.Event{in.event(api.LocalActivityCalledAttributes{ActivityID: key, Result: value, Exception: exc})}, nil

	case api.InvokeHTTPEndpoint:
		return []api.Event{in.invokeHTTP(ctx, c, key)}, nil

	case api.FinishWorkflow:
		return []api.Event{in.event(api.WorkflowFinishedAttributes{Result: c.Result, Exception: c.Exception})}, nil

	case api.CancelWorkflow:
		return []api.Event{in.event(api.WorkflowCanceledAttributes{Reason: c.Reason})}, nil

	case api.Delegated:
		if c.Resolve == nil {
			return nil, fmt.Errorf("%w: delegated command without resolver", api.ErrInvalidCommand)
		}
		resolved, err := c.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve delegated command: %w", err)
		}
		if _, nested := resolved.(api.Delegated); nested {
			return nil, fmt.Errorf("%w: delegated command resolved to another delegated command", api.ErrInvalidCommand)
		}
		return in.interpret(ctx, resolved, key)

	default:
		return nil, fmt.Errorf("%w: unknown command %T", api.ErrInvalidCommand, cmd)
	}
}

// barrier emits the waiting event followed by every child's events in the
// order the children settled. Children run concurrently; folding the
// recorded order releases wait_any on the child that settled first.
func (in *Interpreter) barrier(ctx context.Context, children []api.Command, header func([]api.CommandName, []string) api.Attributes) ([]api.Event, error) {
	names := make([]api.CommandName, len(children))
	keys := make([]string, len(children))
	for i, child := range children {
		if err := api.ValidateBarrierChild(child); err != nil {
			return nil, err
		}
		names[i] = child.Name()
		keys[i] = in.newID()
	}

	out := []api.Event{in.event(header(names, keys))}

	var (
		mu      sync.Mutex
		settled = make([][]api.Event, 0, len(children))
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range children {
		g.Go(func() error {
			evs, err := in.interpret(gctx, child, keys[i])
			if err != nil {
				return err
			}
			mu.Lock()
			settled = append(settled, evs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, evs := range settled {
		out = append(out, evs...)
	}
	return out, nil
}

func (in *Interpreter) runActivity(ctx context.Context, c api.ScheduleActivity) (value []byte, exc *api.Exception) {
	if in.activities == nil {
		return nil, &api.Exception{Type: "ActivityNotFound", Message: fmt.Sprintf("activity %q is not registered", c.Activity)}
	}
	fn, ok := in.activities.Activity(c.Activity)
	if !ok {
		return nil, &api.Exception{Type: "ActivityNotFound", Message: fmt.Sprintf("activity %q is not registered", c.Activity)}
	}
	return capture(func() (any, error) { return fn(ctx, c.Input) })
}

func (in *Interpreter) runLocal(ctx context.Context, fn api.LocalActivityFunc) ([]byte, *api.Exception) {
	if fn == nil {
		return nil, &api.Exception{Type: "InvalidCommand", Message: "local activity without function"}
	}
	return capture(func() (any, error) { return fn(ctx) })
}

// capture runs fn and records its outcome, converting panics into exceptions.
func capture(fn func() (any, error)) (value []byte, exc *api.Exception) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			exc = &api.Exception{Type: "panic", Message: panicMessage(r)}
		}
	}()

	out, err := fn()
	if err != nil {
		return nil, api.NewException(err)
	}
	raw, err := api.MarshalValue(out)
	if err != nil {
		return nil, api.NewException(err)
	}
	return raw, nil
}

func (in *Interpreter) invokeHTTP(ctx context.Context, c api.InvokeHTTPEndpoint, key string) api.Event {
	fail := func(err error) api.Event {
		return in.event(api.InvokeHTTPResponseAttributes{RequestID: key, Exception: api.NewException(err)})
	}

	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL, body)
	if err != nil {
		return fail(err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := in.client.Do(req)
	if err != nil {
		in.logger.WarnContext(ctx, "http command failed", slog.String("url", c.URL), slog.Any("error", err))
		return fail(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return fail(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return in.event(api.InvokeHTTPResponseAttributes{
		RequestID: key,
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      string(data),
	})
}

func (in *Interpreter) event(attrs api.Attributes) api.Event {
	return api.NewEvent(in.newID(), in.now(), attrs)
}
