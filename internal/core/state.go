// Package core holds the deterministic heart of the engine: the in-memory
// execution state, the event reducer that advances it, and the command
// interpreter that turns the current command into new events.
//
// State is never persisted. It is rebuilt on every drive cycle by folding
// history followed by due pending events over a fresh State.
package core

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/petrijr/durable/internal/coroutine"
	"github.com/petrijr/durable/pkg/api"
)

// Current is the command the workflow is blocked on. IsReplaying is set once
// the command's effect has been recorded, meaning the interpreter must not
// run it again.
type Current struct {
	Command     api.Command
	IsReplaying bool
}

type workflowCoroutine = coroutine.Coroutine[api.Command, api.Result]

// State is the reconstructed execution state.
type State struct {
	Info    api.ExecutionInfo
	Status  api.Status
	Current Current

	// Signals maps a signal name to the correlation keys waiting for it,
	// oldest first.
	Signals map[string][]string
	// Timers maps a timer id to its deadline.
	Timers map[string]time.Time
	// Activities maps an in-flight activity id to the activity name.
	Activities map[string]string
	// Buffered holds signal payloads received before anyone waited.
	Buffered map[string][]json.RawMessage
	// Barrier is set while the workflow waits in wait_any or wait_all.
	Barrier *Barrier
	// Awaiting is the correlation key of a direct (non-barrier) suspension.
	Awaiting string
	// Unconsumed lists ids of completion events that matched no waiter,
	// such as wait_any stragglers.
	Unconsumed []string

	HasFinished  bool
	Output       json.RawMessage
	Exception    *api.Exception
	CancelReason string
	StartedAt    time.Time
	FinishedAt   time.Time
	CanceledAt   time.Time

	// Now is the timestamp of the last applied event.
	Now time.Time
	// Replaying is true while committed history is being folded.
	Replaying bool

	workflow api.Workflow
	co       *workflowCoroutine
	logger   *slog.Logger
	// retired holds the keys of barriers that already released.
	retired map[string]struct{}
}

// NewState returns the zero state for an execution of wf.
func NewState(info api.ExecutionInfo, wf api.Workflow, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		Info:       info,
		Status:     api.StatusRunning,
		Current:    Current{Command: api.NoOp{}},
		Signals:    make(map[string][]string),
		Timers:     make(map[string]time.Time),
		Activities: make(map[string]string),
		Buffered:   make(map[string][]json.RawMessage),
		workflow:   wf,
		logger:     logger,
	}
}

// Terminal reports whether the execution has finished or been canceled.
func (s *State) Terminal() bool {
	return s.HasFinished || s.Status == api.StatusCanceled
}

// Blocked reports whether the drive loop must stop and wait for new events.
func (s *State) Blocked() bool {
	return s.Terminal() || s.Current.IsReplaying
}

// Dispose releases the workflow coroutine at the end of a drive cycle.
// Deferred functions in a suspended body run with IsReplaying reporting
// true, since the execution itself goes on.
func (s *State) Dispose() {
	if s.co != nil && !s.co.Done() {
		s.Replaying = true
		s.co.Return()
	}
}

// stop unwinds the body because the execution ended.
func (s *State) stop() {
	if s.co != nil {
		s.co.Return()
	}
}

// CompletedAt returns the instant the execution became terminal, if it has.
func (s *State) CompletedAt() *time.Time {
	switch {
	case s.HasFinished:
		t := s.FinishedAt
		return &t
	case s.Status == api.StatusCanceled:
		t := s.CanceledAt
		return &t
	default:
		return nil
	}
}

func (s *State) deriveStatus() api.Status {
	switch {
	case s.Status == api.StatusCanceled:
		return api.StatusCanceled
	case s.HasFinished:
		return api.StatusCompleted
	case s.Current.IsReplaying:
		return api.StatusSleeping
	default:
		return api.StatusRunning
	}
}

func (s *State) start(input json.RawMessage) {
	cfg := api.ContextConfig{
		Info:      s.Info,
		Now:       func() time.Time { return s.Now },
		Replaying: func() bool { return s.Replaying },
		Logger:    s.logger,
	}
	wf := s.workflow
	s.co = coroutine.New(func(y *coroutine.Yielder[api.Command, api.Result]) api.Command {
		return runBody(wf, api.NewContext(cfg, y.Yield), input)
	})
	cmd, _ := s.co.Start()
	s.setCurrent(cmd)
}

// runBody runs the workflow and turns its outcome into the final command.
func runBody(wf api.Workflow, ctx *api.Context, input json.RawMessage) (cmd api.Command) {
	defer func() {
		if r := recover(); r != nil {
			if coroutine.IsKilled(r) {
				panic(r)
			}
			cmd = api.FinishWorkflow{Exception: &api.Exception{Type: "panic", Message: panicMessage(r)}}
		}
	}()

	out, err := wf(ctx, input)
	if err != nil {
		return api.FinishWorkflow{Exception: api.NewException(err)}
	}
	raw, err := api.MarshalValue(out)
	if err != nil {
		return api.FinishWorkflow{Exception: api.NewException(err)}
	}
	return api.FinishWorkflow{Result: raw}
}

func (s *State) resume(r api.Result) {
	if s.co == nil || s.co.Done() {
		return
	}
	cmd, _ := s.co.Next(r)
	s.setCurrent(cmd)
}

func (s *State) setCurrent(cmd api.Command) {
	if cmd == nil {
		cmd = api.NoOp{}
	}
	s.Current = Current{Command: cmd}
	s.Awaiting = ""
}

func (s *State) suspend() {
	s.Current.IsReplaying = true
}
