package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CommandName tags a Command.
type CommandName string

const (
	CommandNoOp               CommandName = "no_op"
	CommandSleep              CommandName = "sleep"
	CommandScheduleActivity   CommandName = "schedule_activity"
	CommandWaitSignal         CommandName = "wait_signal"
	CommandWaitAny            CommandName = "wait_any"
	CommandWaitAll            CommandName = "wait_all"
	CommandLocalActivity      CommandName = "local_activity"
	CommandInvokeHTTPEndpoint CommandName = "invoke_http_endpoint"
	CommandFinishWorkflow     CommandName = "finish_workflow"
	CommandCancelWorkflow     CommandName = "cancel_workflow"
	CommandDelegated          CommandName = "delegated"
)

// Command is a request, yielded by a workflow body, for exactly one effect.
// Commands are never persisted; only the events they cause are.
type Command interface {
	Name() CommandName
	isCommand()
}

// NoOp is the command held by a state before the workflow has started.
type NoOp struct{}

// Sleep suspends the workflow until the given instant.
type Sleep struct {
	Until time.Time
}

// ScheduleActivity runs the activity registered under Activity with Input.
type ScheduleActivity struct {
	Activity string
	Input    json.RawMessage
}

// WaitSignal suspends the workflow until the named signal arrives.
type WaitSignal struct {
	Signal string
}

// WaitAny runs every child and resumes the workflow with the first one
// that settles.
type WaitAny struct {
	Commands []Command
}

// WaitAll runs every child and resumes the workflow once all of them have
// settled, with results in command order.
type WaitAll struct {
	Commands []Command
}

// LocalActivityFunc is the body of a local activity.
type LocalActivityFunc func(ctx context.Context) (any, error)

// LocalActivity runs Fn in the worker process. Its result is recorded and
// Fn is never called again for the same execution step.
type LocalActivity struct {
	Fn LocalActivityFunc
}

// InvokeHTTPEndpoint performs an HTTP request on behalf of the workflow.
type InvokeHTTPEndpoint struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

// FinishWorkflow completes the execution with Result, or with Exception
// when the workflow body failed.
type FinishWorkflow struct {
	Result    json.RawMessage
	Exception *Exception
}

// CancelWorkflow cancels the execution from inside the workflow body.
type CancelWorkflow struct {
	Reason string
}

// DelegatedResolver produces the concrete command for a Delegated command.
type DelegatedResolver func(ctx context.Context) (Command, error)

// Delegated defers the choice of command to Resolve, which is only called
// when the command is actually executed.
type Delegated struct {
	Resolve DelegatedResolver
}

func (NoOp) Name() CommandName               { return CommandNoOp }
func (Sleep) Name() CommandName              { return CommandSleep }
func (ScheduleActivity) Name() CommandName   { return CommandScheduleActivity }
func (WaitSignal) Name() CommandName         { return CommandWaitSignal }
func (WaitAny) Name() CommandName            { return CommandWaitAny }
func (WaitAll) Name() CommandName            { return CommandWaitAll }
func (LocalActivity) Name() CommandName      { return CommandLocalActivity }
func (InvokeHTTPEndpoint) Name() CommandName { return CommandInvokeHTTPEndpoint }
func (FinishWorkflow) Name() CommandName     { return CommandFinishWorkflow }
func (CancelWorkflow) Name() CommandName     { return CommandCancelWorkflow }
func (Delegated) Name() CommandName          { return CommandDelegated }

func (NoOp) isCommand()               {}
func (Sleep) isCommand()              {}
func (ScheduleActivity) isCommand()   {}
func (WaitSignal) isCommand()         {}
func (WaitAny) isCommand()            {}
func (WaitAll) isCommand()            {}
func (LocalActivity) isCommand()      {}
func (InvokeHTTPEndpoint) isCommand() {}
func (FinishWorkflow) isCommand()     {}
func (CancelWorkflow) isCommand()     {}
func (Delegated) isCommand()          {}

// IsTerminal reports whether cmd ends the execution.
func IsTerminal(cmd Command) bool {
	switch cmd.(type) {
	case FinishWorkflow, CancelWorkflow:
		return true
	default:
		return false
	}
}

// ValidateBarrierChild reports whether cmd may appear inside WaitAny or
// WaitAll. Barriers, terminal and delegated commands may not.
func ValidateBarrierChild(cmd Command) error {
	switch cmd.(type) {
	case Sleep, ScheduleActivity, WaitSignal, LocalActivity, InvokeHTTPEndpoint:
		return nil
	case nil:
		return fmt.Errorf("%w: nil barrier child", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: %s cannot be awaited inside a barrier", ErrInvalidCommand, cmd.Name())
	}
}

// commandJSON is the wire form of the serializable commands, used by remote
// workflow runtimes.
type commandJSON struct {
	Name      CommandName       `json:"name"`
	Until     *time.Time        `json:"until,omitempty"`
	Activity  string            `json:"activity,omitempty"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Signal    string            `json:"signal,omitempty"`
	Commands  []json.RawMessage `json:"commands,omitempty"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Exception *Exception        `json:"exception,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// DecodeCommand parses the wire form of a command. Local activities and
// delegated commands carry functions and cannot be decoded.
func DecodeCommand(data []byte) (Command, error) {
	var raw commandJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	switch raw.Name {
	case CommandNoOp:
		return NoOp{}, nil
	case CommandSleep:
		if raw.Until == nil {
			return nil, fmt.Errorf("%w: sleep without until", ErrInvalidCommand)
		}
		return Sleep{Until: *raw.Until}, nil
	case CommandScheduleActivity:
		return ScheduleActivity{Activity: raw.Activity, Input: raw.Input}, nil
	case CommandWaitSignal:
		return WaitSignal{Signal: raw.Signal}, nil
	case CommandWaitAny, CommandWaitAll:
		children := make([]Command, 0, len(raw.Commands))
		for _, c := range raw.Commands {
			child, err := DecodeCommand(c)
			if err != nil {
				return nil, err
			}
			if err := ValidateBarrierChild(child); err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if raw.Name == CommandWaitAny {
			return WaitAny{Commands: children}, nil
		}
		return WaitAll{Commands: children}, nil
	case CommandInvokeHTTPEndpoint:
		return InvokeHTTPEndpoint{URL: raw.URL, Method: raw.Method, Headers: raw.Headers, Body: raw.Body}, nil
	case CommandFinishWorkflow:
		return FinishWorkflow{Result: raw.Result, Exception: raw.Exception}, nil
	case CommandCancelWorkflow:
		return CancelWorkflow{Reason: raw.Reason}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported command %q", ErrInvalidCommand, raw.Name)
	}
}
