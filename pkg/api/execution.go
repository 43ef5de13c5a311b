package api

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSleeping  Status = "sleeping"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether no further events change the execution.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusCompleted
}

// WorkflowExecution is the durable record of one run of a workflow.
type WorkflowExecution struct {
	ID          string            `json:"id"`
	Namespace   string            `json:"namespace,omitempty"`
	WorkflowRef string            `json:"workflow"`
	Status      Status            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       *Exception        `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the execution.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Input = cloneRaw(e.Input)
	cp.Output = cloneRaw(e.Output)
	if e.Error != nil {
		exc := *e.Error
		cp.Error = &exc
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// Pagination selects one page of events. Pages are zero based.
type Pagination struct {
	Page     int
	PageSize int
	// Reverse returns newest events first.
	Reverse bool
}

// Offset returns the number of events skipped before the page.
func (p Pagination) Offset() int {
	if p.Page < 0 || p.PageSize <= 0 {
		return 0
	}
	return p.Page * p.PageSize
}

// Result is what a workflow receives when it resumes from a command.
type Result struct {
	// Value is the JSON encoded result, if any.
	Value json.RawMessage
	// Err is set when the command failed.
	Err error
	// Index is the position of the settled child for WaitAny.
	Index int
}

// Get decodes the result into v, or returns the command's error.
func (r Result) Get(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if v == nil || len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// HTTPResponse is the successful result of InvokeHTTPEndpoint.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}
