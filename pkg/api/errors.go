package api

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionExists is returned when creating an execution whose id is taken.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrExecutionTerminal is returned when signaling or canceling an
	// execution that has already completed or been canceled.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrWorkflowNotFound is returned when a workflow reference cannot be resolved.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrUntrustedWorkflow is returned for remote workflow references outside
	// the trusted prefixes.
	ErrUntrustedWorkflow = errors.New("workflow reference is not trusted")

	// ErrInvalidInput is returned when a start request fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidCommand is returned for commands that cannot be executed.
	ErrInvalidCommand = errors.New("invalid command")
)

// Exception is a failure recorded in an event and re-raised inside the
// workflow when the event is applied.
type Exception struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func (e *Exception) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// NewException captures err as an Exception. Existing exceptions are
// returned unchanged.
func NewException(err error) *Exception {
	if err == nil {
		return nil
	}
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	return &Exception{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}

// HTTPError is raised inside the workflow when an invoked endpoint answers
// with a status of 400 or above.
type HTTPError struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http endpoint returned status %d", e.Status)
}
