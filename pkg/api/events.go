package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies an execution event.
type EventType string

const (
	EventWorkflowStarted     EventType = "workflow_started"
	EventWorkflowFinished    EventType = "workflow_finished"
	EventWorkflowCanceled    EventType = "workflow_canceled"
	EventActivityStarted     EventType = "activity_started"
	EventActivityCompleted   EventType = "activity_completed"
	EventTimerScheduled      EventType = "timer_scheduled"
	EventTimerFired          EventType = "timer_fired"
	EventWaitingSignal       EventType = "waiting_signal"
	EventSignalReceived      EventType = "signal_received"
	EventLocalActivityCalled EventType = "local_activity_called"
	EventInvokeHTTPResponse  EventType = "invoke_http_response"
	EventWaitingAny          EventType = "waiting_any"
	EventWaitingAll          EventType = "waiting_all"
)

// Event is an immutable fact about an execution.
//
// Seq is zero while the event sits in the pending set and is assigned when
// the event is committed to history. VisibleAt, when set, hides the event
// from drive cycles until that instant.
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	Seq        int64
	VisibleAt  *time.Time
	Attributes Attributes
}

// NewEvent builds an event whose type is derived from attrs.
func NewEvent(id string, ts time.Time, attrs Attributes) Event {
	return Event{
		ID:         id,
		Type:       attrs.EventType(),
		Timestamp:  ts,
		Attributes: attrs,
	}
}

// DueAt reports whether the event is visible at now.
func (e Event) DueAt(now time.Time) bool {
	return e.VisibleAt == nil || !e.VisibleAt.After(now)
}

// Attributes is the closed set of type-specific event payloads.
type Attributes interface {
	EventType() EventType
	isAttributes()
}

type WorkflowStartedAttributes struct {
	Input json.RawMessage `json:"input,omitempty"`
}

type WorkflowFinishedAttributes struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Exception *Exception      `json:"exception,omitempty"`
}

type WorkflowCanceledAttributes struct {
	Reason string `json:"reason,omitempty"`
}

type ActivityStartedAttributes struct {
	ActivityID   string          `json:"activityId"`
	ActivityName string          `json:"activityName"`
	Input        json.RawMessage `json:"input,omitempty"`
}

type ActivityCompletedAttributes struct {
	ActivityID string          `json:"activityId"`
	Result     json.RawMessage `json:"result,omitempty"`
	Exception  *Exception      `json:"exception,omitempty"`
}

type TimerScheduledAttributes struct {
	TimerID string    `json:"timerId"`
	Until   time.Time `json:"until"`
}

type TimerFiredAttributes struct {
	TimerID string `json:"timerId"`
}

// WaitingSignalAttributes records that a workflow waits for a signal. Key
// correlates the wait with the signal that eventually satisfies it.
type WaitingSignalAttributes struct {
	Signal string `json:"signal"`
	Key    string `json:"key"`
}

type SignalReceivedAttributes struct {
	Signal  string          `json:"signal"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type LocalActivityCalledAttributes struct {
	ActivityID string          `json:"activityId"`
	Result     json.RawMessage `json:"result,omitempty"`
	Exception  *Exception      `json:"exception,omitempty"`
}

type InvokeHTTPResponseAttributes struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Exception *Exception        `json:"exception,omitempty"`
}

// WaitingAnyAttributes opens a wait_any barrier. Keys[i] is the correlation
// key of the i-th child command, named by Commands[i].
type WaitingAnyAttributes struct {
	Commands []CommandName `json:"commands"`
	Keys     []string      `json:"keys"`
}

// WaitingAllAttributes opens a wait_all barrier. See WaitingAnyAttributes.
type WaitingAllAttributes struct {
	Commands []CommandName `json:"commands"`
	Keys     []string      `json:"keys"`
}

func (WorkflowStartedAttributes) EventType() EventType     { return EventWorkflowStarted }
func (WorkflowFinishedAttributes) EventType() EventType    { return EventWorkflowFinished }
func (WorkflowCanceledAttributes) EventType() EventType    { return EventWorkflowCanceled }
func (ActivityStartedAttributes) EventType() EventType     { return EventActivityStarted }
func (ActivityCompletedAttributes) EventType() EventType   { return EventActivityCompleted }
func (TimerScheduledAttributes) EventType() EventType      { return EventTimerScheduled }
func (TimerFiredAttributes) EventType() EventType          { return EventTimerFired }
func (WaitingSignalAttributes) EventType() EventType       { return EventWaitingSignal }
func (SignalReceivedAttributes) EventType() EventType      { return EventSignalReceived }
func (LocalActivityCalledAttributes) EventType() EventType { return EventLocalActivityCalled }
func (InvokeHTTPResponseAttributes) EventType() EventType  { return EventInvokeHTTPResponse }
func (WaitingAnyAttributes) EventType() EventType          { return EventWaitingAny }
func (WaitingAllAttributes) EventType() EventType          { return EventWaitingAll }

func (WorkflowStartedAttributes) isAttributes()     {}
func (WorkflowFinishedAttributes) isAttributes()    {}
func (WorkflowCanceledAttributes) isAttributes()    {}
func (ActivityStartedAttributes) isAttributes()     {}
func (ActivityCompletedAttributes) isAttributes()   {}
func (TimerScheduledAttributes) isAttributes()      {}
func (TimerFiredAttributes) isAttributes()          {}
func (WaitingSignalAttributes) isAttributes()       {}
func (SignalReceivedAttributes) isAttributes()      {}
func (LocalActivityCalledAttributes) isAttributes() {}
func (InvokeHTTPResponseAttributes) isAttributes()  {}
func (WaitingAnyAttributes) isAttributes()          {}
func (WaitingAllAttributes) isAttributes()          {}

// MarshalAttributes encodes the attributes as the JSON blob stored next to
// an event.
func MarshalAttributes(a Attributes) ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// UnmarshalAttributes decodes a stored attributes blob for the given type.
func UnmarshalAttributes(t EventType, data []byte) (Attributes, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}

	var (
		attrs Attributes
		err   error
	)
	switch t {
	case EventWorkflowStarted:
		attrs, err = decodeAttrs[WorkflowStartedAttributes](data)
	case EventWorkflowFinished:
		attrs, err = decodeAttrs[WorkflowFinishedAttributes](data)
	case EventWorkflowCanceled:
		attrs, err = decodeAttrs[WorkflowCanceledAttributes](data)
	case EventActivityStarted:
		attrs, err = decodeAttrs[ActivityStartedAttributes](data)
	case EventActivityCompleted:
		attrs, err = decodeAttrs[ActivityCompletedAttributes](data)
	case EventTimerScheduled:
		attrs, err = decodeAttrs[TimerScheduledAttributes](data)
	case EventTimerFired:
		attrs, err = decodeAttrs[TimerFiredAttributes](data)
	case EventWaitingSignal:
		attrs, err = decodeAttrs[WaitingSignalAttributes](data)
	case EventSignalReceived:
		attrs, err = decodeAttrs[SignalReceivedAttributes](data)
	case EventLocalActivityCalled:
		attrs, err = decodeAttrs[LocalActivityCalledAttributes](data)
	case EventInvokeHTTPResponse:
		attrs, err = decodeAttrs[InvokeHTTPResponseAttributes](data)
	case EventWaitingAny:
		attrs, err = decodeAttrs[WaitingAnyAttributes](data)
	case EventWaitingAll:
		attrs, err = decodeAttrs[WaitingAllAttributes](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s attributes: %w", t, err)
	}
	return attrs, nil
}

func decodeAttrs[T Attributes](data []byte) (Attributes, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type eventJSON struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Seq        int64           `json:"seq"`
	VisibleAt  *time.Time      `json:"visibleAt,omitempty"`
	Attributes json.RawMessage `json:"attributes"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	attrs, err := MarshalAttributes(e.Attributes)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		ID:         e.ID,
		Type:       e.Type,
		Timestamp:  e.Timestamp,
		Seq:        e.Seq,
		VisibleAt:  e.VisibleAt,
		Attributes: attrs,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	attrs, err := UnmarshalAttributes(raw.Type, raw.Attributes)
	if err != nil {
		return err
	}
	*e = Event{
		ID:         raw.ID,
		Type:       raw.Type,
		Timestamp:  raw.Timestamp,
		Seq:        raw.Seq,
		VisibleAt:  raw.VisibleAt,
		Attributes: attrs,
	}
	return nil
}
