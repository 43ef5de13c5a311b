package core

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/durable/pkg/api"
)

// Apply folds one event into the state. The same sequence of events applied
// to a fresh State always yields the same current command and outcome.
//
// Events applied after the execution became terminal are ignored and listed
// in Unconsumed.
func (s *State) Apply(e api.Event) error {
	if e.Attributes == nil {
		return fmt.Errorf("event %s of type %s has no attributes", e.ID, e.Type)
	}
	if s.Terminal() {
		s.Unconsumed = append(s.Unconsumed, e.ID)
		return nil
	}
	s.Now = e.Timestamp

	switch a := e.Attributes.(type) {
	case api.WorkflowStartedAttributes:
		if s.co != nil {
			s.Unconsumed = append(s.Unconsumed, e.ID)
			break
		}
		s.StartedAt = e.Timestamp
		s.start(a.Input)

	case api.WorkflowFinishedAttributes:
		s.HasFinished = true
		s.Output = a.Result
		s.Exception = a.Exception
		s.FinishedAt = e.Timestamp
		s.stop()
		s.Current = Current{Command: api.FinishWorkflow{Result: a.Result, Exception: a.Exception}, IsReplaying: true}

	case api.WorkflowCanceledAttributes:
		s.Status = api.StatusCanceled
		s.CancelReason = a.Reason
		s.CanceledAt = e.Timestamp
		s.stop()
		s.Current = Current{Command: api.CancelWorkflow{Reason: a.Reason}, IsReplaying: true}

	case api.ActivityStartedAttributes:
		s.Activities[a.ActivityID] = a.ActivityName
		s.await(a.ActivityID)

	case api.ActivityCompletedAttributes:
		delete(s.Activities, a.ActivityID)
		s.complete(e.ID, a.ActivityID, resultOf(a.Result, a.Exception), false)

	case api.TimerScheduledAttributes:
		s.Timers[a.TimerID] = a.Until
		s.await(a.TimerID)

	case api.TimerFiredAttributes:
		until, ok := s.Timers[a.TimerID]
		delete(s.Timers, a.TimerID)
		var r api.Result
		if ok {
			raw, err := json.Marshal(until)
			if err != nil {
				return err
			}
			r.Value = raw
		}
		s.complete(e.ID, a.TimerID, r, false)

	case api.WaitingSignalAttributes:
		if s.isRetired(a.Key) {
			break
		}
		s.await(a.Key)
		if buffered := s.Buffered[a.Signal]; len(buffered) > 0 {
			payload := buffered[0]
			s.Buffered[a.Signal] = buffered[1:]
			s.complete(e.ID, a.Key, api.Result{Value: payload}, false)
			break
		}
		s.Signals[a.Signal] = append(s.Signals[a.Signal], a.Key)

	case api.SignalReceivedAttributes:
		key, ok := s.popSignalWaiter(a.Signal)
		if !ok {
			s.Buffered[a.Signal] = append(s.Buffered[a.Signal], a.Payload)
			break
		}
		s.complete(e.ID, key, api.Result{Value: a.Payload}, false)

	case api.LocalActivityCalledAttributes:
		s.complete(e.ID, a.ActivityID, resultOf(a.Result, a.Exception), true)

	case api.InvokeHTTPResponseAttributes:
		r, err := httpResult(a)
		if err != nil {
			return err
		}
		s.complete(e.ID, a.RequestID, r, true)

	case api.WaitingAnyAttributes:
		s.openBarrier(ReleaseFirst, a.Commands, a.Keys)

	case api.WaitingAllAttributes:
		s.openBarrier(ReleaseAll, a.Commands, a.Keys)

	default:
		return fmt.Errorf("unsupported event type %s", e.Type)
	}

	s.Status = s.deriveStatus()
	return nil
}

// await records a scheduling event. Keys owned by the open barrier only
// register the child; any other key becomes the direct suspension.
func (s *State) await(key string) {
	if s.Barrier.Has(key) || s.isRetired(key) {
		return
	}
	s.Awaiting = key
	s.suspend()
}

func (s *State) openBarrier(policy ReleasePolicy, commands []api.CommandName, keys []string) {
	s.Barrier = newBarrier(policy, commands, keys)
	s.suspend()
}

// complete routes a completion to the open barrier or the direct waiter.
// direct marks completions that have no scheduling event of their own and
// resume the current command as long as it has not been recorded yet.
func (s *State) complete(eventID, key string, r api.Result, direct bool) {
	if s.Barrier.Has(key) {
		if res, released := s.Barrier.deliver(key, r); released {
			s.retireBarrier()
			s.resume(res)
		}
		return
	}

	switch {
	case s.isRetired(key):
	case key != "" && key == s.Awaiting:
		s.resume(r)
		return
	case direct && s.Awaiting == "" && s.Barrier == nil && !s.Current.IsReplaying && s.co != nil:
		s.resume(r)
		return
	}
	s.Unconsumed = append(s.Unconsumed, eventID)
}

func (s *State) retireBarrier() {
	if s.retired == nil {
		s.retired = make(map[string]struct{})
	}
	for _, k := range s.Barrier.Keys {
		s.retired[k] = struct{}{}
	}
	s.Barrier = nil
}

func (s *State) isRetired(key string) bool {
	_, ok := s.retired[key]
	return ok
}

func (s *State) popSignalWaiter(name string) (string, bool) {
	keys := s.Signals[name]
	for len(keys) > 0 {
		key := keys[0]
		keys = keys[1:]
		if s.isRetired(key) {
			continue
		}
		s.Signals[name] = keys
		return key, true
	}
	delete(s.Signals, name)
	return "", false
}

func resultOf(value json.RawMessage, exc *api.Exception) api.Result {
	if exc != nil {
		return api.Result{Err: exc}
	}
	return api.Result{Value: value}
}

func httpResult(a api.InvokeHTTPResponseAttributes) (api.Result, error) {
	if a.Exception != nil {
		return api.Result{Err: a.Exception}, nil
	}
	if a.Status >= 400 {
		return api.Result{Err: &api.HTTPError{Status: a.Status, Headers: a.Headers, Body: a.Body}}, nil
	}
	raw, err := json.Marshal(api.HTTPResponse{Status: a.Status, Headers: a.Headers, Body: a.Body})
	if err != nil {
		return api.Result{}, err
	}
	return api.Result{Value: raw}, nil
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(r)
}
