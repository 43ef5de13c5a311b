package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/internal/core"
	"github.com/petrijr/durable/pkg/api"
)

type activityMap map[string]api.Activity

func (m activityMap) Activity(name string) (api.Activity, bool) {
	fn, ok := m[name]
	return fn, ok
}

// doubler asks for the "double" activity once and finishes with its result.
func doubler(t *testing.T, calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req StepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode step request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch len(req.Results) {
		case 0:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name":     "schedule_activity",
				"activity": "double",
				"input":    req.Input,
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name":   "finish_workflow",
				"result": req.Results[0].Result,
			})
		}
	}))
}

func TestRuntime_DrivesRemoteWorkflowToCompletion(t *testing.T) {
	var calls atomic.Int32
	srv := doubler(t, &calls)
	defer srv.Close()

	rt := New(srv.URL)
	defer rt.Close()

	activities := activityMap{
		"double": func(ctx context.Context, input json.RawMessage) (any, error) {
			var n int
			if err := json.Unmarshal(input, &n); err != nil {
				return nil, err
			}
			return n * 2, nil
		},
	}
	interp := core.NewInterpreter(activities)
	info := api.ExecutionInfo{ID: "remote-1", WorkflowRef: srv.URL}

	var history []api.Event
	s := core.NewState(info, rt.Workflow(), nil)
	started := api.NewEvent("start", time.Now(), api.WorkflowStartedAttributes{Input: json.RawMessage(`21`)})
	require.NoError(t, s.Apply(started))
	history = append(history, started)

	for !s.Blocked() {
		events, err := interp.Execute(context.Background(), s)
		require.NoError(t, err)
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			require.NoError(t, s.Apply(e))
			history = append(history, e)
		}
	}
	s.Dispose()

	require.True(t, s.HasFinished)
	require.JSONEq(t, `42`, string(s.Output))
	require.Equal(t, int32(2), calls.Load())

	// Replaying the recorded history never reaches the endpoint.
	replayed := core.NewState(info, rt.Workflow(), nil)
	replayed.Replaying = true
	for _, e := range history {
		require.NoError(t, replayed.Apply(e))
	}
	replayed.Dispose()
	require.True(t, replayed.HasFinished)
	require.Equal(t, int32(2), calls.Load())
}

func TestRuntime_StepRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rt := New(srv.URL)
	_, err := rt.Step(context.Background(), StepRequest{ExecutionID: "x"})
	require.Error(t, err)
}

func TestRuntime_StepRejectsUnknownCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"teleport"}`))
	}))
	defer srv.Close()

	rt := New(srv.URL)
	_, err := rt.Step(context.Background(), StepRequest{ExecutionID: "x"})
	require.ErrorIs(t, err, api.ErrInvalidCommand)
}

// idleCountingTransport counts CloseIdleConnections calls.
type idleCountingTransport struct {
	http.RoundTripper
	closed atomic.Int32
}

func (c *idleCountingTransport) CloseIdleConnections() { c.closed.Add(1) }

func TestRuntime_CloseLeavesSharedClientConnections(t *testing.T) {
	shared := &idleCountingTransport{RoundTripper: http.DefaultTransport}
	rt := New("http://example.invalid/wf", WithHTTPClient(&http.Client{Transport: shared}))
	rt.Close()
	if n := shared.closed.Load(); n != 0 {
		t.Fatalf("closing the runtime closed idle connections of a shared client %d times", n)
	}

	owned := New("http://example.invalid/wf")
	own := &idleCountingTransport{RoundTripper: http.DefaultTransport}
	owned.client.Transport = own
	owned.Close()
	require.Equal(t, int32(1), own.closed.Load())
}
