package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/registry"
	"github.com/petrijr/durable/internal/telemetry"
	"github.com/petrijr/durable/pkg/api"
)

type testEnv struct {
	app  *fiber.App
	orch *engine.Orchestrator
	reg  *prometheus.Registry
}

func setupTestApp(t *testing.T, hideNotFound bool) *testEnv {
	t.Helper()

	workflows := registry.New()
	require.NoError(t, workflows.RegisterWorkflow("echo-signal", func(ctx *api.Context, input json.RawMessage) (any, error) {
		r := ctx.WaitForSignal("go")
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Value, nil
	}))

	promReg := prometheus.NewRegistry()
	observer, err := telemetry.NewPrometheusObserver(promReg)
	require.NoError(t, err)

	cfg := engine.Config{
		Backend:  persistence.NewMemoryBackend(),
		Registry: workflows,
		Observer: observer,
	}
	svc, err := engine.NewService(cfg)
	require.NoError(t, err)
	orch, err := engine.NewOrchestrator(cfg)
	require.NoError(t, err)

	srv := New(Config{Executions: svc, Gatherer: promReg, HideNotFound: hideNotFound})
	return &testEnv{app: srv.App(), orch: orch, reg: promReg}
}

func (e *testEnv) do(t *testing.T, method, target string, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) drive(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.orch.RunExecution(context.Background(), id))
}

func TestAPI_HealthCheck(t *testing.T) {
	env := setupTestApp(t, true)

	resp, body := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestAPI_StartSignalAndGet(t *testing.T) {
	env := setupTestApp(t, true)

	resp, body := env.do(t, http.MethodPost, "/executions", `{"id":"e1","workflow":"echo-signal","metadata":{"team":"a"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var exec api.WorkflowExecution
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, "e1", exec.ID)
	assert.Equal(t, api.StatusRunning, exec.Status)
	assert.Equal(t, "a", exec.Metadata["team"])

	env.drive(t, "e1")

	resp, body = env.do(t, http.MethodPost, "/executions/e1/signals/go", `{"x":1}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	env.drive(t, "e1")

	resp, body = env.do(t, http.MethodGet, "/executions/e1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, api.StatusCompleted, exec.Status)
	assert.JSONEq(t, `{"x":1}`, string(exec.Output))
}

func TestAPI_StartValidation(t *testing.T) {
	env := setupTestApp(t, true)

	resp, _ := env.do(t, http.MethodPost, "/executions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/executions", `{"input":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/executions", `{"workflow":"missing"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "workflow not found")

	resp, _ = env.do(t, http.MethodPost, "/executions", `{"id":"dup","workflow":"echo-signal"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/executions", `{"id":"dup","workflow":"echo-signal"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_UnknownExecution(t *testing.T) {
	hidden := setupTestApp(t, true)
	resp, _ := hidden.do(t, http.MethodGet, "/executions/nope", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = hidden.do(t, http.MethodPost, "/executions/nope/signals/go", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	visible := setupTestApp(t, false)
	resp, body := visible.do(t, http.MethodGet, "/executions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "execution not found")
}

func TestAPI_CancelThenSignalConflicts(t *testing.T) {
	env := setupTestApp(t, true)

	resp, _ := env.do(t, http.MethodPost, "/executions", `{"id":"c1","workflow":"echo-signal"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	env.drive(t, "c1")

	resp, _ = env.do(t, http.MethodDelete, "/executions/c1", `{"reason":"user_abort"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.drive(t, "c1")

	resp, body := env.do(t, http.MethodGet, "/executions/c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec api.WorkflowExecution
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, api.StatusCanceled, exec.Status)

	resp, _ = env.do(t, http.MethodPost, "/executions/c1/signals/go", `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_HistoryPagesAndStream(t *testing.T) {
	env := setupTestApp(t, true)

	resp, _ := env.do(t, http.MethodPost, "/executions", `{"id":"h1","workflow":"echo-signal"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	env.drive(t, "h1")
	resp, _ = env.do(t, http.MethodPost, "/executions/h1/signals/go", `"hi"`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.drive(t, "h1")

	// workflow_started, waiting_signal, signal_received, workflow_finished
	resp, body := env.do(t, http.MethodGet, "/executions/h1/history?page=1&pageSize=3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var page struct {
		Page     int         `json:"page"`
		PageSize int         `json:"pageSize"`
		Events   []api.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, api.EventWorkflowFinished, page.Events[0].Type)
	assert.EqualValues(t, 4, page.Events[0].Seq)

	resp, body = env.do(t, http.MethodGet, "/executions/h1/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, DefaultPageSize, page.PageSize)
	require.Len(t, page.Events, 4)

	resp, _ = env.do(t, http.MethodGet, "/executions/h1/history?pageSize=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/executions/h1/history?stream=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var types []api.EventType
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var e api.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		types = append(types, e.Type)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []api.EventType{
		api.EventWorkflowStarted,
		api.EventWaitingSignal,
		api.EventSignalReceived,
		api.EventWorkflowFinished,
	}, types)
}

func TestAPI_Metrics(t *testing.T) {
	env := setupTestApp(t, true)

	resp, _ := env.do(t, http.MethodPost, "/executions", `{"workflow":"echo-signal"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "durable_executions_started_total 1")
}
