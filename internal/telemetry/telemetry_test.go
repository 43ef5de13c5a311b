package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/pkg/api"
)

func TestPrometheusObserver_CountsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	ctx := context.Background()
	exec := &api.WorkflowExecution{ID: "e1"}
	o.OnExecutionStarted(ctx, exec)
	o.OnExecutionStarted(ctx, exec)
	o.OnExecutionCompleted(ctx, exec)
	o.OnDriveCompleted(ctx, "e1", 4, nil, 10*time.Millisecond)
	o.OnDriveCompleted(ctx, "e1", 9, errors.New("boom"), time.Millisecond)
	o.OnCommandExecuted(ctx, "e1", api.CommandSleep, nil, time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(o.started))
	require.Equal(t, 1.0, testutil.ToFloat64(o.active))
	require.Equal(t, 1.0, testutil.ToFloat64(o.finished.WithLabelValues("completed")))
	require.Equal(t, 4.0, testutil.ToFloat64(o.applied))
	require.Equal(t, 2, testutil.CollectAndCount(o.drives))

	// Registering twice on the same registry fails.
	_, err = NewPrometheusObserver(reg)
	require.Error(t, err)
}

func TestHTTPClient_PropagatesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := HTTPClient().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}
