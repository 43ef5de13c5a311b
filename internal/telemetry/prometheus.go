package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/durable/pkg/api"
)

// PrometheusObserver exports engine activity as Prometheus metrics.
type PrometheusObserver struct {
	started  prometheus.Counter
	finished *prometheus.CounterVec
	active   prometheus.Gauge
	drives   *prometheus.HistogramVec
	applied  prometheus.Counter
	commands *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the engine metrics and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durable",
			Name:      "executions_started_total",
			Help:      "Executions started.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durable",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "durable",
			Name:      "executions_active",
			Help:      "Executions started and not yet terminal, as seen by this process.",
		}),
		drives: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "durable",
			Name:      "drive_duration_seconds",
			Help:      "Duration of drive cycles.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durable",
			Name:      "events_applied_total",
			Help:      "Events applied and committed to history by drive cycles.",
		}),
		commands: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "durable",
			Name:      "command_duration_seconds",
			Help:      "Duration of command execution by the interpreter.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "outcome"}),
	}

	for _, c := range []prometheus.Collector{o.started, o.finished, o.active, o.drives, o.applied, o.commands} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (o *PrometheusObserver) OnExecutionStarted(ctx context.Context, exec *api.WorkflowExecution) {
	o.started.Inc()
	o.active.Inc()
}

func (o *PrometheusObserver) OnExecutionCompleted(ctx context.Context, exec *api.WorkflowExecution) {
	o.finished.WithLabelValues(string(api.StatusCompleted)).Inc()
	o.active.Dec()
}

func (o *PrometheusObserver) OnExecutionCanceled(ctx context.Context, exec *api.WorkflowExecution) {
	o.finished.WithLabelValues(string(api.StatusCanceled)).Inc()
	o.active.Dec()
}

func (o *PrometheusObserver) OnCommandExecuted(ctx context.Context, id string, cmd api.CommandName, err error, d time.Duration) {
	o.commands.WithLabelValues(string(cmd), outcome(err)).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnDriveCompleted(ctx context.Context, id string, applied int, err error, d time.Duration) {
	o.drives.WithLabelValues(outcome(err)).Observe(d.Seconds())
	if err == nil {
		o.applied.Add(float64(applied))
	}
}
