package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; drive cycles call them
// while holding the execution lock.
type Observer interface {
	// OnExecutionStarted is called once an execution record and its
	// workflow_started event are committed.
	OnExecutionStarted(ctx context.Context, exec *WorkflowExecution)

	// OnExecutionCompleted is called after the drive cycle that applied
	// workflow_finished commits.
	OnExecutionCompleted(ctx context.Context, exec *WorkflowExecution)

	// OnExecutionCanceled is called after the drive cycle that applied
	// workflow_canceled commits.
	OnExecutionCanceled(ctx context.Context, exec *WorkflowExecution)

	// OnCommandExecuted is called after the interpreter ran a command, for
	// both successes and failures (err != nil).
	OnCommandExecuted(ctx context.Context, executionID string, cmd CommandName, err error, d time.Duration)

	// OnDriveCompleted is called after every drive cycle. applied counts the
	// events moved to history; err is non-nil when the cycle rolled back.
	OnDriveCompleted(ctx context.Context, executionID string, applied int, err error, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStarted(ctx context.Context, exec *WorkflowExecution)   {}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, exec *WorkflowExecution) {}
func (NoopObserver) OnExecutionCanceled(ctx context.Context, exec *WorkflowExecution)  {}
func (NoopObserver) OnCommandExecuted(ctx context.Context, id string, cmd CommandName, err error, d time.Duration) {
}
func (NoopObserver) OnDriveCompleted(ctx context.Context, id string, applied int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStarted(ctx context.Context, exec *WorkflowExecution) {
	for _, o := range c.observers {
		o.OnExecutionStarted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, exec *WorkflowExecution) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionCanceled(ctx context.Context, exec *WorkflowExecution) {
	for _, o := range c.observers {
		o.OnExecutionCanceled(ctx, exec)
	}
}

func (c *CompositeObserver) OnCommandExecuted(ctx context.Context, id string, cmd CommandName, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnCommandExecuted(ctx, id, cmd, err, d)
	}
}

func (c *CompositeObserver) OnDriveCompleted(ctx context.Context, id string, applied int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnDriveCompleted(ctx, id, applied, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStarted(ctx context.Context, exec *WorkflowExecution) {
	o.Logger.InfoContext(ctx, "execution_started",
		slog.String("workflow", exec.WorkflowRef),
		slog.String("execution_id", exec.ID),
		slog.String("namespace", exec.Namespace),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, exec *WorkflowExecution) {
	attrs := []any{
		slog.String("workflow", exec.WorkflowRef),
		slog.String("execution_id", exec.ID),
	}
	if exec.Error != nil {
		o.Logger.WarnContext(ctx, "execution_completed", append(attrs, slog.String("error", exec.Error.Error()))...)
		return
	}
	o.Logger.InfoContext(ctx, "execution_completed", attrs...)
}

func (o *LoggingObserver) OnExecutionCanceled(ctx context.Context, exec *WorkflowExecution) {
	o.Logger.InfoContext(ctx, "execution_canceled",
		slog.String("workflow", exec.WorkflowRef),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnCommandExecuted(ctx context.Context, id string, cmd CommandName, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "command_executed",
		slog.String("execution_id", id),
		slog.String("command", string(cmd)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnDriveCompleted(ctx context.Context, id string, applied int, err error, d time.Duration) {
	if err != nil {
		o.Logger.ErrorContext(ctx, "drive_failed",
			slog.String("execution_id", id),
			slog.Duration("duration", d),
			slog.Any("error", err),
		)
		return
	}
	o.Logger.DebugContext(ctx, "drive_completed",
		slog.String("execution_id", id),
		slog.Int("applied", applied),
		slog.Duration("duration", d),
	)
}

// BasicMetrics collects simple counters and aggregate drive durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsCanceled  atomic.Int64
	drives              atomic.Int64
	drivesFailed        atomic.Int64
	eventsApplied       atomic.Int64
	totalDriveDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsCanceled  int64
	ActiveExecutions    int64

	Drives           int64
	DrivesFailed     int64
	EventsApplied    int64
	AvgDriveDuration time.Duration
}

func (m *BasicMetrics) OnExecutionStarted(ctx context.Context, exec *WorkflowExecution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, exec *WorkflowExecution) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionCanceled(ctx context.Context, exec *WorkflowExecution) {
	m.executionsCanceled.Add(1)
}

func (m *BasicMetrics) OnDriveCompleted(ctx context.Context, id string, applied int, err error, d time.Duration) {
	m.drives.Add(1)
	if err != nil {
		m.drivesFailed.Add(1)
		return
	}
	m.eventsApplied.Add(int64(applied))
	m.totalDriveDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	canceled := m.executionsCanceled.Load()
	drives := m.drives.Load()
	failed := m.drivesFailed.Load()
	totalNs := m.totalDriveDuration.Load()

	var avg time.Duration
	if ok := drives - failed; ok > 0 {
		avg = time.Duration(totalNs / ok)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsCanceled:  canceled,
		ActiveExecutions:    started - completed - canceled,
		Drives:              drives,
		DrivesFailed:        failed,
		EventsApplied:       m.eventsApplied.Load(),
		AvgDriveDuration:    avg,
	}
}
