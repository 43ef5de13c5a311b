package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/taskqueue"
)

// Defaults applied to zero Config fields.
const (
	DefaultConcurrency  = 10
	DefaultLockDuration = 10 * time.Minute
	DefaultIdleDelay    = 15 * time.Second
	DefaultBusyDelay    = 50 * time.Millisecond
)

// Claimer locks executions that have due work. persistence.Backend
// implements it.
type Claimer interface {
	PendingExecutions(ctx context.Context, lockDuration time.Duration, limit int) ([]persistence.Claim, error)
}

// Runner drives one execution. *engine.Orchestrator implements it.
type Runner interface {
	RunExecution(ctx context.Context, executionID string) error
}

// Config tunes the dispatch loop.
type Config struct {
	// Concurrency is the number of executions driven at the same time.
	Concurrency int
	// LockDuration is how long a claimed execution stays locked. A failed
	// drive is retried once its lock expires; a drive running longer than
	// this is canceled.
	LockDuration time.Duration
	// IdleDelay is how long the producer waits after a claim found nothing.
	IdleDelay time.Duration
	// BusyDelay is how long the producer waits while every slot is taken.
	BusyDelay time.Duration
	// ClaimRate limits claim queries per second. Zero means unlimited.
	ClaimRate rate.Limit
	// Wake cuts the idle wait short whenever it yields an execution id.
	Wake <-chan string
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = DefaultIdleDelay
	}
	if c.BusyDelay <= 0 {
		c.BusyDelay = DefaultBusyDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker claims executions with due pending events and drives them.
type Worker struct {
	id       string
	cfg      Config
	claimer  Claimer
	runner   Runner
	limiter  *rate.Limiter
	logger   *slog.Logger
	inFlight atomic.Int64
}

// New creates a Worker.
func New(claimer Claimer, runner Runner, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	w := &Worker{
		id:      id,
		cfg:     cfg,
		claimer: claimer,
		runner:  runner,
		logger:  cfg.Logger.With(slog.String("module", "worker"), slog.String("worker_id", id)),
	}
	if cfg.ClaimRate > 0 {
		w.limiter = rate.NewLimiter(cfg.ClaimRate, 1)
	}
	return w
}

// ID identifies the worker in logs.
func (w *Worker) ID() string { return w.id }

// InFlight returns the number of executions currently claimed and not yet
// finished by this worker.
func (w *Worker) InFlight() int { return int(w.inFlight.Load()) }

// Run claims and drives executions until ctx is canceled. Drives already in
// progress are allowed to finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	queue := taskqueue.NewInMemoryQueue(w.cfg.Concurrency)
	driveCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.consume(driveCtx, queue)
			return nil
		})
	}

	w.logger.InfoContext(ctx, "worker started",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("lock_duration", w.cfg.LockDuration),
		slog.Duration("idle_delay", w.cfg.IdleDelay),
	)

	w.produce(ctx, queue)
	queue.Close()
	err := g.Wait()

	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) produce(ctx context.Context, queue taskqueue.Queue) {
	for ctx.Err() == nil {
		free := w.cfg.Concurrency - w.InFlight()
		if free <= 0 {
			w.pause(ctx, w.cfg.BusyDelay, nil)
			continue
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
		}

		claims, err := w.claimer.PendingExecutions(ctx, w.cfg.LockDuration, free)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "claim failed", slog.Any("error", err))
			}
			w.pause(ctx, w.cfg.IdleDelay, w.cfg.Wake)
			continue
		}
		if len(claims) == 0 {
			w.pause(ctx, w.cfg.IdleDelay, w.cfg.Wake)
			continue
		}

		now := time.Now()
		for _, claim := range claims {
			w.inFlight.Add(1)
			task := taskqueue.Task{
				ExecutionID: claim.ExecutionID,
				ClaimedAt:   now,
				OnSuccess:   claim.Unlock,
				// Unlock so the next claim retries it, then report the drive error.
				OnError: func(ctx context.Context, err error) error {
					return errors.Join(err, claim.Unlock(context.WithoutCancel(ctx)))
				},
			}
			// The queue holds Concurrency tasks and at most free are added.
			if err := queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
				w.inFlight.Add(-1)
				_ = claim.Unlock(context.WithoutCancel(ctx))
			}
		}
	}
}

// pause waits for d, a wake-up, or the end of ctx.
func (w *Worker) pause(ctx context.Context, d time.Duration, wake <-chan string) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

func (w *Worker) consume(ctx context.Context, queue taskqueue.Queue) {
	for {
		task, err := queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, taskqueue.ErrClosed) {
				w.logger.Error("dequeue failed", slog.Any("error", err))
			}
			return
		}
		w.process(ctx, task)
		w.inFlight.Add(-1)
	}
}

func (w *Worker) process(ctx context.Context, task *taskqueue.Task) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.LockDuration)
	defer cancel()

	logger := w.logger.With(slog.String("execution_id", task.ExecutionID))
	if err := w.runner.RunExecution(ctx, task.ExecutionID); err != nil {
		logger.ErrorContext(ctx, "drive failed", slog.Any("error", task.Fail(ctx, err)))
		return
	}
	if err := task.Succeed(ctx); err != nil {
		logger.WarnContext(ctx, "unlock failed", slog.Any("error", err))
	}
}
