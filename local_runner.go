package durable

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LocalRunner bundles an in-memory Engine and a Worker for local
// development, tests and simple single-process deployments.
//
// Typical usage:
//
//	runner, _ := durable.NewLocalRunner(ctx)
//	_ = runner.Engine.RegisterWorkflow("greet", greet)
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	exec, _ := runner.Engine.StartWorkflow(ctx, "greet", input)
//	exec, _ = runner.Engine.Await(ctx, exec.ID)
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine *Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
// Workers poll every second; commits wake them sooner.
func NewLocalRunner(ctx context.Context) (*LocalRunner, error) {
	eng, err := New(ctx, Config{IdleDelay: time.Second})
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Engine: eng}, nil
}

// StartWorkers starts a worker driving up to concurrency executions at a
// time until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("durable: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	w, err := r.Engine.NewWorker(ctx, concurrency)
	if err != nil {
		cancel()
		return err
	}

	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true
	go func(done chan<- error) {
		done <- w.Run(ctx)
	}(r.done)
	return nil
}

// Stop cancels the worker started by StartWorkers and waits for in-flight
// drives to finish.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	return <-done
}

// Close stops the workers and releases the engine.
func (r *LocalRunner) Close() error {
	return errors.Join(r.Stop(), r.Engine.Close())
}
