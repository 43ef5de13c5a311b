// Package durable is an embeddable durable workflow engine for Go.
//
// Workflows are plain Go functions. Everything they do that leaves the
// process (activities, timers, signals, HTTP calls) goes through a
// [Context] and is recorded as an event. When a workflow resumes, its
// function is run again from the start while recorded results are fed back,
// so it must be deterministic: use ctx.Now, ctx.Rand and activities instead
// of the clock, global randomness or direct I/O.
//
// # Core Concepts
//
//  1. Event Store: per execution, an append-only history plus a set of
//     pending events that have not been applied yet. Backends exist for
//     memory, SQLite, Postgres and Redis.
//  2. Orchestrator: one drive cycle rebuilds the workflow state from
//     history, applies the due pending events, runs commands until the
//     workflow blocks, and commits the result in one transaction.
//  3. Worker: claims executions with due pending events and drives them
//     concurrently.
//  4. HTTP API: start, inspect, signal and cancel executions, and page or
//     stream their history.
//
// # Engine
//
// [New] opens the configured backend and wires the rest:
//
//	eng, err := durable.New(ctx, durable.Config{
//		Store: durable.StoreConfig{Kind: durable.BackendPostgres, DSN: dsn},
//	})
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	_ = eng.RegisterActivity("charge", charge)
//	_ = eng.RegisterWorkflow("order", func(ctx *durable.Context, input json.RawMessage) (any, error) {
//		if err := ctx.CallActivity("charge", input).Err; err != nil {
//			return nil, err
//		}
//		var ok bool
//		if err := ctx.WaitForSignal("shipped").Get(&ok); err != nil {
//			return nil, err
//		}
//		return ok, nil
//	})
//
//	go eng.RunWorker(ctx)
//	go eng.Serve(ctx, ":8080")
//
// # LocalRunner
//
// [LocalRunner] is an in-memory engine plus a worker, for tests and local
// development.
//
// # Retries
//
// [CallActivityWithRetry] retries a failing activity with backoff slept on
// durable timers. Build policies with [Retry]:
//
//	policy := durable.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy()
//	res := durable.CallActivityWithRetry(ctx, policy, "charge", input)
package durable
