package durable

import (
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// RetryPolicy describes how an activity call is retried. Backoff is slept
// with durable timers, so retries survive restarts and replay.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values <= 1 mean no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry. Values <= 1 keep
	// it constant.
	BackoffMultiplier float64
	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration
}

// delay returns the backoff before retry number n, counting from 1.
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < n && p.BackoffMultiplier > 1; i++ {
		d = time.Duration(float64(d) * p.BackoffMultiplier)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// RetryBuilder provides a fluent way to construct RetryPolicy values.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(time.Second, 2.0, time.Minute)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay between every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = delay
	p.MaxBackoff = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialBackoff = 0
	p.MaxBackoff = 0
	p.BackoffMultiplier = 0
	return RetryBuilder{policy: p}
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// CallActivityWithRetry calls the activity until it succeeds or the policy
// runs out of attempts, and returns the last result. Every attempt and
// every backoff is recorded in history, so a replay takes the same path.
func CallActivityWithRetry(ctx *Context, policy RetryPolicy, name string, input any) Result {
	attempts := max(policy.MaxAttempts, 1)

	var res api.Result
	for attempt := 1; ; attempt++ {
		res = ctx.CallActivity(name, input)
		if res.Err == nil || attempt >= attempts {
			return res
		}

		ctx.Logger().Warn("activity failed, retrying",
			"activity", name,
			"attempt", attempt,
			"error", res.Err,
		)
		if d := policy.delay(attempt); d > 0 {
			if err := ctx.Sleep(d); err != nil {
				return api.Result{Err: err}
			}
		}
	}
}
