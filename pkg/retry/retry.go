// Package retry runs idempotent operations that may fail transiently, such as
// renaming a freshly closed image file or verifying device contents.
package retry

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultMaxAttempts is one initial try plus three retries.
	DefaultMaxAttempts = 4
	// DefaultBackoffStep is multiplied by the attempt index.
	DefaultBackoffStep = 5 * time.Second
)

// Op is a single attempt. attempt is 1-based.
type Op func(ctx context.Context, attempt int) error

// Policy describes how many times to try and how long to wait in between.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int

	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration

	// Sleep waits for d or until ctx is done. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnError is called for every failed attempt that will be retried.
	OnError func(attempt int, err error)
}

// Result summarizes an Execute call.
type Result struct {
	Attempts int
	Waited   time.Duration
	Err      error
}

// LinearBackoff waits step*attempt after each failure.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Default returns the policy used for renames and verification.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     LinearBackoff(DefaultBackoffStep),
	}
}

// Execute calls op until it succeeds or MaxAttempts is reached, and returns
// the error of the final attempt. A cancelled context ends the loop early
// with the context's cause.
func (p Policy) Execute(ctx context.Context, op Op) Result {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = LinearBackoff(DefaultBackoffStep)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		res.Err = op(ctx, attempt)
		if res.Err == nil {
			return res
		}
		if attempt == maxAttempts {
			break
		}

		wait := backoff(attempt)
		slog.Warn("retry_attempt_failed", "attempt", attempt, "max_attempts", maxAttempts, "backoff", wait, "error", res.Err)
		if p.OnError != nil {
			p.OnError(attempt, res.Err)
		}

		if err := sleep(ctx, wait); err != nil {
			res.Err = err
			return res
		}
		res.Waited += wait
	}

	slog.Error("retry_exhausted", "attempts", res.Attempts, "error", res.Err)
	return res
}

// Sleep blocks for d or until ctx is done, returning the context's cause in
// the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
