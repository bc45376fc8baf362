// Package retry runs an operation a bounded number of times with a fixed delay
// between attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Sleep defaults to a timer honouring ctx. Tests inject a no-op.
	Sleep SleepFunc
	// ShouldRetry reports whether err is worth another attempt. Nil retries everything
	// except context cancellation.
	ShouldRetry func(err error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Fixed returns a policy with the given attempt bound and delay.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Do calls fn until it succeeds, the policy refuses another attempt, or the
// attempts are exhausted. It returns nil on the first success and the last
// error otherwise. attempt starts at 1.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryable
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(lastErr) {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		if err := sleep(ctx, p.Delay); err != nil {
			// Cancelled while waiting: the operation's error is more useful to callers.
			return lastErr
		}
	}
	return lastErr
}

// Sleep blocks for d, returning early with ctx.Err() when ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}
