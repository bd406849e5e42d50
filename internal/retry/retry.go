// Package retry wraps request-producing operations with bounded retries and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"transferclient/internal/core"
	"transferclient/internal/observability"
)

// Policy configures retries. The zero value makes a single attempt.
type Policy struct {
	// MaxAttempts is the number of retries after the initial call (default: 3)
	MaxAttempts int
	// BaseDelay is the wait before the first retry (default: 1s)
	BaseDelay time.Duration
	// MaxDelay caps a single wait; zero means uncapped
	MaxDelay time.Duration
	// Jitter adds up to this fraction of the delay on top of it (0-1)
	Jitter float64

	Logger *slog.Logger
	Hooks  observability.Hooks

	// sleep waits for d or until ctx is done
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns three retries starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
	}
}

// Delay returns the minimum wait before retry n (1-indexed):
// BaseDelay * 2^(n-1), capped by MaxDelay when set.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) withJitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*p.Jitter*float64(d))
}

// Retryable reports whether err should be retried. Client errors defer to
// their kind; cancellations never retry; foreign errors are treated as
// transport failures.
func Retryable(err error) bool {
	if ce, ok := core.AsClientError(err); ok {
		return ce.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

// Do calls op up to MaxAttempts+1 times. Non-retryable errors are returned
// immediately; on exhaustion the last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hooks := observability.OrNoop(p.Hooks)
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	retries := p.MaxAttempts
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := p.withJitter(p.Delay(attempt))
			hooks.RetryScheduled(attempt, delay, core.KindOf(lastErr))
			logger.Warn("retrying request",
				"attempt", attempt,
				"max_attempts", retries,
				"delay", delay,
				"error", lastErr,
			)
			if err := sleep(ctx, delay); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return zero, core.NewTimeoutError(err)
				}
				return zero, core.NewCancelledError("", err)
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !Retryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
