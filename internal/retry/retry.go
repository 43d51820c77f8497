// Package retry provides a generic retry-with-backoff combinator.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy parameterizes Do. Retry and Delay both see the outcome of the
// attempt that just finished.
type Policy[T any] struct {
	MaxAttempts int // Total attempts including the first. <= 1 means no retries.

	// Retry reports whether the outcome should be retried. Nil retries on any error.
	Retry func(v T, err error) bool

	// Delay returns the wait before the next attempt. attempt starts at 1.
	// Nil means no delay.
	Delay func(attempt int, v T, err error) time.Duration

	// OnRetry is called before each wait. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do runs fn until it produces an outcome the policy does not retry, the
// attempt budget is spent, or ctx is done. The last outcome is returned.
func Do[T any](ctx context.Context, p Policy[T], fn func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retry
	if retryable == nil {
		retryable = func(_ T, err error) bool { return err != nil }
	}

	var (
		v   T
		err error
	)
	for attempt := 1; ; attempt++ {
		v, err = fn(ctx)
		if attempt >= maxAttempts || !retryable(v, err) {
			return v, err
		}

		var delay time.Duration
		if p.Delay != nil {
			delay = p.Delay(attempt, v, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if delay <= 0 {
			if ctx.Err() != nil {
				return v, ctx.Err()
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, ctx.Err()
		case <-timer.C:
		}
	}
}

// Exponential returns base * 2^(attempt-1), capped at max.
func Exponential(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		f := float64(base) * math.Pow(2, float64(attempt-1))
		if f >= float64(max) {
			return max
		}
		return time.Duration(f)
	}
}

// Jitter returns a duration uniformly drawn from [d/2, d].
func Jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}
