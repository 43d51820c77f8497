package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), Policy[int]{MaxAttempts: 3}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Errorf("got v=%d calls=%d, want 42 and 3", v, calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy[int]{MaxAttempts: 4}, func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("got %v, want errTransient", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDo_NoRetryWhenPredicateFalse(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	_, err := Do(context.Background(), Policy[int]{
		MaxAttempts: 5,
		Retry:       func(_ int, err error) bool { return errors.Is(err, errTransient) },
	}, func(context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("got err=%v calls=%d, want permanent after 1 call", err, calls)
	}
}

func TestDo_RetriesOnValue(t *testing.T) {
	// Retry on a result value rather than an error, as done for HTTP 429.
	calls := 0
	var delays []time.Duration
	v, err := Do(context.Background(), Policy[int]{
		MaxAttempts: 3,
		Retry:       func(v int, _ error) bool { return v == 429 },
		Delay:       func(attempt int, _ int, _ error) time.Duration { return time.Duration(attempt) * time.Millisecond },
		OnRetry:     func(_ int, d time.Duration, _ error) { delays = append(delays, d) },
	}, func(context.Context) (int, error) {
		calls++
		return 429, nil
	})
	if err != nil || v != 429 {
		t.Fatalf("got v=%d err=%v, want last 429 outcome", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("delays = %v", delays)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := Do(ctx, Policy[int]{
		MaxAttempts: 5,
		Delay:       func(int, int, error) time.Duration { return time.Hour },
	}, func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExponential(t *testing.T) {
	f := Exponential(time.Second, 10*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := f(i + 1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
	if got := f(200); got != 10*time.Second {
		t.Errorf("overflowing attempt: got %v, want cap", got)
	}
}

func TestJitter_Bounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := Jitter(time.Second)
		if d < 500*time.Millisecond || d > time.Second {
			t.Fatalf("Jitter out of bounds: %v", d)
		}
	}
}
