package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(slept *[]time.Duration) Policy {
	p := DefaultPolicy()
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return p
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := Do(context.Background(), fastPolicy(&slept), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	var slept []time.Duration
	boom := errors.New("rpc unavailable")
	calls := 0
	err := Do(context.Background(), fastPolicy(&slept), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
	if len(slept) != 3 {
		t.Fatalf("slept %d times, want 3", len(slept))
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	var slept []time.Duration
	rejected := errors.New("reverted")
	calls := 0
	_, err := DoValue(context.Background(), fastPolicy(&slept), func(context.Context) (int, error) {
		calls++
		return 0, Permanent(rejected)
	})
	if calls != 1 || len(slept) != 0 {
		t.Fatalf("calls = %d slept = %d", calls, len(slept))
	}
	if !errors.Is(err, rejected) {
		t.Fatalf("err = %v", err)
	}
}

func TestDoValueReturnsValue(t *testing.T) {
	v, err := DoValue(context.Background(), DefaultPolicy(), func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, DefaultPolicy(), func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 10, MaxDelay: 5 * time.Second}
	tests := map[int]time.Duration{1: time.Second, 2: 5 * time.Second, 6: 5 * time.Second}
	for attempt, want := range tests {
		if got := p.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestOnRetryReportsAttempts(t *testing.T) {
	var slept []time.Duration
	var attempts []int
	p := fastPolicy(&slept).WithOnRetry(func(attempt int, _ error, _ time.Duration) {
		attempts = append(attempts, attempt)
	})
	_ = Do(context.Background(), p, func(context.Context) error { return errors.New("x") })
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("attempts = %v", attempts)
	}
}
