package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestBackoffFuncs(t *testing.T) {
	tests := []struct {
		name     string
		backoff  BackoffFunc
		attempt  int
		expected time.Duration
	}{
		{"constant", Constant(time.Second), 5, time.Second},
		{"linear first", Linear(time.Second), 1, time.Second},
		{"linear third", Linear(time.Second), 3, 3 * time.Second},
		{"exponential first", Exponential(time.Second, 0), 1, time.Second},
		{"exponential second", Exponential(time.Second, 0), 2, 2 * time.Second},
		{"exponential fourth", Exponential(time.Second, 0), 4, 8 * time.Second},
		{"exponential capped", Exponential(time.Second, 5*time.Second), 4, 5 * time.Second},
		{"exponential saturates", Exponential(time.Second, 0), 200, time.Duration(math.MaxInt64)},
		{"exponential capped far out", Exponential(time.Second, time.Minute), 200, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.backoff(tt.attempt); got != tt.expected {
				t.Errorf("backoff(%d) = %v, expected %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestDoExactAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		calls := 0
		err := Do(context.Background(), nil, Policy{MaxAttempts: n}, func(ctx context.Context, attempt int) error {
			calls++
			if attempt != calls {
				t.Errorf("attempt = %d, expected %d", attempt, calls)
			}
			return errors.New("boom")
		})
		if !IsExhausted(err) {
			t.Fatalf("expected exhausted error, got %v", err)
		}
		if calls != n {
			t.Errorf("MaxAttempts=%d made %d attempts", n, calls)
		}
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, Policy{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStop(t *testing.T) {
	sentinel := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), nil, Policy{MaxAttempts: 5}, func(ctx context.Context, attempt int) error {
		calls++
		return Stop(sentinel)
	})
	if err != sentinel {
		t.Errorf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoUsesClockForBackoff(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	start := clk.Now()
	done := make(chan error, 1)

	go func() {
		done <- Do(context.Background(), clk, Policy{MaxAttempts: 3, Backoff: Exponential(time.Second, 0)},
			func(ctx context.Context, attempt int) error { return errors.New("fail") })
	}()

	if err := clk.WaitAdvance(time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	if err := clk.WaitAdvance(2*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !IsExhausted(err) {
			t.Errorf("expected exhausted error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return")
	}

	if elapsed := clk.Now().Sub(start); elapsed != 3*time.Second {
		t.Errorf("elapsed = %v, expected 3s", elapsed)
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, nil, DefaultPolicy(), func(ctx context.Context, attempt int) error {
		t.Error("fn should not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDoAttemptTimeout(t *testing.T) {
	err := Do(context.Background(), nil, Policy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond},
		func(ctx context.Context, attempt int) error {
			<-ctx.Done()
			return ctx.Err()
		})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
