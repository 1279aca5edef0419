package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/juju/clock"
)

// BackoffFunc returns the delay to wait after the given failed attempt (1-based)
type BackoffFunc func(attempt int) time.Duration

// Policy holds retry configuration for one command
type Policy struct {
	MaxAttempts    int           // Total attempts, including the first
	AttemptTimeout time.Duration // Upper bound for a single attempt, 0 for none
	Backoff        BackoffFunc   // Delay between attempts, nil for none
}

// DefaultPolicy returns sensible defaults for device commands
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Minute,
		Backoff:        Exponential(500*time.Millisecond, 10*time.Second),
	}
}

// Delay returns the backoff after attempt, 0 when the policy has none
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

// Constant waits the same delay after every attempt
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// Linear waits base*k after attempt k
func Linear(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(attempt)
	}
}

// Exponential waits base*2^(k-1) after attempt k, capped at max when max > 0.
// Without a cap the delay saturates at the largest Duration instead of overflowing.
func Exponential(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			if d > math.MaxInt64/2 {
				d = math.MaxInt64
				break
			}
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// ExhaustedError is returned by Do when every attempt failed
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max attempts (%d) exceeded: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as final: Do returns it unchanged without further attempts
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do runs fn up to p.MaxAttempts times, sleeping p.Backoff between attempts.
// Each attempt receives a context bounded by p.AttemptTimeout.
func Do(ctx context.Context, clk clock.Clock, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if clk == nil {
		clk = clock.WallClock
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := runAttempt(ctx, p.AttemptTimeout, attempt, fn)
		if err == nil {
			return nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}
		if err := Sleep(ctx, clk, p.Delay(attempt)); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return &ExhaustedError{Attempts: p.MaxAttempts, Last: lastErr}
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(ctx context.Context, attempt int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

// Sleep waits for d on clk, returning early with ctx.Err() if ctx is done
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// IsExhausted reports whether err came from running out of attempts
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}
