// Package retry executes a single logical operation with bounded,
// deterministic exponential-backoff retry. It knows nothing about agents:
// callers observe attempts through hooks and own all success side effects.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Defaults for Policy fields left at zero.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 1000 * time.Millisecond
	DefaultMaxDelay     = 30000 * time.Millisecond
	DefaultMultiplier   = 2.0
)

// Policy configures the bounded backoff. Delays follow
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay — a pure
// function of the attempt index, so tests can assert exact values.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy returns the stock policy: 3 attempts, 1s initial delay,
// 30s ceiling, doubling backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
	}
}

// withDefaults fills zero fields from the stock policy.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// DelayFor returns the wait before attempt+1 given that attempt attempts
// have failed (attempt >= 1). Deterministic; no jitter.
func (p Policy) DelayFor(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Hooks observe the retry loop. All hooks are optional and are invoked
// synchronously, in order, so audit writes made inside them are durable
// before the loop proceeds.
type Hooks struct {
	// BeforeAttempt runs before each attempt with the number of failures
	// so far (0 on the first attempt). Callers persist the retry count
	// here so external state reflects "this is retry N".
	BeforeAttempt func(ctx context.Context, failures int) error

	// OnFailure runs after a failed attempt with the 1-based attempt
	// number and its error.
	OnFailure func(ctx context.Context, attempt int, err error)

	// OnDelay runs before sleeping, with the computed delay and the
	// 1-based number of the attempt that will follow it.
	OnDelay func(ctx context.Context, delay time.Duration, nextAttempt int)

	// OnExhausted runs once when all attempts are consumed, with the
	// total attempt count and the last error.
	OnExhausted func(ctx context.Context, attempts int, lastErr error)
}

// ExhaustedError wraps the last attempt's error after all attempts are
// consumed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the last attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// errNoAttempt is the fallback last-error when the loop exits without ever
// capturing one. Reaching it indicates a logic defect, not an operational
// failure.
var errNoAttempt = errors.New("retry: no attempt error captured")

// Do runs op under the policy. The first success returns immediately; the
// caller owns all success side effects. A canceled context stops the loop
// between attempts and during delays and surfaces ctx.Err(). When every
// attempt fails, Do calls OnExhausted and returns an *ExhaustedError
// wrapping the last failure.
func Do[T any](ctx context.Context, p Policy, h Hooks, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p = p.withDefaults()

	lastErr := errNoAttempt
	for failures := 0; failures < p.MaxAttempts; {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if h.BeforeAttempt != nil {
			if err := h.BeforeAttempt(ctx, failures); err != nil {
				return zero, err
			}
		}

		out, err := op(ctx)
		if err == nil {
			return out, nil
		}

		failures++
		lastErr = err
		if h.OnFailure != nil {
			h.OnFailure(ctx, failures, err)
		}
		if failures >= p.MaxAttempts {
			break
		}

		delay := p.DelayFor(failures)
		if h.OnDelay != nil {
			h.OnDelay(ctx, delay, failures+1)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if h.OnExhausted != nil {
		h.OnExhausted(ctx, p.MaxAttempts, lastErr)
	}
	return zero, &ExhaustedError{Attempts: p.MaxAttempts, Last: lastErr}
}
