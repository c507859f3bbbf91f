package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy keeps the default shape (3 attempts, doubling) but with
// microsecond delays so tests run instantly.
func fastPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Microsecond,
		MaxDelay:     300 * time.Microsecond,
		Multiplier:   2,
	}
}

type recorder struct {
	before    []int
	failures  []int
	delays    []time.Duration
	nexts     []int
	exhausted int
	lastErr   error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		BeforeAttempt: func(_ context.Context, n int) error { r.before = append(r.before, n); return nil },
		OnFailure:     func(_ context.Context, a int, _ error) { r.failures = append(r.failures, a) },
		OnDelay: func(_ context.Context, d time.Duration, next int) {
			r.delays = append(r.delays, d)
			r.nexts = append(r.nexts, next)
		},
		OnExhausted: func(_ context.Context, attempts int, err error) {
			r.exhausted = attempts
			r.lastErr = err
		},
	}
}

func TestDefaultDelaysAreDeterministic(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 1000*time.Millisecond, p.DelayFor(1))
	assert.Equal(t, 2000*time.Millisecond, p.DelayFor(2))
	assert.Equal(t, 4000*time.Millisecond, p.DelayFor(3))
	assert.Equal(t, 8000*time.Millisecond, p.DelayFor(4))
	// Capped at the ceiling from attempt 6 on (32s > 30s).
	assert.Equal(t, 16000*time.Millisecond, p.DelayFor(5))
	assert.Equal(t, 30000*time.Millisecond, p.DelayFor(6))
	assert.Equal(t, 30000*time.Millisecond, p.DelayFor(20))
}

func TestAllAttemptsFail(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("network error")
	calls := 0

	_, err := Do(context.Background(), fastPolicy(), rec.hooks(), func(context.Context) (int, error) {
		calls++
		return 0, boom
	})

	// Exactly 3 attempts, 3 failure callbacks, 2 delay callbacks, 1 exhaustion.
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{0, 1, 2}, rec.before)
	assert.Equal(t, []int{1, 2, 3}, rec.failures)
	assert.Equal(t, []time.Duration{10 * time.Microsecond, 20 * time.Microsecond}, rec.delays)
	assert.Equal(t, []int{2, 3}, rec.nexts)
	assert.Equal(t, 3, rec.exhausted)
	assert.ErrorIs(t, rec.lastErr, boom)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "network error")
}

func TestSuccessShortCircuits(t *testing.T) {
	rec := &recorder{}
	calls := 0

	got, err := Do(context.Background(), fastPolicy(), rec.hooks(), func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
	// One failure, one delay, no exhaustion.
	assert.Equal(t, []int{1}, rec.failures)
	assert.Len(t, rec.delays, 1)
	assert.Zero(t, rec.exhausted)
}

func TestFirstAttemptSuccessSkipsAllHooks(t *testing.T) {
	rec := &recorder{}

	got, err := Do(context.Background(), fastPolicy(), rec.hooks(), func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, []int{0}, rec.before)
	assert.Empty(t, rec.failures)
	assert.Empty(t, rec.delays)
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{MaxAttempts: 6, InitialDelay: time.Microsecond, MaxDelay: 4 * time.Microsecond, Multiplier: 10}

	assert.Equal(t, time.Microsecond, p.DelayFor(1))
	assert.Equal(t, 4*time.Microsecond, p.DelayFor(2))
	assert.Equal(t, 4*time.Microsecond, p.DelayFor(5))
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	p := Policy{}
	assert.Equal(t, DefaultInitialDelay, p.DelayFor(1))

	calls := 0
	_, err := Do(context.Background(), Policy{InitialDelay: time.Microsecond, MaxDelay: time.Microsecond},
		Hooks{}, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("always")
		})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, DefaultMaxAttempts, calls)
}

func TestContextCancelDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, Hooks{
			OnDelay: func(context.Context, time.Duration, int) { cancel() },
		}, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("fail")
		})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls, "cancel during the first delay prevents attempt 2")
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestBeforeAttemptErrorAborts(t *testing.T) {
	boom := errors.New("persist failed")
	calls := 0

	_, err := Do(context.Background(), fastPolicy(), Hooks{
		BeforeAttempt: func(context.Context, int) error { return boom },
	}, func(context.Context) (int, error) {
		calls++
		return 0, nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Zero(t, calls, "operation must not run if attempt state cannot be persisted")
}
