package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/shinrai-ai/shinrai/internal/telemetry"
)

// Buckets idle longer than this are evicted; the sweep runs on sweepEvery.
const (
	idleEviction = 10 * time.Minute
	sweepEvery   = time.Minute
)

// bucket tracks the remaining tokens for one caller key.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter is the default Limiter: one token bucket per caller key,
// held in process memory. Tokens refill continuously at rate per second up
// to burst; a request consumes one token. A background sweep evicts idle
// buckets so one-off callers do not accumulate forever.
//
// Suitable for a single instance. Behind a load balancer each instance
// enforces its own budget, which is why the Limiter interface exists.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	now      func() time.Time
	stopOnce sync.Once
	done     chan struct{}

	throttled metric.Int64Counter
	evicted   metric.Int64Counter
}

// NewMemoryLimiter creates a limiter allowing rate sustained requests per
// second per key, with bursts up to burst. Call Close to stop the eviction
// sweep.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	meter := telemetry.Meter("shinrai/ratelimit")
	throttled, _ := meter.Int64Counter("shinrai.ratelimit.throttled",
		metric.WithDescription("Requests rejected by the rate limiter"))
	evicted, _ := meter.Int64Counter("shinrai.ratelimit.evicted",
		metric.WithDescription("Idle rate-limit buckets evicted"))

	m := &MemoryLimiter{
		rate:      rate,
		burst:     float64(burst),
		buckets:   make(map[string]*bucket),
		now:       time.Now,
		done:      make(chan struct{}),
		throttled: throttled,
		evicted:   evicted,
	}
	go m.sweep()
	return m
}

// Allow consumes one token for key. False means the caller is over budget.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		// New key starts with a full bucket; this request takes one token.
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastSeen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		m.throttled.Add(ctx, 1)
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction sweep. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idleEviction)
	var n int64
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
			n++
		}
	}
	if n > 0 {
		m.evicted.Add(context.Background(), n)
	}
}
