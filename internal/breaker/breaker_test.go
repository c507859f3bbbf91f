package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinrai-ai/shinrai/internal/model"
)

type memorySink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (m *memorySink) InsertAuditEvent(_ context.Context, ev model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memorySink) all() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEvent(nil), m.events...)
}

func newTestBreaker(sink AuditSink) *Breaker {
	return New(Config{FailureThreshold: 5, ResetTimeout: time.Minute}, sink, nil)
}

func TestOpensAtThreshold(t *testing.T) {
	sink := &memorySink{}
	b := newTestBreaker(sink)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.RecordFailure(ctx, "x")
		assert.Equal(t, StateClosed, b.State("x"))
		assert.False(t, b.IsOpen("x"))
	}

	b.RecordFailure(ctx, "x")
	assert.Equal(t, StateOpen, b.State("x"))
	assert.True(t, b.IsOpen("x"))
	assert.Equal(t, 5, b.FailureCount("x"))

	events := sink.all()
	require.Len(t, events, 1, "only the threshold-crossing failure emits an event")
	assert.Equal(t, model.EventCircuitBreaker, events[0].Type)
	assert.Equal(t, model.SeverityCritical, events[0].Severity)
	assert.Nil(t, events[0].RunID, "circuit events are agent-level")
	assert.Equal(t, "x", events[0].AgentID)
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	sink := &memorySink{}
	b := newTestBreaker(sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, "y")
	}
	require.Equal(t, StateOpen, b.State("y"))
	require.True(t, b.IsOpen("y"))

	// Move the clock past the reset timeout; the gate check itself
	// transitions open -> half-open.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.False(t, b.IsOpen("y"))
	assert.Equal(t, StateHalfOpen, b.State("y"))

	// A second check while half-open also passes (the trial is in flight).
	assert.False(t, b.IsOpen("y"))

	b.RecordSuccess(ctx, "y")
	assert.Equal(t, StateClosed, b.State("y"))
	assert.Equal(t, 0, b.FailureCount("y"))

	events := sink.all()
	last := events[len(events)-1]
	assert.Equal(t, model.SeverityInfo, last.Severity)
	assert.Equal(t, "half_open", last.Data["previous_state"])
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	sink := &memorySink{}
	b := newTestBreaker(sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, "z")
	}
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.False(t, b.IsOpen("z"))
	require.Equal(t, StateHalfOpen, b.State("z"))

	b.RecordFailure(ctx, "z")
	assert.Equal(t, StateOpen, b.State("z"))

	events := sink.all()
	last := events[len(events)-1]
	assert.Equal(t, model.SeverityCritical, last.Severity)
	assert.Contains(t, last.Message, "reopened")
}

func TestManualResetShortCircuitsTimeout(t *testing.T) {
	sink := &memorySink{}
	b := newTestBreaker(sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, "manual")
	}
	require.True(t, b.IsOpen("manual"))

	b.Reset(ctx, "manual")

	// No waiting for the reset timeout.
	assert.False(t, b.IsOpen("manual"))
	assert.Equal(t, StateClosed, b.State("manual"))
	assert.Equal(t, 0, b.FailureCount("manual"))

	events := sink.all()
	last := events[len(events)-1]
	assert.Equal(t, true, last.Data["manual"])
}

func TestSuccessWhileClosedIsSilent(t *testing.T) {
	sink := &memorySink{}
	b := newTestBreaker(sink)

	b.RecordSuccess(context.Background(), "quiet")
	assert.Empty(t, sink.all(), "closed -> closed emits nothing")
}

func TestCircuitsAreIndependent(t *testing.T) {
	b := newTestBreaker(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, "bad")
	}
	assert.True(t, b.IsOpen("bad"))
	assert.False(t, b.IsOpen("good"))
	assert.Equal(t, StateClosed, b.State("good"))
}

func TestAllStatesSorted(t *testing.T) {
	b := newTestBreaker(nil)
	ctx := context.Background()

	b.RecordFailure(ctx, "bravo")
	b.RecordFailure(ctx, "alpha")
	_ = b.IsOpen("charlie")

	snaps := b.AllStates()
	require.Len(t, snaps, 3)
	assert.Equal(t, "alpha", snaps[0].AgentID)
	assert.Equal(t, "bravo", snaps[1].AgentID)
	assert.Equal(t, "charlie", snaps[2].AgentID)
	assert.Equal(t, 1, snaps[0].Failures)
	assert.NotNil(t, snaps[0].LastFailure)
	assert.Nil(t, snaps[2].LastFailure)
}

func TestConcurrentMutationIsSerialized(t *testing.T) {
	b := newTestBreaker(&memorySink{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				b.RecordFailure(ctx, "contended")
			} else {
				b.RecordSuccess(ctx, "contended")
			}
			_ = b.IsOpen("contended")
			_ = b.FailureCount("contended")
		}(i)
	}
	wg.Wait()

	// The exact final state depends on interleaving; it must be a legal one.
	s := b.State("contended")
	assert.Contains(t, []State{StateClosed, StateOpen}, s)
}
