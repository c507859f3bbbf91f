package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinrai-ai/shinrai/internal/agent"
	"github.com/shinrai-ai/shinrai/internal/breaker"
	"github.com/shinrai-ai/shinrai/internal/model"
	"github.com/shinrai-ai/shinrai/internal/registry"
	"github.com/shinrai-ai/shinrai/internal/retry"
)

// memStore is an in-memory Store capturing all writes in call order.
type memStore struct {
	mu          sync.Mutex
	runs        map[uuid.UUID]model.RunRecord
	events      []model.AuditEvent
	deadLetters []model.DeadLetter
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[uuid.UUID]model.RunRecord)}
}

func (s *memStore) InsertRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) UpdateRun(_ context.Context, runID uuid.UUID, patch model.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return errors.New("run not found")
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.RetryCount != nil {
		rec.RetryCount = *patch.RetryCount
	}
	if patch.StartedAt != nil {
		rec.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		rec.CompletedAt = patch.CompletedAt
	}
	if patch.DurationMs != nil {
		rec.DurationMs = patch.DurationMs
	}
	if patch.ItemsProcessed != nil {
		rec.ItemsProcessed = *patch.ItemsProcessed
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = patch.ErrorMessage
	}
	if patch.ErrorStack != nil {
		rec.ErrorStack = patch.ErrorStack
	}
	if patch.Output != nil {
		rec.Output = patch.Output
	}
	s.runs[runID] = rec
	return nil
}

func (s *memStore) InsertAuditEvent(_ context.Context, ev model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) InsertDeadLetter(_ context.Context, dl model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *memStore) run(t *testing.T, runID uuid.UUID) model.RunRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	require.True(t, ok, "run record missing")
	return rec
}

func (s *memStore) eventTypes() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]model.EventType, len(s.events))
	for i, ev := range s.events {
		types[i] = ev.Type
	}
	return types
}

func (s *memStore) eventsOfType(typ model.EventType) []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEvent
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (s *memStore) deadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

type harness struct {
	store   *memStore
	breaker *breaker.Breaker
	runner  *Runner
}

// fastPolicy keeps test retries in the microsecond range while staying
// deterministic.
var fastPolicy = retry.Policy{
	MaxAttempts:  3,
	InitialDelay: 10 * time.Microsecond,
	MaxDelay:     time.Millisecond,
	Multiplier:   2,
}

func newHarness(t *testing.T, agents map[string]agent.Agent) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := newMemStore()

	var descriptors []model.AgentDescriptor
	factories := make(map[string]registry.Factory, len(agents))
	for id, ag := range agents {
		descriptors = append(descriptors, model.AgentDescriptor{
			ID:       id,
			Name:     id,
			Enabled:  true,
			Autonomy: model.AutonomyAutonomous,
		})
		factories[id] = func(context.Context) (agent.Agent, error) { return ag, nil }
	}
	reg, err := registry.New(registry.Config{
		Descriptors: descriptors,
		Factories:   factories,
		Logger:      logger,
	})
	require.NoError(t, err)

	cb := breaker.New(breaker.Config{}, store, logger)
	r := New(store, reg, cb, Config{Retry: fastPolicy, AttemptTimeout: time.Second}, logger)
	return &harness{store: store, breaker: cb, runner: r}
}

func (h *harness) newRun(t *testing.T, agentID string) uuid.UUID {
	t.Helper()
	runID := uuid.New()
	require.NoError(t, h.store.InsertRun(context.Background(), model.RunRecord{
		ID:        runID,
		AgentID:   agentID,
		Trigger:   "manual",
		Status:    model.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}))
	return runID
}

func TestRunAgentSuccess(t *testing.T) {
	h := newHarness(t, map[string]agent.Agent{
		"sync-agent": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			return model.AgentOutput{
				Success: true,
				Data:    map[string]any{"items_processed": 7},
			}, nil
		}),
	})
	runID := h.newRun(t, "sync-agent")

	out, err := h.runner.RunAgent(context.Background(), "sync-agent", runID, "manual", nil)
	require.NoError(t, err)
	assert.True(t, out.Success)

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusSuccess, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, 7, rec.ItemsProcessed)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.DurationMs)
	assert.Nil(t, rec.ErrorMessage)

	assert.Equal(t, []model.EventType{model.EventStarted, model.EventCompleted}, h.store.eventTypes())
	assert.Equal(t, breaker.StateClosed, h.breaker.State("sync-agent"))
	assert.Zero(t, h.store.deadLetterCount())
}

func TestRunAgentRetriesThenSucceeds(t *testing.T) {
	calls := 0
	h := newHarness(t, map[string]agent.Agent{
		"flaky": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			calls++
			if calls < 3 {
				return model.AgentOutput{}, errors.New("transient upstream error")
			}
			return model.AgentOutput{Success: true}, nil
		}),
	})
	runID := h.newRun(t, "flaky")

	_, err := h.runner.RunAgent(context.Background(), "flaky", runID, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusSuccess, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)

	assert.Equal(t, []model.EventType{
		model.EventStarted,
		model.EventRetry, model.EventRetryDelay,
		model.EventRetry, model.EventRetryDelay,
		model.EventCompleted,
	}, h.store.eventTypes())

	// Breaker closes its counter on success even after mid-run failures.
	assert.Equal(t, 0, h.breaker.FailureCount("flaky"))
	assert.Zero(t, h.store.deadLetterCount())
}

func TestRunAgentExhaustsRetries(t *testing.T) {
	calls := 0
	h := newHarness(t, map[string]agent.Agent{
		"broken": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			calls++
			return model.AgentOutput{}, errors.New("hard failure")
		}),
	})
	runID := h.newRun(t, "broken")
	payload := map[string]any{"source": "test"}

	_, err := h.runner.RunAgent(context.Background(), "broken", runID, "manual", payload)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusError, rec.Status)
	assert.Equal(t, 3, rec.RetryCount, "terminal record must count every attempt")
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "hard failure")

	assert.Equal(t, []model.EventType{
		model.EventStarted,
		model.EventRetry, model.EventRetryDelay,
		model.EventRetry, model.EventRetryDelay,
		model.EventRetry, model.EventRetryExhausted,
		model.EventError,
	}, h.store.eventTypes())

	require.Equal(t, 1, h.store.deadLetterCount())
	dl := h.store.deadLetters[0]
	assert.Equal(t, runID, dl.RunID)
	assert.Equal(t, "broken", dl.AgentID)
	assert.Equal(t, payload, dl.Payload)
	assert.Contains(t, dl.ErrorMessage, "hard failure")

	assert.Equal(t, 1, h.breaker.FailureCount("broken"))
}

func TestRunAgentReportedFailureIsRetried(t *testing.T) {
	h := newHarness(t, map[string]agent.Agent{
		"soft-fail": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			return model.AgentOutput{Success: false, Errors: []string{"feed returned 503"}}, nil
		}),
	})
	runID := h.newRun(t, "soft-fail")

	_, err := h.runner.RunAgent(context.Background(), "soft-fail", runID, "manual", nil)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "soft-fail", execErr.AgentID)

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusError, rec.Status)
	assert.Equal(t, 3, len(h.store.eventsOfType(model.EventRetry)))
}

func TestRunAgentPartialStatus(t *testing.T) {
	h := newHarness(t, map[string]agent.Agent{
		"partial": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			return model.AgentOutput{
				Success: true,
				Data:    map[string]any{"items_processed": 4},
				Errors:  []string{"2 items skipped: malformed"},
			}, nil
		}),
	})
	runID := h.newRun(t, "partial")

	out, err := h.runner.RunAgent(context.Background(), "partial", runID, "manual", nil)
	require.NoError(t, err)
	assert.True(t, out.Success)

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusPartial, rec.Status)
	assert.Equal(t, 4, rec.ItemsProcessed)
	assert.Nil(t, rec.ErrorMessage)
	assert.Zero(t, h.store.deadLetterCount())
}

func TestRunAgentResolveFailureBypassesRetry(t *testing.T) {
	h := newHarness(t, map[string]agent.Agent{
		"present": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			return model.AgentOutput{Success: true}, nil
		}),
	})
	runID := h.newRun(t, "ghost")

	_, err := h.runner.RunAgent(context.Background(), "ghost", runID, "manual", nil)
	require.Error(t, err)
	assert.Equal(t, registry.KindNotFound, registry.KindOf(err))

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusError, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)

	// No retry controller involvement at all.
	assert.Empty(t, h.store.eventsOfType(model.EventRetry))
	assert.Empty(t, h.store.eventsOfType(model.EventRetryDelay))
	assert.Equal(t, 1, h.store.deadLetterCount())
	assert.Equal(t, 1, h.breaker.FailureCount("ghost"))
}

func TestRunAgentCircuitOpenShortCircuits(t *testing.T) {
	calls := 0
	h := newHarness(t, map[string]agent.Agent{
		"tripped": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			calls++
			return model.AgentOutput{Success: true}, nil
		}),
	})
	ctx := context.Background()
	for range breaker.DefaultFailureThreshold {
		h.breaker.RecordFailure(ctx, "tripped")
	}
	require.Equal(t, breaker.StateOpen, h.breaker.State("tripped"))
	h.store.events = nil // keep only the run's own trail

	runID := h.newRun(t, "tripped")
	_, err := h.runner.RunAgent(ctx, "tripped", runID, "manual", nil)
	var cbErr *CircuitOpenError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, "tripped", cbErr.AgentID)
	assert.Zero(t, calls, "agent must not execute behind an open circuit")

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusError, rec.Status)

	assert.Equal(t, []model.EventType{
		model.EventStarted,
		model.EventCircuitBreakerBlocked,
	}, h.store.eventTypes())

	// Rejection is not a failure and produces no dead letter.
	assert.Equal(t, breaker.DefaultFailureThreshold, h.breaker.FailureCount("tripped"))
	assert.Zero(t, h.store.deadLetterCount())
}

func TestRunAgentAttemptTimeout(t *testing.T) {
	h := newHarness(t, map[string]agent.Agent{
		"hung": agent.Func(func(ctx context.Context, _ model.AgentInput) (model.AgentOutput, error) {
			<-ctx.Done()
			return model.AgentOutput{}, ctx.Err()
		}),
	})
	h.runner.cfg.Retry.MaxAttempts = 1
	h.runner.cfg.AttemptTimeout = 5 * time.Millisecond
	runID := h.newRun(t, "hung")

	_, err := h.runner.RunAgent(context.Background(), "hung", runID, "manual", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusError, rec.Status)
	assert.Equal(t, 1, h.breaker.FailureCount("hung"))
}

func TestLaunchRunsInBackground(t *testing.T) {
	h := newHarness(t, map[string]agent.Agent{
		"bg": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			return model.AgentOutput{Success: true}, nil
		}),
	})

	// Launch survives cancellation of the caller's context.
	ctx, cancel := context.WithCancel(context.Background())
	runID, err := h.runner.Launch(ctx, "bg", "scheduled", map[string]any{"k": "v"})
	require.NoError(t, err)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, h.runner.Wait(waitCtx))

	rec := h.store.run(t, runID)
	assert.Equal(t, model.RunStatusSuccess, rec.Status)
	assert.Equal(t, "scheduled", rec.Trigger)
}

func TestRunAgentAuditTrailCarriesRunID(t *testing.T) {
	h := newHarness(t, map[string]agent.Agent{
		"traced": agent.Func(func(context.Context, model.AgentInput) (model.AgentOutput, error) {
			return model.AgentOutput{}, errors.New("boom")
		}),
	})
	runID := h.newRun(t, "traced")

	_, err := h.runner.RunAgent(context.Background(), "traced", runID, "manual", nil)
	require.Error(t, err)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.NotEmpty(t, h.store.events)
	for _, ev := range h.store.events {
		require.NotNil(t, ev.RunID, "event %s missing run id", ev.Type)
		assert.Equal(t, runID, *ev.RunID)
		assert.Equal(t, "traced", ev.AgentID)
	}
}
