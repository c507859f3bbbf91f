// Package runner owns the full lifecycle of one run identifier, from
// pending to a terminal status. It coordinates the registry, retry
// controller, circuit breaker, audit recorder, and dead-letter store.
//
// Every audit write is awaited before the run proceeds, so the ledger for
// a run is always observable in generation order. A failed run is never
// silently lost: the terminal error lands in the run record, the audit
// trail, and (for executed runs) the dead-letter store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shinrai-ai/shinrai/internal/agent"
	"github.com/shinrai-ai/shinrai/internal/breaker"
	"github.com/shinrai-ai/shinrai/internal/model"
	"github.com/shinrai-ai/shinrai/internal/retry"
	"github.com/shinrai-ai/shinrai/internal/telemetry"
)

// Store is the narrow durable-store surface the lifecycle manager needs.
// All writes are fire-and-confirm: they return only after the row is
// durable.
type Store interface {
	InsertRun(ctx context.Context, run model.RunRecord) error
	UpdateRun(ctx context.Context, runID uuid.UUID, patch model.RunPatch) error
	InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error
	InsertDeadLetter(ctx context.Context, dl model.DeadLetter) error
}

// Resolver resolves an agent id to a live agent. *registry.Registry
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, agentID string) (agent.Agent, error)
}

// Config tunes the lifecycle manager.
type Config struct {
	// Retry is the backoff policy applied to every run.
	Retry retry.Policy
	// AttemptTimeout bounds a single execution attempt. Zero disables the
	// bound (an agent that never returns then hangs its run).
	AttemptTimeout time.Duration
}

// Runner executes agents under retry and circuit-breaker protection.
type Runner struct {
	store    Store
	resolver Resolver
	breaker  *breaker.Breaker
	cfg      Config
	logger   *slog.Logger

	wg sync.WaitGroup

	runsStarted metric.Int64Counter
	runDuration metric.Float64Histogram
	retries     metric.Int64Counter
	deadLetters metric.Int64Counter
}

// New creates a Runner. The breaker is injected, never global.
func New(store Store, resolver Resolver, cb *breaker.Breaker, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("shinrai/runner")
	runsStarted, _ := meter.Int64Counter("shinrai.runs.started",
		metric.WithDescription("Agent runs started"))
	runDuration, _ := meter.Float64Histogram("shinrai.runs.duration",
		metric.WithDescription("Agent run wall-clock duration (ms)"),
		metric.WithUnit("ms"))
	retries, _ := meter.Int64Counter("shinrai.runs.retries",
		metric.WithDescription("Failed attempts that were retried or exhausted"))
	deadLetters, _ := meter.Int64Counter("shinrai.runs.dead_letters",
		metric.WithDescription("Runs written to the dead-letter store"))

	return &Runner{
		store:       store,
		resolver:    resolver,
		breaker:     cb,
		cfg:         cfg,
		logger:      logger,
		runsStarted: runsStarted,
		runDuration: runDuration,
		retries:     retries,
		deadLetters: deadLetters,
	}
}

// Launch allocates a run record in pending state and executes the agent in
// the background, detached from the caller's cancellation. Callers get the
// run id back synchronously, so a crash mid-execution is reconstructable
// from the record and audit trail.
func (r *Runner) Launch(ctx context.Context, agentID, trigger string, payload map[string]any) (uuid.UUID, error) {
	runID := uuid.New()
	rec := model.RunRecord{
		ID:        runID,
		AgentID:   agentID,
		Trigger:   trigger,
		Status:    model.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.InsertRun(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("runner: create run record: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.RunAgent(runCtx, agentID, runID, trigger, payload); err != nil {
			r.logger.Error("run failed", "agent_id", agentID, "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// Wait blocks until all launched runs finish or ctx expires.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner: runs still in flight: %w", ctx.Err())
	}
}

// RunAgent drives run runID of agentID to a terminal state and returns the
// agent's output. The run record must already exist in pending state.
func (r *Runner) RunAgent(ctx context.Context, agentID string, runID uuid.UUID, trigger string, payload map[string]any) (model.AgentOutput, error) {
	started := time.Now().UTC()
	attrs := metric.WithAttributes(attribute.String("agent_id", agentID))
	r.runsStarted.Add(ctx, 1, attrs)

	running := model.RunStatusRunning
	if err := r.store.UpdateRun(ctx, runID, model.RunPatch{Status: &running, StartedAt: &started}); err != nil {
		return model.AgentOutput{}, fmt.Errorf("runner: mark run running: %w", err)
	}
	if err := r.audit(ctx, model.NewRunEvent(runID, agentID, model.EventStarted, model.SeverityInfo,
		fmt.Sprintf("run started (trigger: %s)", trigger),
		map[string]any{"trigger": trigger})); err != nil {
		return model.AgentOutput{}, err
	}

	// Circuit gate. An open circuit rejects the run outright and does not
	// count as a breaker failure.
	if r.breaker.IsOpen(agentID) {
		failures := r.breaker.FailureCount(agentID)
		cbErr := &CircuitOpenError{AgentID: agentID, Failures: failures}
		if err := r.audit(ctx, model.NewRunEvent(runID, agentID, model.EventCircuitBreakerBlocked, model.SeverityWarning,
			"run blocked: circuit is open",
			map[string]any{"failures": failures, "state": string(r.breaker.State(agentID))})); err != nil {
			return model.AgentOutput{}, err
		}
		r.failRun(ctx, runID, started, cbErr.Error(), "")
		return model.AgentOutput{}, cbErr
	}

	// Resolution failures (unknown, disabled, unconfigured, unimplemented)
	// are non-retryable: they bypass the retry controller entirely.
	ag, err := r.resolver.Resolve(ctx, agentID)
	if err != nil {
		return model.AgentOutput{}, r.terminate(ctx, agentID, runID, started, payload, err)
	}

	input := model.NewAgentInput(trigger, runID, payload)
	out, err := retry.Do(ctx, r.cfg.Retry, r.hooks(agentID, runID), func(ctx context.Context) (model.AgentOutput, error) {
		return r.attempt(ctx, ag, agentID, input)
	})
	if err != nil {
		return model.AgentOutput{}, r.terminate(ctx, agentID, runID, started, payload, err)
	}

	return out, r.complete(ctx, agentID, runID, started, out)
}

// attempt runs one bounded agent invocation and normalizes "completed but
// reported failure" into an error so the retry controller can see it.
func (r *Runner) attempt(ctx context.Context, ag agent.Agent, agentID string, input model.AgentInput) (model.AgentOutput, error) {
	if r.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
	}
	out, err := ag.Execute(ctx, input)
	if err != nil {
		return model.AgentOutput{}, err
	}
	if !out.Success {
		return model.AgentOutput{}, &ExecutionError{AgentID: agentID, Errors: out.Errors}
	}
	return out, nil
}

// hooks wires the retry loop into the run record and the audit ledger.
func (r *Runner) hooks(agentID string, runID uuid.UUID) retry.Hooks {
	attrs := metric.WithAttributes(attribute.String("agent_id", agentID))
	return retry.Hooks{
		BeforeAttempt: func(ctx context.Context, failures int) error {
			n := failures
			if err := r.store.UpdateRun(ctx, runID, model.RunPatch{RetryCount: &n}); err != nil {
				return fmt.Errorf("runner: persist retry count: %w", err)
			}
			return nil
		},
		OnFailure: func(ctx context.Context, attemptNum int, err error) {
			r.retries.Add(ctx, 1, attrs)
			// Persist the count after the failure too, so an exhausted run's
			// terminal record reflects every attempt made, not just the ones
			// a subsequent loop iteration got to report.
			n := attemptNum
			if uerr := r.store.UpdateRun(ctx, runID, model.RunPatch{RetryCount: &n}); uerr != nil {
				r.logger.Error("persist retry count failed", "run_id", runID, "error", uerr)
			}
			_ = r.audit(ctx, model.NewRunEvent(runID, agentID, model.EventRetry, model.SeverityWarning,
				fmt.Sprintf("attempt %d failed: %v", attemptNum, err),
				map[string]any{"attempt": attemptNum, "error": err.Error()}))
		},
		OnDelay: func(ctx context.Context, delay time.Duration, next int) {
			_ = r.audit(ctx, model.NewRunEvent(runID, agentID, model.EventRetryDelay, model.SeverityInfo,
				fmt.Sprintf("waiting %s before attempt %d", delay, next),
				map[string]any{"delay_ms": delay.Milliseconds(), "next_attempt": next}))
		},
		OnExhausted: func(ctx context.Context, attempts int, lastErr error) {
			_ = r.audit(ctx, model.NewRunEvent(runID, agentID, model.EventRetryExhausted, model.SeverityError,
				fmt.Sprintf("all %d attempts failed: %v", attempts, lastErr),
				map[string]any{"attempts": attempts, "error": lastErr.Error()}))
		},
	}
}

// complete records a successful (or partial) terminal state and closes the
// loop with the circuit breaker.
func (r *Runner) complete(ctx context.Context, agentID string, runID uuid.UUID, started time.Time, out model.AgentOutput) error {
	completed := time.Now().UTC()
	duration := completed.Sub(started).Milliseconds()
	items := out.ItemsProcessed()

	status := model.RunStatusSuccess
	if len(out.Errors) > 0 {
		status = model.RunStatusPartial
	}
	if err := r.store.UpdateRun(ctx, runID, model.RunPatch{
		Status:         &status,
		CompletedAt:    &completed,
		DurationMs:     &duration,
		ItemsProcessed: &items,
		Output:         out.Data,
	}); err != nil {
		return fmt.Errorf("runner: record completion: %w", err)
	}

	data := map[string]any{"duration_ms": duration, "items_processed": items, "status": string(status)}
	if out.Confidence != nil {
		data["confidence"] = *out.Confidence
	}
	if err := r.audit(ctx, model.NewRunEvent(runID, agentID, model.EventCompleted, model.SeverityInfo,
		fmt.Sprintf("run completed in %dms (%d items)", duration, items), data)); err != nil {
		return err
	}

	r.breaker.RecordSuccess(ctx, agentID)
	r.runDuration.Record(ctx, float64(duration), metric.WithAttributes(attribute.String("agent_id", agentID)))
	r.logger.Info("run completed",
		"agent_id", agentID, "run_id", runID, "status", string(status),
		"duration_ms", duration, "items_processed", items)
	return nil
}

// terminate records a terminal failure: run record, audit trail, and — for
// executed runs — a dead letter plus a breaker failure. A canceled context
// is not held against the agent.
func (r *Runner) terminate(ctx context.Context, agentID string, runID uuid.UUID, started time.Time, payload map[string]any, cause error) error {
	stack := fmt.Sprintf("%+v", cause)
	_ = r.audit(ctx, model.NewRunEvent(runID, agentID, model.EventError, model.SeverityError,
		fmt.Sprintf("run failed: %v", cause),
		map[string]any{"error": cause.Error()}))
	r.failRun(ctx, runID, started, cause.Error(), stack)

	dl := model.DeadLetter{
		ID:           uuid.New(),
		RunID:        runID,
		AgentID:      agentID,
		ErrorMessage: cause.Error(),
		ErrorStack:   stack,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.InsertDeadLetter(ctx, dl); err != nil {
		r.logger.Error("dead-letter write failed", "run_id", runID, "error", err)
	} else {
		r.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
	}

	if !errors.Is(cause, context.Canceled) {
		r.breaker.RecordFailure(ctx, agentID)
	}
	return cause
}

// audit writes one event and confirms it before returning.
func (r *Runner) audit(ctx context.Context, ev model.AuditEvent) error {
	if err := r.store.InsertAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("runner: record %s event: %w", ev.Type, err)
	}
	return nil
}

// failRun applies the terminal error patch. Storage errors here are logged
// rather than returned: the original failure must win.
func (r *Runner) failRun(ctx context.Context, runID uuid.UUID, started time.Time, message, stack string) {
	completed := time.Now().UTC()
	duration := completed.Sub(started).Milliseconds()
	status := model.RunStatusError
	patch := model.RunPatch{
		Status:       &status,
		CompletedAt:  &completed,
		DurationMs:   &duration,
		ErrorMessage: &message,
	}
	if stack != "" {
		patch.ErrorStack = &stack
	}
	if err := r.store.UpdateRun(ctx, runID, patch); err != nil {
		r.logger.Error("terminal run update failed", "run_id", runID, "error", err)
	}
}
