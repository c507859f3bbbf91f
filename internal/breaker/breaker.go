// Package breaker implements a per-agent three-state circuit breaker that
// blocks invocation of a persistently failing agent.
//
// State lives in process memory only; the durable record of every
// transition is the audit event emitted through the sink. The breaker is
// an explicitly constructed, injected component — there is no package
// singleton.
package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shinrai-ai/shinrai/internal/model"
	"github.com/shinrai-ai/shinrai/internal/telemetry"
)

// State of one agent's circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults for Config fields left at zero.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens a
	// circuit.
	FailureThreshold int
	// ResetTimeout is how long an open circuit blocks before the next
	// gate check moves it to half-open and lets one trial through.
	ResetTimeout time.Duration
}

// AuditSink receives circuit transition events. Writes are synchronous so
// the ledger reflects transitions in order.
type AuditSink interface {
	InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error
}

// Snapshot is a read-only view of one circuit for observability.
type Snapshot struct {
	AgentID     string     `json:"agent_id"`
	State       State      `json:"state"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// circuit is the per-agent mutable state. Guarded by Breaker.mu.
type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks one circuit per agent id.
type Breaker struct {
	cfg    Config
	sink   AuditSink
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit

	transitions metric.Int64Counter
}

// New creates a Breaker. sink may be nil (transitions are then only logged).
func New(cfg Config, sink AuditSink, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("shinrai/breaker")
	transitions, _ := meter.Int64Counter("shinrai.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)

	return &Breaker{
		cfg:         cfg,
		sink:        sink,
		logger:      logger,
		now:         time.Now,
		circuits:    make(map[string]*circuit),
		transitions: transitions,
	}
}

// get returns the circuit for agentID, creating a closed one lazily.
// Caller must hold b.mu.
func (b *Breaker) get(agentID string) *circuit {
	c, ok := b.circuits[agentID]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[agentID] = c
	}
	return c
}

// IsOpen reports whether calls for agentID must be rejected. An open
// circuit whose reset timeout has elapsed transitions to half-open as a
// side effect of this check, allowing exactly the next call through as a
// trial. The transition happens under the breaker lock, so concurrent
// gate checks cannot both claim the trial transition.
func (b *Breaker) IsOpen(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(agentID)
	switch c.state {
	case StateClosed, StateHalfOpen:
		return false
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.cfg.ResetTimeout {
			c.state = StateHalfOpen
			b.count(agentID, StateOpen, StateHalfOpen)
			b.logger.Info("circuit half-open, allowing trial call", "agent_id", agentID)
			return false
		}
		return true
	}
	return false
}

// RecordFailure counts a failure for agentID and opens the circuit when
// the threshold is reached, or reopens it when a half-open trial fails.
func (b *Breaker) RecordFailure(ctx context.Context, agentID string) {
	b.mu.Lock()
	c := b.get(agentID)
	c.failures++
	c.lastFailure = b.now()

	var ev *model.AuditEvent
	switch {
	case c.state == StateHalfOpen:
		c.state = StateOpen
		b.count(agentID, StateHalfOpen, StateOpen)
		e := model.NewAgentEvent(agentID, model.EventCircuitBreaker, model.SeverityCritical,
			"circuit reopened: recovery trial failed",
			map[string]any{"failures": c.failures, "state": string(StateOpen)})
		ev = &e
	case c.state == StateClosed && c.failures >= b.cfg.FailureThreshold:
		c.state = StateOpen
		b.count(agentID, StateClosed, StateOpen)
		e := model.NewAgentEvent(agentID, model.EventCircuitBreaker, model.SeverityCritical,
			"circuit opened after repeated failures",
			map[string]any{
				"failures":          c.failures,
				"state":             string(StateOpen),
				"reset_eligible_at": c.lastFailure.Add(b.cfg.ResetTimeout).UTC(),
			})
		ev = &e
	}
	failures := c.failures
	b.mu.Unlock()

	if ev != nil {
		b.logger.Warn("circuit opened", "agent_id", agentID, "failures", failures)
		b.emit(ctx, *ev)
	}
}

// RecordSuccess resets the failure count for agentID and closes the
// circuit. A non-closed previous state emits a recovery audit event.
func (b *Breaker) RecordSuccess(ctx context.Context, agentID string) {
	b.mu.Lock()
	c := b.get(agentID)
	prev := c.state
	c.failures = 0
	c.state = StateClosed
	b.mu.Unlock()

	if prev != StateClosed {
		b.count(agentID, prev, StateClosed)
		b.logger.Info("circuit closed after recovery", "agent_id", agentID, "previous_state", string(prev))
		b.emit(ctx, model.NewAgentEvent(agentID, model.EventCircuitBreaker, model.SeverityInfo,
			"circuit closed: agent recovered",
			map[string]any{"previous_state": string(prev), "state": string(StateClosed)}))
	}
}

// Reset is the manual operator override: unconditionally zero the counter
// and close the circuit, regardless of reset timeout.
func (b *Breaker) Reset(ctx context.Context, agentID string) {
	b.mu.Lock()
	c := b.get(agentID)
	prev := c.state
	c.failures = 0
	c.state = StateClosed
	b.mu.Unlock()

	if prev != StateClosed {
		b.count(agentID, prev, StateClosed)
	}
	b.logger.Info("circuit manually reset", "agent_id", agentID, "previous_state", string(prev))
	b.emit(ctx, model.NewAgentEvent(agentID, model.EventCircuitBreaker, model.SeverityInfo,
		"circuit manually reset by operator",
		map[string]any{"manual": true, "previous_state": string(prev), "state": string(StateClosed)}))
}

// State returns the current state for agentID without side effects.
func (b *Breaker) State(agentID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[agentID]
	if !ok {
		return StateClosed
	}
	return c.state
}

// FailureCount returns the current consecutive failure count for agentID.
func (b *Breaker) FailureCount(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[agentID]
	if !ok {
		return 0
	}
	return c.failures
}

// AllStates returns a snapshot of every tracked circuit, sorted by agent id.
func (b *Breaker) AllStates() []Snapshot {
	b.mu.Lock()
	out := make([]Snapshot, 0, len(b.circuits))
	for id, c := range b.circuits {
		s := Snapshot{AgentID: id, State: c.state, Failures: c.failures}
		if !c.lastFailure.IsZero() {
			lf := c.lastFailure
			s.LastFailure = &lf
		}
		out = append(out, s)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (b *Breaker) emit(ctx context.Context, ev model.AuditEvent) {
	if b.sink == nil {
		return
	}
	if err := b.sink.InsertAuditEvent(ctx, ev); err != nil {
		b.logger.Error("breaker: audit write failed", "agent_id", ev.AgentID, "error", err)
	}
}

func (b *Breaker) count(agentID string, from, to State) {
	b.transitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
}
