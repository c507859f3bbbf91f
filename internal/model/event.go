package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the category of an audit event.
type EventType string

const (
	EventStarted               EventType = "started"
	EventProgress              EventType = "progress"
	EventRetry                 EventType = "retry"
	EventRetryDelay            EventType = "retry_delay"
	EventRetryExhausted        EventType = "retry_exhausted"
	EventCompleted             EventType = "completed"
	EventError                 EventType = "error"
	EventCircuitBreaker        EventType = "circuit_breaker"
	EventCircuitBreakerBlocked EventType = "circuit_breaker_blocked"
)

// Severity grades an audit event for filtering and alerting.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditEvent is an append-only entry in the accountability ledger.
// Source of truth. Never mutated or deleted.
//
// RunID is nil for agent-level events not tied to a single run (circuit
// breaker transitions). SequenceNum is assigned by the store at insert and
// orders events globally; events for one run are read back in insert order.
type AuditEvent struct {
	ID          uuid.UUID      `json:"id"`
	RunID       *uuid.UUID     `json:"run_id,omitempty"`
	AgentID     string         `json:"agent_id"`
	Type        EventType      `json:"event_type"`
	Message     string         `json:"message"`
	Severity    Severity       `json:"severity"`
	Data        map[string]any `json:"data,omitempty"`
	SequenceNum int64          `json:"sequence_num"`
	ContentHash string         `json:"content_hash,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewRunEvent builds an audit event tied to a run. The store assigns
// SequenceNum and ContentHash at insert.
func NewRunEvent(runID uuid.UUID, agentID string, typ EventType, sev Severity, message string, data map[string]any) AuditEvent {
	rid := runID
	return AuditEvent{
		ID:        uuid.New(),
		RunID:     &rid,
		AgentID:   agentID,
		Type:      typ,
		Message:   message,
		Severity:  sev,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAgentEvent builds an agent-level audit event not tied to any run.
func NewAgentEvent(agentID string, typ EventType, sev Severity, message string, data map[string]any) AuditEvent {
	return AuditEvent{
		ID:        uuid.New(),
		AgentID:   agentID,
		Type:      typ,
		Message:   message,
		Severity:  sev,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}
