package shinrai

import (
	"time"

	"github.com/google/uuid"
)

// Run is an agent run record.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	AgentID        string         `json:"agent_id"`
	Trigger        string         `json:"trigger"`
	Status         string         `json:"status"`
	RetryCount     int            `json:"retry_count"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMs     *int64         `json:"duration_ms,omitempty"`
	ItemsProcessed int            `json:"items_processed"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	ErrorStack     *string        `json:"error_stack,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// LaunchedRun is the acknowledgement returned when a run is accepted.
type LaunchedRun struct {
	RunID   uuid.UUID `json:"run_id"`
	AgentID string    `json:"agent_id"`
	Status  string    `json:"status"`
}

// AuditEvent is one entry in a run's audit trail.
type AuditEvent struct {
	ID          uuid.UUID      `json:"id"`
	SequenceNum int64          `json:"sequence_num"`
	RunID       *uuid.UUID     `json:"run_id,omitempty"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"event_type"`
	Message     string         `json:"message"`
	Severity    string         `json:"severity"`
	Data        map[string]any `json:"data,omitempty"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Agent describes a registered agent and whether its environment is
// currently satisfied.
type Agent struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Enabled              bool     `json:"enabled"`
	Autonomy             string   `json:"autonomy"`
	Schedule             string   `json:"schedule,omitempty"`
	Available            bool     `json:"available"`
}

// Availability is the result of an agent environment check.
type Availability struct {
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing,omitempty"`
}

// BreakerState is a read-only view of one agent's circuit.
type BreakerState struct {
	AgentID     string     `json:"agent_id"`
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Approval is a queue item awaiting or holding a human decision.
type Approval struct {
	ID             uuid.UUID      `json:"id"`
	ItemType       string         `json:"item_type"`
	ItemID         string         `json:"item_id"`
	Recommendation map[string]any `json:"recommendation,omitempty"`
	Priority       string         `json:"priority"`
	Status         string         `json:"status"`
	ReviewedBy     *string        `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DeadLetter is a terminally failed run kept for manual triage.
type DeadLetter struct {
	ID           uuid.UUID      `json:"id"`
	RunID        uuid.UUID      `json:"run_id"`
	AgentID      string         `json:"agent_id"`
	ErrorMessage string         `json:"error_message"`
	ErrorStack   string         `json:"error_stack,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// HealthResponse is the server health status.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ListOptions are pagination and filter options shared by list endpoints.
type ListOptions struct {
	AgentID string
	Status  string
	Limit   int
	Offset  int
}

// RunList is a paginated page of runs.
type RunList struct {
	Runs    []Run
	Total   int
	HasMore bool
}

// ApprovalList is a paginated page of approval items.
type ApprovalList struct {
	Items   []Approval
	Total   int
	HasMore bool
}

// DeadLetterList is a paginated page of dead letters.
type DeadLetterList struct {
	Letters []DeadLetter
	Total   int
	HasMore bool
}
