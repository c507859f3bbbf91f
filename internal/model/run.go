package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
//
// Transitions are monotonic: pending -> running -> exactly one terminal
// state. No terminal state is ever revisited.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartial, RunStatusError:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status machine allows moving from s
// to next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning
	case RunStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// RunRecord is the persistent record of one agent run. The run ID is
// allocated by the caller before execution starts, so a crash mid-run is
// always reconstructable from the record and its audit trail.
type RunRecord struct {
	ID             uuid.UUID      `json:"id"`
	AgentID        string         `json:"agent_id"`
	Trigger        string         `json:"trigger"`
	Status         RunStatus      `json:"status"`
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

// RunPatch is a partial update applied to a RunRecord. Nil fields are left
// unchanged. Mirrors the narrow updateRunRecord(runId, patch) store call.
type RunPatch struct {
	Status         *RunStatus
	RetryCount     *int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationMs     *int64
	ItemsProcessed *int
	ErrorMessage   *string
	ErrorStack     *string
	Output         map[string]any
}
