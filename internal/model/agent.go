// Package model defines the core domain types for the Shinrai resilience layer.
//
// All types correspond directly to database tables or to the envelope
// contract every agent implements. Types use strong typing (UUIDs,
// time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AutonomyLevel describes how much an agent may do without a human decision.
type AutonomyLevel string

const (
	AutonomyAdvisory       AutonomyLevel = "advisory"
	AutonomySemiAutonomous AutonomyLevel = "semi_autonomous"
	AutonomyAutonomous     AutonomyLevel = "autonomous"
)

// AgentDescriptor is the static configuration for one registered agent.
// Descriptors are created at process start from a fixed table and are
// immutable for the lifetime of the process.
type AgentDescriptor struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	RequiredCapabilities []string      `json:"required_capabilities"`
	Enabled              bool          `json:"enabled"`
	Autonomy             AutonomyLevel `json:"autonomy"`

	// Schedule is an optional cron expression. Empty means the agent only
	// runs on manual or webhook triggers.
	Schedule string `json:"schedule,omitempty"`
}

// AgentInput is the envelope passed to a single agent invocation.
// Constructed fresh per invocation and owned by the call that creates it.
type AgentInput struct {
	Trigger string         `json:"trigger"`
	Payload map[string]any `json:"payload,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// RunIDKey is the AgentInput.Context key carrying the run identifier.
const RunIDKey = "run_id"

// NewAgentInput builds an input for one invocation of an agent under runID.
func NewAgentInput(trigger string, runID uuid.UUID, payload map[string]any) AgentInput {
	return AgentInput{
		Trigger: trigger,
		Payload: payload,
		Context: map[string]any{RunIDKey: runID.String()},
	}
}

// AgentOutput is the structured outcome of one invocation attempt.
// Never mutated after return.
type AgentOutput struct {
	Success        bool           `json:"success"`
	Data           map[string]any `json:"data,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Reasoning      *string        `json:"reasoning,omitempty"`
	RequiresReview bool           `json:"requires_review"`
	Errors         []string       `json:"errors,omitempty"`
}

// ItemsProcessed extracts the conventional "items_processed" count from the
// output payload. Returns 0 when absent or not numeric.
func (o AgentOutput) ItemsProcessed() int {
	switch v := o.Data["items_processed"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-64 ASCII characters: lowercase alphanumeric, hyphens,
// and underscores, starting with a letter.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent id is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("agent id must be at most 64 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("agent id must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("agent id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// Validate checks descriptor fields that a misconfigured table could break.
func (d AgentDescriptor) Validate() error {
	if err := ValidateAgentID(d.ID); err != nil {
		return err
	}
	if d.Name == "" {
		return fmt.Errorf("agent %s: name is required", d.ID)
	}
	switch d.Autonomy {
	case AutonomyAdvisory, AutonomySemiAutonomous, AutonomyAutonomous:
	default:
		return fmt.Errorf("agent %s: invalid autonomy level %q", d.ID, d.Autonomy)
	}
	return nil
}

// DeadLetter is a durable record of a run that exhausted all retries (or
// failed terminally before any attempt could succeed), kept for manual
// operator triage.
type DeadLetter struct {
	ID           uuid.UUID      `json:"id"`
	RunID        uuid.UUID      `json:"run_id"`
	AgentID      string         `json:"agent_id"`
	ErrorMessage string         `json:"error_message"`
	ErrorStack   string         `json:"error_stack,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
