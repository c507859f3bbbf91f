package runner

import (
	"fmt"
	"strings"
)

// CircuitOpenError is returned when the breaker rejects a run without
// attempting execution. It is terminal immediately and does not count as a
// circuit failure — it is a rejection, not an execution attempt.
type CircuitOpenError struct {
	AgentID  string
	Failures int
}

// Error implements error.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("runner: circuit open for agent %q (%d recent failures)", e.AgentID, e.Failures)
}

// ExecutionError is an agent invocation that completed but reported
// failure (success=false). Retryable.
type ExecutionError struct {
	AgentID string
	Errors  []string
}

// Error implements error.
func (e *ExecutionError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("runner: agent %q reported failure", e.AgentID)
	}
	return fmt.Sprintf("runner: agent %q reported failure: %s", e.AgentID, strings.Join(e.Errors, "; "))
}
