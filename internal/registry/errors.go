package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies registry resolution failures so callers can distinguish
// "not configured" from "not implemented yet". All kinds are non-retryable:
// retrying never fixes a missing descriptor or credential.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindDisabled          Kind = "disabled"
	KindMissingCapability Kind = "missing_capability"
	KindResolutionFailed  Kind = "resolution_failed"
)

// Error is a registry resolution failure.
type Error struct {
	Kind    Kind
	AgentID string
	Missing []string // populated for KindMissingCapability
	Err     error    // populated for KindResolutionFailed
}

// Error implements error.
func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("registry: agent %q not found", e.AgentID)
	case KindDisabled:
		return fmt.Sprintf("registry: agent %q is disabled", e.AgentID)
	case KindMissingCapability:
		return fmt.Sprintf("registry: agent %q missing capabilities: %s", e.AgentID, strings.Join(e.Missing, ", "))
	case KindResolutionFailed:
		return fmt.Sprintf("registry: agent %q resolution failed: %v", e.AgentID, e.Err)
	default:
		return fmt.Sprintf("registry: agent %q: unknown error", e.AgentID)
	}
}

// Unwrap exposes the construction error, if any.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a registry error, or "" for any other error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
