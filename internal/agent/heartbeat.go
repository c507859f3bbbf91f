package agent

import (
	"context"
	"time"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// Heartbeat is the trivial built-in agent: it always succeeds. Operators
// use it to verify the execution envelope end to end (run records, audit
// trail, circuit breaker recovery) without touching any external system.
type Heartbeat struct {
	startedAt time.Time
}

// NewHeartbeat creates the heartbeat agent.
func NewHeartbeat() *Heartbeat {
	return &Heartbeat{startedAt: time.Now().UTC()}
}

// Execute implements Agent.
func (h *Heartbeat) Execute(_ context.Context, input model.AgentInput) (model.AgentOutput, error) {
	conf := 1.0
	return model.AgentOutput{
		Success:    true,
		Confidence: &conf,
		Data: map[string]any{
			"items_processed": 1,
			"trigger":         input.Trigger,
			"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
		},
	}, nil
}
