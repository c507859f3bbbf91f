// Package agent defines the execution contract every agent implements and
// the small set of built-in agents that ship with the layer.
//
// The resilience envelope never inspects agent-specific payload shapes
// beyond the common AgentOutput fields; anything an agent does internally
// (scoring, content generation) is its own business.
package agent

import (
	"context"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// Agent is a unit of autonomous work exposing a single execute operation.
type Agent interface {
	Execute(ctx context.Context, input model.AgentInput) (model.AgentOutput, error)
}

// Func adapts a plain function to the Agent interface.
type Func func(ctx context.Context, input model.AgentInput) (model.AgentOutput, error)

// Execute implements Agent.
func (f Func) Execute(ctx context.Context, input model.AgentInput) (model.AgentOutput, error) {
	return f(ctx, input)
}
