package shinrai

import "context"

// Agent is a unit of autonomous work registered via WithAgent. Execute is
// called once per attempt; the envelope handles retries, circuit breaking
// and audit recording around it. Implementations must honor ctx
// cancellation and must not retry internally.
type Agent interface {
	Execute(ctx context.Context, input AgentInput) (AgentOutput, error)
}

// AgentFactory constructs an agent instance. Called lazily on first
// resolve and the result is cached, so construction may do expensive
// setup (clients, connections) exactly once.
type AgentFactory func(ctx context.Context) (Agent, error)
