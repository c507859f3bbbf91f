package shinrai

// AgentInput is the public envelope passed to a custom agent invocation.
// It mirrors the internal input type so external agents need no internal
// package imports.
type AgentInput struct {
	// Trigger is what started the run: "manual", "scheduled" or "webhook".
	Trigger string
	// Payload is caller-supplied data (webhook body or manual request).
	Payload map[string]any
	// Context carries envelope metadata such as the run id under "run_id".
	Context map[string]any
}

// AgentOutput is the public result of one agent invocation attempt.
type AgentOutput struct {
	// Success false marks the attempt failed; the envelope will retry it.
	Success bool
	// Data is the agent's structured result, recorded on the run.
	Data map[string]any
	// Confidence in [0.0, 1.0], if the agent reports one.
	Confidence *float64
	// Reasoning is an optional free-text explanation.
	Reasoning *string
	// RequiresReview routes the result through the human approval queue.
	RequiresReview bool
	// Errors collects non-fatal item errors. Success true with errors
	// present yields a partial run.
	Errors []string
}

// AgentDescriptor declares a custom agent to the registry.
type AgentDescriptor struct {
	ID   string
	Name string
	// RequiredCapabilities lists environment variables that must be
	// non-empty for the agent to be available.
	RequiredCapabilities []string
	Enabled              bool
	// Autonomy is one of "advisory", "semi_autonomous" or "autonomous".
	Autonomy string
	// Schedule is an optional cron expression; empty means manual and
	// webhook triggers only.
	Schedule string
}
