package bedrock

import "time"

// Result is the reduced outcome of one agent invocation.
type Result struct {
	ResponseText string
	SessionID    string
}

// AgentTarget identifies a remote agent by its id/alias pair.
type AgentTarget struct {
	AgentID string
	AliasID string
}

// Options configures the agent client.
type Options struct {
	// Privileged is the full-featured supervisor agent pair.
	Privileged AgentTarget
	// Limited is the restricted-capability agent pair.
	Limited AgentTarget

	// Timeout and MaxRetries are advisory. The client performs no retries
	// and enforces no deadline itself; callers apply both around Invoke.
	Timeout    time.Duration
	MaxRetries int

	// QueryPreviewLength bounds how much of the query text reaches logs.
	QueryPreviewLength int
}
