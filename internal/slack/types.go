package slack

import (
	"context"
	"time"

	"github.com/slack-go/slack"

	"github.com/oscarbot/agent-gateway/internal/bedrock"
)

// Message is a normalized inbound Slack message, independent of whether it
// arrived over the events endpoint or Socket Mode
type Message struct {
	// EventID is the Slack event id used for dedup; empty when the
	// transport did not carry one
	EventID string

	// Channel is the channel or DM the message was posted in
	Channel string

	// UserID is the posting user
	UserID string

	// Text is the raw message text, bot mention included
	Text string

	// ThreadTS keys the conversation: the parent thread timestamp, or the
	// message's own timestamp for a top-level message
	ThreadTS string

	// IsMention is true for app_mention events, false for DMs
	IsMention bool
}

// AgentInvoker is the agent client surface the pipeline drives
type AgentInvoker interface {
	// Invoke submits a query and reduces the response stream
	Invoke(ctx context.Context, query string, privilege bool, sessionID string) (*bedrock.Result, error)

	// InvokeTimeout is the configured per-invocation deadline
	InvokeTimeout() time.Duration

	// MaxRetries is the configured retry budget for one query
	MaxRetries() int
}

// MessagePoster is the subset of the Slack client used to reply
type MessagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}
