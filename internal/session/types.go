package session

import "context"

// Store persists conversation context between Slack events
type Store interface {
	// GetSession returns the agent session id stored for a conversation,
	// or "" when nothing is stored or the entry has expired
	GetSession(ctx context.Context, channel, threadTS string) (string, error)

	// PutSession stores the agent session id for a conversation
	PutSession(ctx context.Context, channel, threadTS, sessionID string) error

	// ClaimEvent records a Slack event id. It returns false when the id
	// was already claimed, meaning this delivery is a retry of an event
	// that is already being processed
	ClaimEvent(ctx context.Context, eventID string) (bool, error)
}

// sessionKey builds the partition key for a conversation's session mapping.
// Thread replies and top-level messages in the same thread share a key.
func sessionKey(channel, threadTS string) string {
	return "session#" + channel + "#" + threadTS
}

// eventKey builds the partition key for an event dedup marker
func eventKey(eventID string) string {
	return "event#" + eventID
}
