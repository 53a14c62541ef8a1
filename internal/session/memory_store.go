package session

import (
	"context"
	"sync"
	"time"

	"github.com/oscarbot/agent-gateway/internal/config"
)

type memoryEntry struct {
	sessionID string
	expiresAt time.Time
}

// MemoryStore implements Store in process memory. It backs local development
// runs without a context table and the fakes used in tests. Expired entries
// are dropped on read rather than swept.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	sessionTTL time.Duration
	dedupTTL   time.Duration
	now        func() time.Time
}

// NewMemoryStore creates an in-process store with the configured TTLs
func NewMemoryStore(cfg *config.Config) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		sessionTTL: time.Duration(cfg.SessionTTL) * time.Second,
		dedupTTL:   time.Duration(cfg.DedupTTL) * time.Second,
		now:        time.Now,
	}
}

// GetSession returns the agent session id stored for a conversation
func (s *MemoryStore) GetSession(ctx context.Context, channel, threadTS string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[sessionKey(channel, threadTS)]
	if !ok || entry.expiresAt.Before(s.now()) {
		return "", nil
	}
	return entry.sessionID, nil
}

// PutSession stores the agent session id for a conversation with a fresh TTL
func (s *MemoryStore) PutSession(ctx context.Context, channel, threadTS, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[sessionKey(channel, threadTS)] = memoryEntry{
		sessionID: sessionID,
		expiresAt: s.now().Add(s.sessionTTL),
	}
	return nil
}

// ClaimEvent records a Slack event id, reporting false for duplicates
func (s *MemoryStore) ClaimEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(eventID)
	if entry, ok := s.entries[key]; ok && entry.expiresAt.After(s.now()) {
		return false, nil
	}
	s.entries[key] = memoryEntry{expiresAt: s.now().Add(s.dedupTTL)}
	return true, nil
}
