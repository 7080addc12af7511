package session

import (
	"sync"
	"time"
)

// DefaultTokenTTL is how long a stored resumption token stays usable.
const DefaultTokenTTL = 2 * time.Hour

type tokenEntry struct {
	token    string
	storedAt time.Time
}

// TokenStore holds resumption tokens across session instances, keyed by
// adapter identity. It is process-scoped state created once at startup and
// injected into each state machine; nothing here survives a restart, which
// is a stated requirement rather than a gap.
type TokenStore struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenStore creates a store with the default 2-hour expiry window.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		entries: make(map[string]tokenEntry),
		ttl:     DefaultTokenTTL,
		now:     time.Now,
	}
}

// Put stores or replaces the token for an identity.
func (s *TokenStore) Put(identity, token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.entries[identity] = tokenEntry{token: token, storedAt: s.now()}
	s.mu.Unlock()
}

// Get returns the stored token for an identity. Entries older than the
// expiry window are purged on read.
func (s *TokenStore) Get(identity string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[identity]
	if !ok {
		return "", false
	}
	if s.now().Sub(entry.storedAt) > s.ttl {
		delete(s.entries, identity)
		return "", false
	}
	return entry.token, true
}

// Clear drops the token for an identity.
func (s *TokenStore) Clear(identity string) {
	s.mu.Lock()
	delete(s.entries, identity)
	s.mu.Unlock()
}
