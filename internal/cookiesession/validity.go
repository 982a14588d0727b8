package cookiesession

import (
	"context"
	"sync"
	"time"
)

// ValidityStore answers whether a session id is still valid. Sessions are
// valid until explicitly invalidated (logout, admin revocation); the
// store may live outside the process so every node sees an invalidation.
type ValidityStore interface {
	IsValid(ctx context.Context, sessionID string) (bool, error)
	// Invalidate marks the id invalid for at least ttl.
	Invalidate(ctx context.Context, sessionID string, ttl time.Duration) error
}

// MemoryValidityStore is the single-process implementation.
type MemoryValidityStore struct {
	mu      sync.Mutex
	invalid map[string]time.Time
}

func NewMemoryValidityStore() *MemoryValidityStore {
	return &MemoryValidityStore{invalid: make(map[string]time.Time)}
}

func (s *MemoryValidityStore) IsValid(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.invalid[sessionID]
	if !ok {
		return true, nil
	}
	if time.Now().After(until) {
		delete(s.invalid, sessionID)
		return true, nil
	}
	return false, nil
}

func (s *MemoryValidityStore) Invalidate(ctx context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid[sessionID] = time.Now().Add(ttl)
	return nil
}
