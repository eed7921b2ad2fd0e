package memory

import (
	"context"
	"sync"

	"github.com/upb/agent-telemetry/models"
)

// RevocationStore is an in-memory RevocationRepository
type RevocationStore struct {
	mu      sync.RWMutex
	revoked map[string]models.RevocationEntry
	failErr error
}

// NewRevocationStore creates an empty revocation store
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{revoked: make(map[string]models.RevocationEntry)}
}

// Fail makes every subsequent lookup return err; nil restores normal operation
func (s *RevocationStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Revoke records the entry. An existing entry keeps its original timestamp.
func (s *RevocationStore) Revoke(_ context.Context, entry *models.RevocationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, exists := s.revoked[entry.JTI]; !exists {
		s.revoked[entry.JTI] = *entry
	}
	return nil
}

// IsRevoked reports whether the id was revoked
func (s *RevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return false, s.failErr
	}
	_, ok := s.revoked[jti]
	return ok, nil
}

// Len returns the number of revoked ids
func (s *RevocationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revoked)
}
