package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
)

// CostSummaryStore is an in-memory CostSummaryRepository
type CostSummaryStore struct {
	mu        sync.RWMutex
	summaries map[string]*models.SessionCostSummary
}

// NewCostSummaryStore creates an empty summary store
func NewCostSummaryStore() *CostSummaryStore {
	return &CostSummaryStore{summaries: make(map[string]*models.SessionCostSummary)}
}

// Save inserts or replaces the summary for a session
func (s *CostSummaryStore) Save(_ context.Context, summary *models.SessionCostSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *summary
	s.summaries[summary.SessionID] = &c
	return nil
}

// GetBySessionID retrieves a persisted summary
func (s *CostSummaryStore) GetBySessionID(_ context.Context, sessionID string) (*models.SessionCostSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[sessionID]
	if !ok {
		return nil, fmt.Errorf("cost summary %s: %w", sessionID, repositories.ErrNotFound)
	}
	c := *summary
	return &c, nil
}

// ListByOwner retrieves summaries for an owner, newest first
func (s *CostSummaryStore) ListByOwner(_ context.Context, ownerEmail string, limit int) ([]*models.SessionCostSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SessionCostSummary
	for _, summary := range s.summaries {
		if summary.OwnerEmail == ownerEmail {
			c := *summary
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WithTx returns the store itself
func (s *CostSummaryStore) WithTx(repositories.Transaction) repositories.CostSummaryRepository {
	return s
}
