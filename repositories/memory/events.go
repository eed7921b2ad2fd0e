// Package memory holds process-local repository implementations used for
// single-node deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
)

// EventStore is an in-memory append-only execution event log.
// Events are kept in sequence order so reads can binary search the offset.
type EventStore struct {
	mu     sync.RWMutex
	events []*models.ExecutionEvent
	next   int64
	// failErr, when set, is returned by every call. Tests use it to simulate outages.
	failErr error
}

// NewEventStore creates an empty event store
func NewEventStore() *EventStore {
	return &EventStore{next: 1}
}

// Fail makes every subsequent call return err; nil restores normal operation
func (s *EventStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Append stores a copy of the event and returns its sequence id
func (s *EventStore) Append(_ context.Context, event *models.ExecutionEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}

	seq := s.next
	s.next++
	event.SequenceID = seq
	stored := *event
	s.events = append(s.events, &stored)
	return seq, nil
}

// ReadSince returns events with sequence id > after in ascending order
func (s *EventStore) ReadSince(_ context.Context, after int64, filter repositories.EventFilter) ([]*models.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	start := sort.Search(len(s.events), func(i int) bool { return s.events[i].SequenceID > after })
	var out []*models.ExecutionEvent
	for _, e := range s.events[start:] {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, copyEvent(e))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ReadRecent returns the newest filter.Limit events with sequence id <= upTo, ascending
func (s *EventStore) ReadRecent(_ context.Context, upTo int64, filter repositories.EventFilter) ([]*models.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	if filter.Limit <= 0 {
		return nil, nil
	}

	end := sort.Search(len(s.events), func(i int) bool { return s.events[i].SequenceID > upTo })
	var reversed []*models.ExecutionEvent
	for i := end - 1; i >= 0 && len(reversed) < filter.Limit; i-- {
		if filter.Matches(s.events[i]) {
			reversed = append(reversed, copyEvent(s.events[i]))
		}
	}

	out := make([]*models.ExecutionEvent, len(reversed))
	for i, e := range reversed {
		out[len(reversed)-1-i] = e
	}
	return out, nil
}

// CountSince counts events with sequence id > after
func (s *EventStore) CountSince(_ context.Context, after int64, filter repositories.EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return 0, s.failErr
	}

	start := sort.Search(len(s.events), func(i int) bool { return s.events[i].SequenceID > after })
	var n int64
	for _, e := range s.events[start:] {
		if filter.Matches(e) {
			n++
		}
	}
	return n, nil
}

// LatestSequenceID returns the highest assigned sequence id, or 0 when empty
func (s *EventStore) LatestSequenceID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	return s.next - 1, nil
}

// WithTx returns the store itself; appends are immediately durable in memory
func (s *EventStore) WithTx(repositories.Transaction) repositories.ExecutionEventRepository {
	return s
}

func copyEvent(e *models.ExecutionEvent) *models.ExecutionEvent {
	c := *e
	return &c
}
