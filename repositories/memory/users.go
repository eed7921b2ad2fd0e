package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
)

// UserStore is an in-memory UserRepository
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewUserStore creates an empty user store
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*models.User)}
}

// Create creates a new user
func (s *UserStore) Create(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Email]; exists {
		return fmt.Errorf("user %s: %w", user.Email, repositories.ErrDuplicate)
	}
	stored := *user
	s.users[user.Email] = &stored
	return nil
}

// GetByEmail retrieves a user by email
func (s *UserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, repositories.ErrNotFound)
	}
	c := *user
	return &c, nil
}

// List retrieves all users ordered by creation time
func (s *UserStore) List(_ context.Context) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Email < out[j].Email
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdatePassword replaces the stored digest
func (s *UserStore) UpdatePassword(_ context.Context, email, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[email]
	if !ok {
		return fmt.Errorf("user %s: %w", email, repositories.ErrNotFound)
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = time.Now().UTC()
	return nil
}

// Disable soft-disables a user. The first disable time is kept.
func (s *UserStore) Disable(_ context.Context, email string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[email]
	if !ok {
		return fmt.Errorf("user %s: %w", email, repositories.ErrNotFound)
	}
	if user.DisabledAt == nil {
		disabled := at
		user.DisabledAt = &disabled
	}
	user.UpdatedAt = at
	return nil
}

// WithTx returns the store itself
func (s *UserStore) WithTx(repositories.Transaction) repositories.UserRepository {
	return s
}
