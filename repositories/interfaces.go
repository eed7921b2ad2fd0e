package repositories

import (
	"context"
	"time"

	"github.com/upb/agent-telemetry/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// EventFilter narrows event reads. An empty OwnerEmail means unfiltered.
// Limit bounds the number of rows returned; zero means no bound.
type EventFilter struct {
	OwnerEmail string
	Limit      int
}

// Matches reports whether an event passes the owner filter
func (f EventFilter) Matches(e *models.ExecutionEvent) bool {
	return f.OwnerEmail == "" || e.UserEmail == f.OwnerEmail
}

// ExecutionEventRepository is the append-only execution event log
type ExecutionEventRepository interface {
	// Append stores the event and returns its assigned sequence id.
	// The id is also written back into event.SequenceID.
	Append(ctx context.Context, event *models.ExecutionEvent) (int64, error)

	// ReadSince returns events with sequence id > after in ascending order
	ReadSince(ctx context.Context, after int64, filter EventFilter) ([]*models.ExecutionEvent, error)

	// ReadRecent returns the last filter.Limit events with sequence id <= upTo in ascending order
	ReadRecent(ctx context.Context, upTo int64, filter EventFilter) ([]*models.ExecutionEvent, error)

	// CountSince counts events with sequence id > after
	CountSince(ctx context.Context, after int64, filter EventFilter) (int64, error)

	// LatestSequenceID returns the highest assigned sequence id, or 0 when empty
	LatestSequenceID(ctx context.Context) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ExecutionEventRepository
}

// UserRepository handles user data operations
type UserRepository interface {
	// Create creates a new user
	Create(ctx context.Context, user *models.User) error

	// GetByEmail retrieves a user by email
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// List retrieves all users ordered by creation time
	List(ctx context.Context) ([]*models.User, error)

	// UpdatePassword replaces the stored digest
	UpdatePassword(ctx context.Context, email, passwordHash string) error

	// Disable soft-disables a user
	Disable(ctx context.Context, email string, at time.Time) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) UserRepository
}

// RevocationRepository persists revoked token ids
type RevocationRepository interface {
	// Revoke inserts the entry. Revoking an already revoked id is a no-op.
	Revoke(ctx context.Context, entry *models.RevocationEntry) error

	// IsRevoked reports whether the id was revoked
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// CostSummaryRepository stores summaries of finished budget sessions
type CostSummaryRepository interface {
	// Save inserts or replaces the summary for a session
	Save(ctx context.Context, summary *models.SessionCostSummary) error

	// GetBySessionID retrieves a persisted summary
	GetBySessionID(ctx context.Context, sessionID string) (*models.SessionCostSummary, error)

	// ListByOwner retrieves summaries for an owner, newest first
	ListByOwner(ctx context.Context, ownerEmail string, limit int) ([]*models.SessionCostSummary, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) CostSummaryRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Users         UserRepository
	Events        ExecutionEventRepository
	Revocations   RevocationRepository
	CostSummaries CostSummaryRepository
}
