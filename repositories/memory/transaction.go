package memory

import (
	"context"

	"github.com/upb/agent-telemetry/repositories"
)

// TransactionManager satisfies repositories.TransactionManager for the in-memory stores.
// Writes are applied immediately, so Rollback cannot undo them.
type TransactionManager struct{}

// NewTransactionManager creates a transaction manager for in-memory stores
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{}
}

// Begin starts a new transaction
func (m *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &transaction{ctx: ctx}, nil
}

// InTransaction executes fn and reports its error
func (m *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, &transaction{ctx: ctx})
}

type transaction struct {
	ctx context.Context
}

func (t *transaction) Commit() error            { return nil }
func (t *transaction) Rollback() error          { return nil }
func (t *transaction) Context() context.Context { return t.ctx }

// NewRepositories returns a fresh set of in-memory repositories
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Users:         NewUserStore(),
		Events:        NewEventStore(),
		Revocations:   NewRevocationStore(),
		CostSummaries: NewCostSummaryStore(),
	}
}
