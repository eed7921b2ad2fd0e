package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"go.uber.org/zap"
)

const summaryColumns = `session_id, owner_email, input_tokens, output_tokens, cost, budget_limit, state, started_at, ended_at`

// CostSummaryRepository implements the repositories.CostSummaryRepository interface
type CostSummaryRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewCostSummaryRepository creates a new cost summary repository
func NewCostSummaryRepository(db *DB, logger *zap.Logger) repositories.CostSummaryRepository {
	return &CostSummaryRepository{
		db:     db,
		logger: logger,
	}
}

// Save inserts or replaces the summary for a session
func (r *CostSummaryRepository) Save(ctx context.Context, summary *models.SessionCostSummary) error {
	query := `
		INSERT INTO session_cost_summaries (` + summaryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cost = EXCLUDED.cost,
			budget_limit = EXCLUDED.budget_limit,
			state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at
	`

	executor := executorFor(ctx, r.db, r.tx)
	_, err := executor.ExecContext(ctx, query,
		summary.SessionID,
		summary.OwnerEmail,
		summary.InputTokens,
		summary.OutputTokens,
		summary.Cost,
		summary.Limit,
		summary.State,
		summary.StartedAt,
		summary.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save cost summary: %w", err)
	}

	r.logger.Debug("cost summary saved", zap.String("session_id", summary.SessionID), zap.String("state", summary.State))
	return nil
}

// GetBySessionID retrieves a persisted summary
func (r *CostSummaryRepository) GetBySessionID(ctx context.Context, sessionID string) (*models.SessionCostSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM session_cost_summaries WHERE session_id = $1`

	executor := executorFor(ctx, r.db, r.tx)
	summary, err := scanSummary(executor.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cost summary %s: %w", sessionID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get cost summary: %w", err)
	}
	return summary, nil
}

// ListByOwner retrieves summaries for an owner, newest first
func (r *CostSummaryRepository) ListByOwner(ctx context.Context, ownerEmail string, limit int) ([]*models.SessionCostSummary, error) {
	query := `
		SELECT ` + summaryColumns + `
		FROM session_cost_summaries
		WHERE owner_email = $1
		ORDER BY ended_at DESC
		LIMIT $2
	`

	executor := executorFor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query, ownerEmail, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*models.SessionCostSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cost summary: %w", err)
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost summary rows: %w", err)
	}

	return summaries, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *CostSummaryRepository) WithTx(tx repositories.Transaction) repositories.CostSummaryRepository {
	return &CostSummaryRepository{
		db:     r.db,
		tx:     asTransaction(tx),
		logger: r.logger,
	}
}

func scanSummary(row rowScanner) (*models.SessionCostSummary, error) {
	summary := &models.SessionCostSummary{}
	err := row.Scan(
		&summary.SessionID,
		&summary.OwnerEmail,
		&summary.InputTokens,
		&summary.OutputTokens,
		&summary.Cost,
		&summary.Limit,
		&summary.State,
		&summary.StartedAt,
		&summary.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return summary, nil
}
