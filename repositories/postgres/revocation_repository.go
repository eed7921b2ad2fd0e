package postgres

import (
	"context"
	"fmt"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"go.uber.org/zap"
)

// RevocationRepository implements the repositories.RevocationRepository interface
type RevocationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRevocationRepository creates a new revocation repository
func NewRevocationRepository(db *DB, logger *zap.Logger) repositories.RevocationRepository {
	return &RevocationRepository{
		db:     db,
		logger: logger,
	}
}

// Revoke inserts the entry; an existing entry keeps its original timestamp
func (r *RevocationRepository) Revoke(ctx context.Context, entry *models.RevocationEntry) error {
	query := `
		INSERT INTO revoked_sessions (jti, revoked_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, entry.JTI, entry.RevokedAt); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	r.logger.Debug("token revoked", zap.String("jti", entry.JTI))
	return nil
}

// IsRevoked reports whether the id was revoked
func (r *RevocationRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM revoked_sessions WHERE jti = $1)`

	executor := GetExecutor(ctx, r.db)
	var revoked bool
	if err := executor.QueryRowContext(ctx, query, jti).Scan(&revoked); err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked, nil
}
