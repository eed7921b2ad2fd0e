package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"go.uber.org/zap"
)

// UserRepository implements the repositories.UserRepository interface
type UserRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB, logger *zap.Logger) repositories.UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	executor := executorFor(ctx, r.db, r.tx)
	_, err := executor.ExecContext(ctx, query,
		user.Email,
		user.PasswordHash,
		user.Role,
		user.CreatedAt,
		user.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Email, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	r.logger.Debug("user created", zap.String("email", user.Email), zap.String("role", string(user.Role)))
	return nil
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT email, password_hash, role, created_at, updated_at, disabled_at
		FROM users
		WHERE email = $1
	`

	executor := executorFor(ctx, r.db, r.tx)
	user, err := scanUser(executor.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", email, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// List retrieves all users ordered by creation time
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT email, password_hash, role, created_at, updated_at, disabled_at
		FROM users
		ORDER BY created_at ASC
	`

	executor := executorFor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	return users, nil
}

// UpdatePassword replaces the stored digest
func (r *UserRepository) UpdatePassword(ctx context.Context, email, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $2,
		    updated_at = $3
		WHERE email = $1
	`
	return r.execOne(ctx, "update password", query, email, passwordHash, time.Now().UTC())
}

// Disable soft-disables a user
func (r *UserRepository) Disable(ctx context.Context, email string, at time.Time) error {
	query := `
		UPDATE users
		SET disabled_at = COALESCE(disabled_at, $2),
		    updated_at = $2
		WHERE email = $1
	`
	return r.execOne(ctx, "disable user", query, email, at)
}

func (r *UserRepository) execOne(ctx context.Context, op, query string, email string, args ...interface{}) error {
	executor := executorFor(ctx, r.db, r.tx)
	result, err := executor.ExecContext(ctx, query, append([]interface{}{email}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", email, repositories.ErrNotFound)
	}

	r.logger.Debug("user updated", zap.String("email", email), zap.String("op", op))
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *UserRepository) WithTx(tx repositories.Transaction) repositories.UserRepository {
	return &UserRepository{
		db:     r.db,
		tx:     asTransaction(tx),
		logger: r.logger,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	var disabledAt sql.NullTime
	err := row.Scan(
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
		&disabledAt,
	)
	if err != nil {
		return nil, err
	}
	if disabledAt.Valid {
		t := disabledAt.Time
		user.DisabledAt = &t
	}
	return user, nil
}
