package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/agent-telemetry/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB adopts an already opened pool. Used by tests and the admin CLI.
func WrapDB(sqlDB *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: sqlDB, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// schema is applied by InitSchema; every statement is idempotent
const schema = `
	CREATE TABLE IF NOT EXISTS users (
		email VARCHAR(320) PRIMARY KEY,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(20) NOT NULL CHECK (role IN ('standard', 'admin')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		disabled_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS revoked_sessions (
		jti VARCHAR(64) PRIMARY KEY,
		revoked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS execution_events (
		sequence_id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		user_email VARCHAR(320) NOT NULL,
		session_id VARCHAR(128) NOT NULL,
		agent_name VARCHAR(128) NOT NULL,
		phase VARCHAR(64) NOT NULL,
		tool_name VARCHAR(128),
		status VARCHAR(16) NOT NULL CHECK (status IN ('success', 'error')),
		duration_ms BIGINT NOT NULL DEFAULT 0,
		payload JSONB
	);

	CREATE TABLE IF NOT EXISTS session_cost_summaries (
		session_id VARCHAR(128) PRIMARY KEY,
		owner_email VARCHAR(320) NOT NULL,
		input_tokens BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		cost DOUBLE PRECISION NOT NULL,
		budget_limit DOUBLE PRECISION NOT NULL,
		state VARCHAR(16) NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_execution_events_user_seq ON execution_events(user_email, sequence_id);
	CREATE INDEX IF NOT EXISTS idx_execution_events_session ON execution_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_session_cost_summaries_owner ON session_cost_summaries(owner_email, ended_at);
`

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
