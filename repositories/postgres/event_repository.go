package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"go.uber.org/zap"
)

const eventColumns = `sequence_id, timestamp, user_email, session_id, agent_name, phase, tool_name, status, duration_ms, payload`

// appendLockKey is the advisory lock that orders event inserts. BIGSERIAL hands out ids
// at insert time, so without it a later id can commit first and a poller reading
// "sequence_id > last" would skip the earlier one forever. Holding the lock until
// commit makes commit order equal id order.
const appendLockKey int64 = 0x65786576 // "exev"

// EventRepository implements the repositories.ExecutionEventRepository interface.
type EventRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewEventRepository creates a new execution event repository
func NewEventRepository(db *DB, logger *zap.Logger) repositories.ExecutionEventRepository {
	return &EventRepository{
		db:     db,
		logger: logger,
	}
}

// Append stores the event and returns its sequence id. Inside a caller's transaction the
// append lock is held until that transaction ends; otherwise Append runs its own.
func (r *EventRepository) Append(ctx context.Context, event *models.ExecutionEvent) (int64, error) {
	if tx := r.currentTx(ctx); tx != nil {
		return r.insert(ctx, tx, event)
	}

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to append execution event: %w", err)
	}
	seq, err := r.insert(ctx, sqlTx, event)
	if err != nil {
		_ = sqlTx.Rollback()
		return 0, err
	}
	if err := sqlTx.Commit(); err != nil {
		event.SequenceID = 0
		return 0, fmt.Errorf("failed to commit execution event: %w", err)
	}
	return seq, nil
}

func (r *EventRepository) currentTx(ctx context.Context) *sql.Tx {
	if r.tx != nil {
		return r.tx.GetTx()
	}
	if tx, ok := GetTransactionFromContext(ctx); ok {
		if pgTx := asTransaction(tx); pgTx != nil {
			return pgTx.GetTx()
		}
	}
	return nil
}

func (r *EventRepository) insert(ctx context.Context, tx *sql.Tx, event *models.ExecutionEvent) (int64, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return 0, fmt.Errorf("failed to acquire event append lock: %w", err)
	}

	query := `
		INSERT INTO execution_events (timestamp, user_email, session_id, agent_name, phase, tool_name, status, duration_ms, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING sequence_id
	`

	var seq int64
	err := tx.QueryRowContext(ctx, query,
		event.Timestamp,
		event.UserEmail,
		event.SessionID,
		event.AgentName,
		event.Phase,
		event.ToolName,
		event.Status,
		event.DurationMs,
		nullableJSON(event.Payload),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append execution event: %w", err)
	}

	event.SequenceID = seq
	r.logger.Debug("execution event appended",
		zap.Int64("sequence_id", seq),
		zap.String("session_id", event.SessionID),
		zap.String("phase", event.Phase),
	)
	return seq, nil
}

// ReadSince returns events with sequence id > after in ascending order
func (r *EventRepository) ReadSince(ctx context.Context, after int64, filter repositories.EventFilter) ([]*models.ExecutionEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM execution_events
		WHERE sequence_id > $1 AND ($2 = '' OR user_email = $2)
		ORDER BY sequence_id ASC`
	args := []interface{}{after, filter.OwnerEmail}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	return r.query(ctx, query, args...)
}

// ReadRecent returns the newest filter.Limit events with sequence id <= upTo, ascending
func (r *EventRepository) ReadRecent(ctx context.Context, upTo int64, filter repositories.EventFilter) ([]*models.ExecutionEvent, error) {
	if filter.Limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + eventColumns + ` FROM (
			SELECT ` + eventColumns + `
			FROM execution_events
			WHERE sequence_id <= $1 AND ($2 = '' OR user_email = $2)
			ORDER BY sequence_id DESC
			LIMIT $3
		) recent
		ORDER BY sequence_id ASC`

	return r.query(ctx, query, upTo, filter.OwnerEmail, filter.Limit)
}

// CountSince counts events with sequence id > after
func (r *EventRepository) CountSince(ctx context.Context, after int64, filter repositories.EventFilter) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM execution_events
		WHERE sequence_id > $1 AND ($2 = '' OR user_email = $2)
	`

	executor := executorFor(ctx, r.db, r.tx)
	var count int64
	if err := executor.QueryRowContext(ctx, query, after, filter.OwnerEmail).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count execution events: %w", err)
	}
	return count, nil
}

// LatestSequenceID returns the highest assigned sequence id, or 0 when the log is empty
func (r *EventRepository) LatestSequenceID(ctx context.Context) (int64, error) {
	query := `SELECT COALESCE(MAX(sequence_id), 0) FROM execution_events`

	executor := executorFor(ctx, r.db, r.tx)
	var seq int64
	if err := executor.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest sequence id: %w", err)
	}
	return seq, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *EventRepository) WithTx(tx repositories.Transaction) repositories.ExecutionEventRepository {
	return &EventRepository{
		db:     r.db,
		tx:     asTransaction(tx),
		logger: r.logger,
	}
}

func (r *EventRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.ExecutionEvent, error) {
	executor := executorFor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution events: %w", err)
	}
	defer rows.Close()

	var events []*models.ExecutionEvent
	for rows.Next() {
		event := &models.ExecutionEvent{}
		var toolName sql.NullString
		var payload []byte
		err := rows.Scan(
			&event.SequenceID,
			&event.Timestamp,
			&event.UserEmail,
			&event.SessionID,
			&event.AgentName,
			&event.Phase,
			&toolName,
			&event.Status,
			&event.DurationMs,
			&payload,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution event: %w", err)
		}
		if toolName.Valid {
			name := toolName.String
			event.ToolName = &name
		}
		if len(payload) > 0 {
			event.Payload = json.RawMessage(payload)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution event rows: %w", err)
	}

	return events, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
