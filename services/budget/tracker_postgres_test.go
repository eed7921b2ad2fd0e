package budget

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/upb/agent-telemetry/repositories/memory"
	"github.com/upb/agent-telemetry/repositories/postgres"
	"github.com/upb/agent-telemetry/services"
)

func newPostgresTracker(t *testing.T) (*Tracker, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db := postgres.WrapDB(sqlDB, zap.NewNop())
	repos := memory.NewRepositories()
	repos.CostSummaries = postgres.NewCostSummaryRepository(db, zap.NewNop())
	repos.Events = postgres.NewEventRepository(db, zap.NewNop())

	tracker, err := NewTracker(testConfig(), repos, postgres.NewTransactionManager(db, zap.NewNop()), zaptest.NewLogger(t))
	require.NoError(t, err)
	return tracker, mock
}

func expectSessionEnd(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_cost_summaries")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestTracker_EndCommitsSummaryAndEventTogether(t *testing.T) {
	tracker, mock := newPostgresTracker(t)
	ctx := context.Background()

	_, err := tracker.Start(ctx, StartRequest{SessionID: "s1", OwnerEmail: "a@x.com", Limit: 1})
	require.NoError(t, err)
	_, err = tracker.Process("s1", Usage{Cost: 0.4})
	require.NoError(t, err)

	expectSessionEnd(mock)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO execution_events")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_id"}).AddRow(int64(9)))
	mock.ExpectCommit()

	final, err := tracker.End(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, final.Cost)
	assert.Zero(t, tracker.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_EndRollsBackWhenEventAppendFails(t *testing.T) {
	tracker, mock := newPostgresTracker(t)
	ctx := context.Background()

	_, err := tracker.Start(ctx, StartRequest{SessionID: "s1", OwnerEmail: "a@x.com"})
	require.NoError(t, err)

	expectSessionEnd(mock)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO execution_events")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = tracker.End(ctx, "s1")
	require.Error(t, err)
	assert.True(t, services.IsStoreError(err))
	assert.Equal(t, 1, tracker.Len(), "session stays live after rollback")
	assert.NoError(t, mock.ExpectationsWereMet())

	// a retry after the failure commits normally
	expectSessionEnd(mock)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO execution_events")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	_, err = tracker.End(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, tracker.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}
