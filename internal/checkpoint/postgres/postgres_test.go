package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/gates"
)

var (
	sessionColumns = []string{
		"id", "project_name", "wave_number", "status", "budget_usd",
		"actual_cost_usd", "token_count", "story_count", "stories_completed",
		"stories_failed", "metadata", "started_at", "completed_at",
		"failed_at", "created_at", "updated_at",
	}
	storyColumns = []string{
		"id", "session_id", "story_id", "story_title", "domain", "agent",
		"status", "priority", "story_points", "current_gate", "retry_count",
		"token_count", "cost_usd", "ac_passed", "ac_total", "tests_passing",
		"coverage", "files_created", "files_modified", "branch_name",
		"commit_sha", "pr_url", "error_message", "metadata", "started_at",
		"completed_at", "failed_at", "created_at", "updated_at",
	}
	checkpointColumns = []string{
		"id", "session_id", "checkpoint_type", "name", "story_id", "gate",
		"state", "agent_id", "parent_checkpoint_id", "created_at",
	}
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewStore(sqlx.NewDb(mockDB, "pgx")), mock
}

func TestCreateSessionStampsTimestamps(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess := &checkpoint.Session{ID: "sess-1", ProjectName: "demo", Status: checkpoint.SessionPending}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	require.False(t, sess.CreatedAt.IsZero())
	require.False(t, sess.UpdatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSessionMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.CreateSession(context.Background(), &checkpoint.Session{ID: "sess-1"})
	require.ErrorIs(t, err, checkpoint.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionScansRow(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	created := started.Add(-time.Minute)
	mock.ExpectQuery("FROM sessions WHERE id").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(sessionColumns).AddRow(
			"sess-1", "demo", 2, "in_progress", 50.0, 12.5, int64(4000),
			3, 1, 0, []byte(`{"plan":"wave-2"}`), started, nil, nil,
			created, started,
		))

	sess, err := store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "demo", sess.ProjectName)
	require.Equal(t, checkpoint.SessionInProgress, sess.Status)
	require.Equal(t, int64(4000), sess.TokenCount)
	require.Equal(t, map[string]any{"plan": "wave-2"}, sess.Metadata)
	require.NotNil(t, sess.StartedAt)
	require.Equal(t, started, *sess.StartedAt)
	require.Nil(t, sess.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM sessions WHERE id").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetSession(context.Background(), "ghost")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE sessions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateSession(context.Background(), &checkpoint.Session{ID: "ghost"})
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSessionMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, store.DeleteSession(context.Background(), "ghost"), checkpoint.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStoryExecutionMapsConstraintErrors(t *testing.T) {
	exec := &checkpoint.StoryExecution{
		ID:        "exec-1",
		SessionID: "sess-1",
		StoryID:   "S-001",
		Status:    checkpoint.StoryInProgress,
	}

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO story_executions").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, store.CreateStoryExecution(context.Background(), exec), checkpoint.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())

	store, mock = newMockStore(t)
	mock.ExpectExec("INSERT INTO story_executions").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	require.ErrorIs(t, store.CreateStoryExecution(context.Background(), exec), checkpoint.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStoryExecutionScansRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM story_executions WHERE id").
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows(storyColumns).AddRow(
			"exec-1", "sess-1", "S-001", "Checkout flow", "be", "be-dev",
			"in_progress", 1, 3, "gate-3", 1, int64(2500), 0.4, 4, 6, true,
			0.85, []byte(`["api/users.go"]`), []byte(`["api/router.go"]`),
			"wave/run-1/be", "abc1234", "", "", nil, now, nil, nil, now, now,
		))

	exec, err := store.GetStoryExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, gates.Test, exec.CurrentGate)
	require.Equal(t, []string{"api/users.go"}, exec.FilesCreated)
	require.Equal(t, []string{"api/router.go"}, exec.FilesModified)
	require.True(t, exec.TestsPassing)
	require.InDelta(t, 0.85, exec.Coverage, 1e-9)
	require.Nil(t, exec.Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx checkpoint.Store) error {
		return tx.CreateCheckpoint(context.Background(), &checkpoint.Checkpoint{
			ID:        checkpoint.NewID(),
			SessionID: "sess-1",
			Type:      checkpoint.TypeGate,
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO checkpoints").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx checkpoint.Store) error {
		return tx.CreateCheckpoint(context.Background(), &checkpoint.Checkpoint{
			ID:        checkpoint.NewID(),
			SessionID: "ghost",
			Type:      checkpoint.TypeGate,
		})
	})
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxNestedJoinsOuterTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE story_executions SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx checkpoint.Store) error {
		if err := tx.UpdateStoryExecution(context.Background(), &checkpoint.StoryExecution{
			ID: "exec-1", SessionID: "sess-1", StoryID: "S-001",
		}); err != nil {
			return err
		}
		// Nested WithTx must not open a second transaction.
		return tx.WithTx(context.Background(), func(inner checkpoint.Store) error {
			return inner.CreateCheckpoint(context.Background(), &checkpoint.Checkpoint{
				ID:        checkpoint.NewID(),
				SessionID: "sess-1",
				Type:      checkpoint.TypeManual,
			})
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestCheckpoint(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("ORDER BY created_at DESC, id DESC LIMIT 1").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(checkpointColumns).AddRow(
			"cp-9", "sess-1", "gate", "testing passed", "S-001", "gate-3",
			[]byte(`{"status":"passed"}`), "qa", "cp-8", now,
		))

	cp, err := store.LatestCheckpoint(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "cp-9", cp.ID)
	require.Equal(t, gates.Test, cp.Gate)
	require.Equal(t, "cp-8", cp.ParentCheckpointID)
	require.Equal(t, map[string]any{"status": "passed"}, cp.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestCheckpointEmptySession(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("ORDER BY created_at DESC, id DESC LIMIT 1").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(checkpointColumns))

	_, err := store.LatestCheckpoint(context.Background(), "sess-1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCheckpointsByStoryScansNullParent(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("AND story_id = ").
		WithArgs("sess-1", "S-001").
		WillReturnRows(sqlmock.NewRows(checkpointColumns).
			AddRow("cp-1", "sess-1", "story_start", "story started", "S-001", "",
				nil, "be-dev", nil, now).
			AddRow("cp-2", "sess-1", "gate", "pre-flight passed", "S-001", "gate-0",
				[]byte(`{"status":"passed"}`), "dev", "cp-1", now.Add(time.Second)))

	cps, err := store.ListCheckpointsByStory(context.Background(), "sess-1", "S-001")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	require.Empty(t, cps[0].ParentCheckpointID)
	require.Nil(t, cps[0].State)
	require.Equal(t, "cp-1", cps[1].ParentCheckpointID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestGateCheckpointFiltersType(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("AND checkpoint_type = ").
		WithArgs("sess-1", "S-001", "gate-2", "gate").
		WillReturnRows(sqlmock.NewRows(checkpointColumns).AddRow(
			"cp-5", "sess-1", "gate", "build passed", "S-001", "gate-2",
			[]byte(`{"status":"passed"}`), "dev", "cp-4", now,
		))

	cp, err := store.LatestGateCheckpoint(context.Background(), "sess-1", "S-001", gates.Build)
	require.NoError(t, err)
	require.Equal(t, "cp-5", cp.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupOldReportsDeletedCount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("sess-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.CleanupOld(context.Background(), "sess-1", 2)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupOldDefaultsKeep(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("sess-1", checkpoint.DefaultCleanupKeep).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := store.CleanupOld(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
