// Package postgres is the durable checkpoint.Store. Schema lives in
// embedded goose migrations; queries go through sqlx over the pgx stdlib
// driver. WithTx hands callers a transactional view of the same Store type,
// so the engine's mutation-plus-checkpoint pairing commits or rolls back as
// one unit.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/gates"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	sessionCols = `id, project_name, wave_number, status, budget_usd,
		actual_cost_usd, token_count, story_count, stories_completed,
		stories_failed, metadata, started_at, completed_at, failed_at,
		created_at, updated_at`

	storyCols = `id, session_id, story_id, story_title, domain, agent,
		status, priority, story_points, current_gate, retry_count,
		token_count, cost_usd, ac_passed, ac_total, tests_passing, coverage,
		files_created, files_modified, branch_name, commit_sha, pr_url,
		error_message, metadata, started_at, completed_at, failed_at,
		created_at, updated_at`

	checkpointCols = `id, session_id, checkpoint_type, name, story_id, gate,
		state, agent_id, parent_checkpoint_id, created_at`
)

// Store implements checkpoint.Store on PostgreSQL.
type Store struct {
	db *sqlx.DB
	// ext is the db outside a transaction and the tx inside one.
	ext sqlx.ExtContext
}

var _ checkpoint.Store = (*Store)(nil)

// Open connects to the database and pings it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, ext: db}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Name identifies the store to health checkers.
func (s *Store) Name() string { return "checkpoint-postgres" }

// Ping round-trips the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// WithTx runs fn in one transaction. A nested call joins the outer
// transaction rather than opening a second one.
func (s *Store) WithTx(ctx context.Context, fn func(tx checkpoint.Store) error) error {
	if _, nested := s.ext.(*sqlx.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *checkpoint.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	meta, err := marshalMap(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	const q = `INSERT INTO sessions (` + sessionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = s.ext.ExecContext(ctx, q,
		sess.ID, sess.ProjectName, sess.WaveNumber, string(sess.Status),
		sess.BudgetUSD, sess.ActualCostUSD, sess.TokenCount, sess.StoryCount,
		sess.StoriesCompleted, sess.StoriesFailed, meta,
		nullTime(sess.StartedAt), nullTime(sess.CompletedAt), nullTime(sess.FailedAt),
		sess.CreatedAt, sess.UpdatedAt)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("session %s: %w", sess.ID, checkpoint.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*checkpoint.Session, error) {
	var row sessionRow
	const q = `SELECT ` + sessionCols + ` FROM sessions WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.ext, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toModel()
}

func (s *Store) UpdateSession(ctx context.Context, sess *checkpoint.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	meta, err := marshalMap(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	const q = `UPDATE sessions SET project_name = $2, wave_number = $3,
		status = $4, budget_usd = $5, actual_cost_usd = $6, token_count = $7,
		story_count = $8, stories_completed = $9, stories_failed = $10,
		metadata = $11, started_at = $12, completed_at = $13, failed_at = $14,
		updated_at = $15
		WHERE id = $1`
	res, err := s.ext.ExecContext(ctx, q,
		sess.ID, sess.ProjectName, sess.WaveNumber, string(sess.Status),
		sess.BudgetUSD, sess.ActualCostUSD, sess.TokenCount, sess.StoryCount,
		sess.StoriesCompleted, sess.StoriesFailed, meta,
		nullTime(sess.StartedAt), nullTime(sess.CompletedAt), nullTime(sess.FailedAt),
		sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res, fmt.Sprintf("session %s", sess.ID))
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.ext.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res, fmt.Sprintf("session %s", id))
}

func (s *Store) ListSessions(ctx context.Context) ([]*checkpoint.Session, error) {
	var rows []sessionRow
	const q = `SELECT ` + sessionCols + ` FROM sessions ORDER BY created_at, id`
	if err := sqlx.SelectContext(ctx, s.ext, &rows, q); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*checkpoint.Session, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// --- story executions ---

func (s *Store) CreateStoryExecution(ctx context.Context, e *checkpoint.StoryExecution) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	args, err := storyArgs(e)
	if err != nil {
		return err
	}
	const q = `INSERT INTO story_executions (` + storyCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`
	_, err = s.ext.ExecContext(ctx, q, args...)
	switch pgCode(err) {
	case pgUniqueViolation:
		return fmt.Errorf("session %s story %s: %w", e.SessionID, e.StoryID, checkpoint.ErrDuplicate)
	case pgForeignKeyViolation:
		return fmt.Errorf("session %s: %w", e.SessionID, checkpoint.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("create story execution: %w", err)
	}
	return nil
}

func (s *Store) GetStoryExecution(ctx context.Context, id string) (*checkpoint.StoryExecution, error) {
	var row storyRow
	const q = `SELECT ` + storyCols + ` FROM story_executions WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.ext, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("story execution %s: %w", id, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("get story execution: %w", err)
	}
	return row.toModel()
}

func (s *Store) GetStoryExecutionByStory(ctx context.Context, sessionID, storyID string) (*checkpoint.StoryExecution, error) {
	var row storyRow
	const q = `SELECT ` + storyCols + ` FROM story_executions
		WHERE session_id = $1 AND story_id = $2`
	if err := sqlx.GetContext(ctx, s.ext, &row, q, sessionID, storyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s story %s: %w", sessionID, storyID, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("get story execution: %w", err)
	}
	return row.toModel()
}

func (s *Store) UpdateStoryExecution(ctx context.Context, e *checkpoint.StoryExecution) error {
	e.UpdatedAt = time.Now().UTC()
	args, err := storyArgs(e)
	if err != nil {
		return err
	}
	const q = `UPDATE story_executions SET session_id = $2, story_id = $3,
		story_title = $4, domain = $5, agent = $6, status = $7, priority = $8,
		story_points = $9, current_gate = $10, retry_count = $11,
		token_count = $12, cost_usd = $13, ac_passed = $14, ac_total = $15,
		tests_passing = $16, coverage = $17, files_created = $18,
		files_modified = $19, branch_name = $20, commit_sha = $21,
		pr_url = $22, error_message = $23, metadata = $24, started_at = $25,
		completed_at = $26, failed_at = $27, created_at = $28, updated_at = $29
		WHERE id = $1`
	res, err := s.ext.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update story execution: %w", err)
	}
	return requireRow(res, fmt.Sprintf("story execution %s", e.ID))
}

func (s *Store) ListStoryExecutions(ctx context.Context, sessionID string) ([]*checkpoint.StoryExecution, error) {
	var rows []storyRow
	const q = `SELECT ` + storyCols + ` FROM story_executions
		WHERE session_id = $1 ORDER BY created_at, id`
	if err := sqlx.SelectContext(ctx, s.ext, &rows, q, sessionID); err != nil {
		return nil, fmt.Errorf("list story executions: %w", err)
	}
	out := make([]*checkpoint.StoryExecution, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// --- checkpoints ---

func (s *Store) CreateCheckpoint(ctx context.Context, c *checkpoint.Checkpoint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	state, err := marshalMap(c.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	const q = `INSERT INTO checkpoints (` + checkpointCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.ext.ExecContext(ctx, q,
		c.ID, c.SessionID, string(c.Type), c.Name, c.StoryID, string(c.Gate),
		state, c.AgentID, nullString(c.ParentCheckpointID), c.CreatedAt)
	switch pgCode(err) {
	case pgUniqueViolation:
		return fmt.Errorf("checkpoint %s: %w", c.ID, checkpoint.ErrDuplicate)
	case pgForeignKeyViolation:
		return fmt.Errorf("checkpoint %s references: %w", c.ID, checkpoint.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	var row checkpointRow
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.ext, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return row.toModel()
}

func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*checkpoint.Checkpoint, error) {
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints
		WHERE session_id = $1 ORDER BY created_at, id`
	return s.selectCheckpoints(ctx, q, sessionID)
}

func (s *Store) ListCheckpointsByStory(ctx context.Context, sessionID, storyID string) ([]*checkpoint.Checkpoint, error) {
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints
		WHERE session_id = $1 AND story_id = $2 ORDER BY created_at, id`
	return s.selectCheckpoints(ctx, q, sessionID, storyID)
}

func (s *Store) ListCheckpointsByType(ctx context.Context, sessionID string, t checkpoint.Type) ([]*checkpoint.Checkpoint, error) {
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints
		WHERE session_id = $1 AND checkpoint_type = $2 ORDER BY created_at, id`
	return s.selectCheckpoints(ctx, q, sessionID, string(t))
}

func (s *Store) ListCheckpointsByGate(ctx context.Context, sessionID string, g gates.Gate) ([]*checkpoint.Checkpoint, error) {
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints
		WHERE session_id = $1 AND gate = $2 ORDER BY created_at, id`
	return s.selectCheckpoints(ctx, q, sessionID, string(g))
}

func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints
		WHERE session_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	return s.getCheckpoint(ctx, fmt.Sprintf("session %s checkpoints", sessionID), q, sessionID)
}

func (s *Store) LatestGateCheckpoint(ctx context.Context, sessionID, storyID string, g gates.Gate) (*checkpoint.Checkpoint, error) {
	const q = `SELECT ` + checkpointCols + ` FROM checkpoints
		WHERE session_id = $1 AND story_id = $2 AND gate = $3 AND checkpoint_type = $4
		ORDER BY created_at DESC, id DESC LIMIT 1`
	where := fmt.Sprintf("session %s story %s gate %s", sessionID, storyID, g)
	return s.getCheckpoint(ctx, where, q, sessionID, storyID, string(g), string(checkpoint.TypeGate))
}

func (s *Store) CleanupOld(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep <= 0 {
		keep = checkpoint.DefaultCleanupKeep
	}
	const q = `DELETE FROM checkpoints
		WHERE session_id = $1 AND id NOT IN (
			SELECT id FROM checkpoints WHERE session_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		)`
	res, err := s.ext.ExecContext(ctx, q, sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	return int(n), nil
}

// --- helpers ---

func (s *Store) selectCheckpoints(ctx context.Context, q string, args ...any) ([]*checkpoint.Checkpoint, error) {
	var rows []checkpointRow
	if err := sqlx.SelectContext(ctx, s.ext, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*checkpoint.Checkpoint, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) getCheckpoint(ctx context.Context, where, q string, args ...any) (*checkpoint.Checkpoint, error) {
	var row checkpointRow
	if err := sqlx.GetContext(ctx, s.ext, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", where, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return row.toModel()
}

func storyArgs(e *checkpoint.StoryExecution) ([]any, error) {
	created, err := marshalStrings(e.FilesCreated)
	if err != nil {
		return nil, fmt.Errorf("marshal files_created: %w", err)
	}
	modified, err := marshalStrings(e.FilesModified)
	if err != nil {
		return nil, fmt.Errorf("marshal files_modified: %w", err)
	}
	meta, err := marshalMap(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal story metadata: %w", err)
	}
	return []any{
		e.ID, e.SessionID, e.StoryID, e.StoryTitle, e.Domain, e.Agent,
		string(e.Status), e.Priority, e.StoryPoints, string(e.CurrentGate),
		e.RetryCount, e.TokenCount, e.CostUSD, e.ACPassed, e.ACTotal,
		e.TestsPassing, e.Coverage, created, modified, e.BranchName,
		e.CommitSHA, e.PRURL, e.ErrorMessage, meta,
		nullTime(e.StartedAt), nullTime(e.CompletedAt), nullTime(e.FailedAt),
		e.CreatedAt, e.UpdatedAt,
	}, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, checkpoint.ErrNotFound)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
