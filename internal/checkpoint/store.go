package checkpoint

import (
	"context"
	"errors"

	"github.com/coderwave/wave/internal/gates"
)

// DefaultCleanupKeep is how many checkpoints per session survive CleanupOld
// unless the caller asks otherwise.
const DefaultCleanupKeep = 5

var (
	// ErrNotFound reports an unknown session, story execution, or checkpoint.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a second story execution for the same
	// (session, story) pair.
	ErrDuplicate = errors.New("duplicate story execution")
)

// Store is the single source of truth for workflow state. All mutations go
// through the execution engine; direct SQL against the tables is off-limits.
//
// Ordering: checkpoint listings are sorted by (created_at, id) ascending, so
// "latest" is deterministic even for same-instant writes.
type Store interface {
	// WithTx runs fn against a transactional view of the store. Everything
	// fn writes commits atomically; any error rolls the whole view back.
	// The engine relies on this to pair every state mutation with its
	// checkpoint.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	// DeleteSession cascades to the session's story executions and
	// checkpoints.
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*Session, error)

	// CreateStoryExecution fails with ErrDuplicate when the (session,
	// story) pair already exists.
	CreateStoryExecution(ctx context.Context, e *StoryExecution) error
	GetStoryExecution(ctx context.Context, id string) (*StoryExecution, error)
	GetStoryExecutionByStory(ctx context.Context, sessionID, storyID string) (*StoryExecution, error)
	UpdateStoryExecution(ctx context.Context, e *StoryExecution) error
	ListStoryExecutions(ctx context.Context, sessionID string) ([]*StoryExecution, error)

	CreateCheckpoint(ctx context.Context, c *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)
	ListCheckpointsByStory(ctx context.Context, sessionID, storyID string) ([]*Checkpoint, error)
	ListCheckpointsByType(ctx context.Context, sessionID string, t Type) ([]*Checkpoint, error)
	ListCheckpointsByGate(ctx context.Context, sessionID string, g gates.Gate) ([]*Checkpoint, error)
	// LatestCheckpoint returns ErrNotFound for a session with no
	// checkpoints.
	LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
	// LatestGateCheckpoint narrows to type=gate rows for one story and gate.
	LatestGateCheckpoint(ctx context.Context, sessionID, storyID string, g gates.Gate) (*Checkpoint, error)
	// CleanupOld deletes all but the most recent keep checkpoints of the
	// session and reports how many rows went away. keep <= 0 uses
	// DefaultCleanupKeep.
	CleanupOld(ctx context.Context, sessionID string, keep int) (int, error)
}
