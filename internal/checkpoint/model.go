// Package checkpoint defines the persisted workflow state: sessions, story
// executions, and the append-only checkpoint snapshots that make crash
// recovery lossless. The Store interface is implemented by the postgres
// package for production and the inmem package for tests and local runs.
package checkpoint

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/coderwave/wave/internal/gates"
)

// SessionStatus is the lifecycle state of one coordinated run.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// StoryStatus is the lifecycle state of one story execution.
type StoryStatus string

const (
	StoryPending    StoryStatus = "pending"
	StoryInProgress StoryStatus = "in_progress"
	StoryBlocked    StoryStatus = "blocked"
	StoryReview     StoryStatus = "review"
	StoryComplete   StoryStatus = "complete"
	StoryFailed     StoryStatus = "failed"
	StoryCancelled  StoryStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s StoryStatus) Terminal() bool {
	return s == StoryComplete || s == StoryFailed || s == StoryCancelled
}

// Type classifies a checkpoint snapshot.
type Type string

const (
	TypeGate          Type = "gate"
	TypeStoryStart    Type = "story_start"
	TypeStoryComplete Type = "story_complete"
	TypeAgentHandoff  Type = "agent_handoff"
	TypeError         Type = "error"
	TypeManual        Type = "manual"
)

// Session is one coordinated run over a project.
type Session struct {
	ID               string
	ProjectName      string
	WaveNumber       int
	Status           SessionStatus
	BudgetUSD        float64
	ActualCostUSD    float64
	TokenCount       int64
	StoryCount       int
	StoriesCompleted int
	StoriesFailed    int
	Metadata         map[string]any
	StartedAt        *time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StoryExecution is one story inside a session.
type StoryExecution struct {
	ID            string
	SessionID     string
	StoryID       string
	StoryTitle    string
	Domain        string
	Agent         string
	Status        StoryStatus
	Priority      int
	StoryPoints   int
	CurrentGate   gates.Gate
	RetryCount    int
	TokenCount    int64
	CostUSD       float64
	ACPassed      int
	ACTotal       int
	TestsPassing  bool
	Coverage      float64
	FilesCreated  []string
	FilesModified []string
	BranchName    string
	CommitSHA     string
	PRURL         string
	ErrorMessage  string
	Metadata      map[string]any
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Checkpoint is an immutable snapshot attached to a session, optionally to a
// story and a gate. Parents form a tree within the session.
type Checkpoint struct {
	ID                 string
	SessionID          string
	Type               Type
	Name               string
	StoryID            string
	Gate               gates.Gate
	State              map[string]any
	AgentID            string
	ParentCheckpointID string
	CreatedAt          time.Time
}

// NewID returns a fresh ULID. ULIDs sort lexicographically by creation time,
// which makes the (created_at, id) checkpoint ordering deterministic even for
// same-millisecond writes.
func NewID() string {
	return ulid.Make().String()
}
