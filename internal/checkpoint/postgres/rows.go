package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/gates"
)

// Row structs carry the db tags the domain models deliberately do not.
// JSONB columns travel as raw bytes and convert at the edge.

type sessionRow struct {
	ID               string       `db:"id"`
	ProjectName      string       `db:"project_name"`
	WaveNumber       int          `db:"wave_number"`
	Status           string       `db:"status"`
	BudgetUSD        float64      `db:"budget_usd"`
	ActualCostUSD    float64      `db:"actual_cost_usd"`
	TokenCount       int64        `db:"token_count"`
	StoryCount       int          `db:"story_count"`
	StoriesCompleted int          `db:"stories_completed"`
	StoriesFailed    int          `db:"stories_failed"`
	Metadata         []byte       `db:"metadata"`
	StartedAt        sql.NullTime `db:"started_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
	FailedAt         sql.NullTime `db:"failed_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

type storyRow struct {
	ID            string       `db:"id"`
	SessionID     string       `db:"session_id"`
	StoryID       string       `db:"story_id"`
	StoryTitle    string       `db:"story_title"`
	Domain        string       `db:"domain"`
	Agent         string       `db:"agent"`
	Status        string       `db:"status"`
	Priority      int          `db:"priority"`
	StoryPoints   int          `db:"story_points"`
	CurrentGate   string       `db:"current_gate"`
	RetryCount    int          `db:"retry_count"`
	TokenCount    int64        `db:"token_count"`
	CostUSD       float64      `db:"cost_usd"`
	ACPassed      int          `db:"ac_passed"`
	ACTotal       int          `db:"ac_total"`
	TestsPassing  bool         `db:"tests_passing"`
	Coverage      float64      `db:"coverage"`
	FilesCreated  []byte       `db:"files_created"`
	FilesModified []byte       `db:"files_modified"`
	BranchName    string       `db:"branch_name"`
	CommitSHA     string       `db:"commit_sha"`
	PRURL         string       `db:"pr_url"`
	ErrorMessage  string       `db:"error_message"`
	Metadata      []byte       `db:"metadata"`
	StartedAt     sql.NullTime `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
	FailedAt      sql.NullTime `db:"failed_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

type checkpointRow struct {
	ID                 string         `db:"id"`
	SessionID          string         `db:"session_id"`
	CheckpointType     string         `db:"checkpoint_type"`
	Name               string         `db:"name"`
	StoryID            string         `db:"story_id"`
	Gate               string         `db:"gate"`
	State              []byte         `db:"state"`
	AgentID            string         `db:"agent_id"`
	ParentCheckpointID sql.NullString `db:"parent_checkpoint_id"`
	CreatedAt          time.Time      `db:"created_at"`
}

func (r *sessionRow) toModel() (*checkpoint.Session, error) {
	meta, err := unmarshalMap(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("session %s metadata: %w", r.ID, err)
	}
	return &checkpoint.Session{
		ID:               r.ID,
		ProjectName:      r.ProjectName,
		WaveNumber:       r.WaveNumber,
		Status:           checkpoint.SessionStatus(r.Status),
		BudgetUSD:        r.BudgetUSD,
		ActualCostUSD:    r.ActualCostUSD,
		TokenCount:       r.TokenCount,
		StoryCount:       r.StoryCount,
		StoriesCompleted: r.StoriesCompleted,
		StoriesFailed:    r.StoriesFailed,
		Metadata:         meta,
		StartedAt:        timePtr(r.StartedAt),
		CompletedAt:      timePtr(r.CompletedAt),
		FailedAt:         timePtr(r.FailedAt),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func (r *storyRow) toModel() (*checkpoint.StoryExecution, error) {
	meta, err := unmarshalMap(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("story execution %s metadata: %w", r.ID, err)
	}
	created, err := unmarshalStrings(r.FilesCreated)
	if err != nil {
		return nil, fmt.Errorf("story execution %s files_created: %w", r.ID, err)
	}
	modified, err := unmarshalStrings(r.FilesModified)
	if err != nil {
		return nil, fmt.Errorf("story execution %s files_modified: %w", r.ID, err)
	}
	return &checkpoint.StoryExecution{
		ID:            r.ID,
		SessionID:     r.SessionID,
		StoryID:       r.StoryID,
		StoryTitle:    r.StoryTitle,
		Domain:        r.Domain,
		Agent:         r.Agent,
		Status:        checkpoint.StoryStatus(r.Status),
		Priority:      r.Priority,
		StoryPoints:   r.StoryPoints,
		CurrentGate:   gates.Gate(r.CurrentGate),
		RetryCount:    r.RetryCount,
		TokenCount:    r.TokenCount,
		CostUSD:       r.CostUSD,
		ACPassed:      r.ACPassed,
		ACTotal:       r.ACTotal,
		TestsPassing:  r.TestsPassing,
		Coverage:      r.Coverage,
		FilesCreated:  created,
		FilesModified: modified,
		BranchName:    r.BranchName,
		CommitSHA:     r.CommitSHA,
		PRURL:         r.PRURL,
		ErrorMessage:  r.ErrorMessage,
		Metadata:      meta,
		StartedAt:     timePtr(r.StartedAt),
		CompletedAt:   timePtr(r.CompletedAt),
		FailedAt:      timePtr(r.FailedAt),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func (r *checkpointRow) toModel() (*checkpoint.Checkpoint, error) {
	state, err := unmarshalMap(r.State)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s state: %w", r.ID, err)
	}
	return &checkpoint.Checkpoint{
		ID:                 r.ID,
		SessionID:          r.SessionID,
		Type:               checkpoint.Type(r.CheckpointType),
		Name:               r.Name,
		StoryID:            r.StoryID,
		Gate:               gates.Gate(r.Gate),
		State:              state,
		AgentID:            r.AgentID,
		ParentCheckpointID: r.ParentCheckpointID.String,
		CreatedAt:          r.CreatedAt,
	}, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func marshalStrings(s []string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalStrings(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
