package httpapi

import (
	"time"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/orchestrator"
)

// CreateSessionRequest is the POST /v1/sessions body.
type CreateSessionRequest struct {
	StoryID      string         `json:"story_id"`
	Title        string         `json:"title"`
	Requirements string         `json:"requirements"`
	ProjectPath  string         `json:"project_path,omitempty"`
	WaveNumber   int            `json:"wave_number,omitempty"`
	TokenLimit   int64          `json:"token_limit,omitempty"`
	CostLimitUSD float64        `json:"cost_limit_usd,omitempty"`
	Domain       string         `json:"domain,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	StoryPoints  int            `json:"story_points,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RecoverRequest is the POST /v1/sessions/{id}/recover body. An empty
// story_id recovers every unfinished story in the session.
type RecoverRequest struct {
	Strategy   string `json:"strategy"`
	StoryID    string `json:"story_id,omitempty"`
	TargetGate string `json:"target_gate,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// EStopRequest is the POST /v1/estop body.
type EStopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SessionView is the JSON shape of a session.
type SessionView struct {
	ID               string     `json:"id"`
	ProjectName      string     `json:"project_name,omitempty"`
	WaveNumber       int        `json:"wave_number"`
	Status           string     `json:"status"`
	BudgetUSD        float64    `json:"budget_usd,omitempty"`
	ActualCostUSD    float64    `json:"actual_cost_usd"`
	TokenCount       int64      `json:"token_count"`
	StoryCount       int        `json:"story_count"`
	StoriesCompleted int        `json:"stories_completed"`
	StoriesFailed    int        `json:"stories_failed"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
}

// StoryView is the JSON shape of a story execution.
type StoryView struct {
	ID            string     `json:"id"`
	StoryID       string     `json:"story_id"`
	Title         string     `json:"title"`
	Domain        string     `json:"domain"`
	Agent         string     `json:"agent,omitempty"`
	Status        string     `json:"status"`
	CurrentGate   string     `json:"current_gate"`
	RetryCount    int        `json:"retry_count"`
	TokenCount    int64      `json:"token_count"`
	CostUSD       float64    `json:"cost_usd"`
	ACPassed      int        `json:"ac_passed"`
	ACTotal       int        `json:"ac_total"`
	TestsPassing  bool       `json:"tests_passing"`
	Coverage      float64    `json:"coverage"`
	FilesCreated  []string   `json:"files_created,omitempty"`
	FilesModified []string   `json:"files_modified,omitempty"`
	BranchName    string     `json:"branch_name,omitempty"`
	CommitSHA     string     `json:"commit_sha,omitempty"`
	PRURL         string     `json:"pr_url,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// StatusView is the GET /v1/sessions/{id}/status response.
type StatusView struct {
	SessionID       string  `json:"session_id"`
	StoryID         string  `json:"story_id,omitempty"`
	Phase           string  `json:"phase"`
	Gate            string  `json:"gate,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	Complete        bool    `json:"complete"`
	Running         bool    `json:"running"`
	Error           string  `json:"error,omitempty"`
}

// CheckpointView is the JSON shape of a checkpoint.
type CheckpointView struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Name      string         `json:"name,omitempty"`
	StoryID   string         `json:"story_id,omitempty"`
	Gate      string         `json:"gate,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	ParentID  string         `json:"parent_checkpoint_id,omitempty"`
	State     map[string]any `json:"state,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecoverSessionResponse lists the stories a session-wide recovery touched.
type RecoverSessionResponse struct {
	Recovered []string `json:"recovered"`
	Failed    []string `json:"failed"`
}

// EStopView is the emergency-stop state.
type EStopView struct {
	Engaged bool          `json:"engaged"`
	Reason  string        `json:"reason,omitempty"`
	History []EStopRecord `json:"history,omitempty"`
}

// EStopRecord is one trip or clear in the latch history.
type EStopRecord struct {
	Action string    `json:"action"`
	Source string    `json:"source"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ErrorResponse is the error envelope every non-2xx response carries.
type ErrorResponse struct {
	Error string `json:"error"`
}

func sessionView(sess *checkpoint.Session) SessionView {
	return SessionView{
		ID:               sess.ID,
		ProjectName:      sess.ProjectName,
		WaveNumber:       sess.WaveNumber,
		Status:           string(sess.Status),
		BudgetUSD:        sess.BudgetUSD,
		ActualCostUSD:    sess.ActualCostUSD,
		TokenCount:       sess.TokenCount,
		StoryCount:       sess.StoryCount,
		StoriesCompleted: sess.StoriesCompleted,
		StoriesFailed:    sess.StoriesFailed,
		CreatedAt:        sess.CreatedAt,
		StartedAt:        sess.StartedAt,
		CompletedAt:      sess.CompletedAt,
		FailedAt:         sess.FailedAt,
	}
}

func storyView(exec *checkpoint.StoryExecution) StoryView {
	return StoryView{
		ID:            exec.ID,
		StoryID:       exec.StoryID,
		Title:         exec.StoryTitle,
		Domain:        exec.Domain,
		Agent:         exec.Agent,
		Status:        string(exec.Status),
		CurrentGate:   string(exec.CurrentGate),
		RetryCount:    exec.RetryCount,
		TokenCount:    exec.TokenCount,
		CostUSD:       exec.CostUSD,
		ACPassed:      exec.ACPassed,
		ACTotal:       exec.ACTotal,
		TestsPassing:  exec.TestsPassing,
		Coverage:      exec.Coverage,
		FilesCreated:  exec.FilesCreated,
		FilesModified: exec.FilesModified,
		BranchName:    exec.BranchName,
		CommitSHA:     exec.CommitSHA,
		PRURL:         exec.PRURL,
		ErrorMessage:  exec.ErrorMessage,
		StartedAt:     exec.StartedAt,
		CompletedAt:   exec.CompletedAt,
		FailedAt:      exec.FailedAt,
	}
}

func statusView(st *orchestrator.Status, running bool) StatusView {
	return StatusView{
		SessionID:       st.SessionID,
		StoryID:         st.StoryID,
		Phase:           string(st.Phase),
		Gate:            string(st.Gate),
		ProgressPercent: st.ProgressPercent,
		Complete:        st.IsComplete,
		Running:         running,
		Error:           st.Err,
	}
}

func checkpointView(cp *checkpoint.Checkpoint) CheckpointView {
	return CheckpointView{
		ID:        cp.ID,
		Type:      string(cp.Type),
		Name:      cp.Name,
		StoryID:   cp.StoryID,
		Gate:      string(cp.Gate),
		AgentID:   cp.AgentID,
		ParentID:  cp.ParentCheckpointID,
		State:     cp.State,
		CreatedAt: cp.CreatedAt,
	}
}

func estopView(latch *estop.Latch) EStopView {
	hist := latch.History()
	out := EStopView{Engaged: latch.Engaged(), Reason: latch.Reason()}
	for _, rec := range hist {
		out.History = append(out.History, EStopRecord{
			Action: string(rec.Action),
			Source: rec.Source,
			Reason: rec.Reason,
			At:     rec.At,
		})
	}
	return out
}
