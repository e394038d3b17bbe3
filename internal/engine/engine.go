// Package engine drives story executions through the eight-gate workflow.
// It owns the legal status transitions, gate advancement with its retry
// budget, and the checkpointing contract: every workflow mutation commits
// exactly one checkpoint in the same transaction, so a crash can never leave
// a state change without its snapshot or the other way around.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/gates"
	"github.com/coderwave/wave/internal/telemetry"
)

const (
	// DefaultMaxRetries is the per-story gate retry budget.
	DefaultMaxRetries = 3
	// DefaultRequiredCoverage is the gate-3 coverage floor.
	DefaultRequiredCoverage = 0.8
)

var (
	// ErrInvalidTransition reports a status edge outside the transition
	// table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDuplicateStory reports a second execution for the same (session,
	// story) pair.
	ErrDuplicateStory = errors.New("story already executing")
	// ErrWrongGate reports a gate executed out of order.
	ErrWrongGate = errors.New("gate out of order")
)

// transitions is the legal story status table. Absent statuses are terminal.
var transitions = map[checkpoint.StoryStatus][]checkpoint.StoryStatus{
	checkpoint.StoryPending:    {checkpoint.StoryInProgress, checkpoint.StoryCancelled},
	checkpoint.StoryInProgress: {checkpoint.StoryBlocked, checkpoint.StoryReview, checkpoint.StoryComplete, checkpoint.StoryFailed, checkpoint.StoryCancelled},
	checkpoint.StoryBlocked:    {checkpoint.StoryInProgress, checkpoint.StoryFailed, checkpoint.StoryCancelled},
	checkpoint.StoryReview:     {checkpoint.StoryInProgress, checkpoint.StoryComplete, checkpoint.StoryFailed},
}

// CanTransition reports whether the edge from one status to another is legal.
func CanTransition(from, to checkpoint.StoryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type (
	// Options configures an Engine.
	Options struct {
		// Store is the workflow state store. Required.
		Store checkpoint.Store
		// MaxRetries is the gate retry budget. Defaults to 3.
		MaxRetries int
		// RequiredCoverage is the gate-3 coverage floor. Defaults to 0.8.
		RequiredCoverage float64
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Engine executes workflow mutations against the store.
	Engine struct {
		store      checkpoint.Store
		maxRetries int
		coverage   float64
		logger     telemetry.Logger
	}

	// StartRequest describes the story a session wants to execute.
	StartRequest struct {
		SessionID   string
		StoryID     string
		StoryTitle  string
		Domain      string
		Agent       string
		Priority    int
		StoryPoints int
		Metadata    map[string]any
	}

	// GateResult is the evidence for one gate evaluation. Owner-assigned
	// gates bring their verdict in Passed; the build and test gates ignore
	// it and evaluate their own inputs.
	GateResult struct {
		Gate             gates.Gate
		Passed           bool
		ACPassed         int
		ACTotal          int
		BuildSucceeded   bool
		TestsPassing     bool
		Coverage         float64
		RequiredCoverage float64
		Metadata         map[string]any
	}

	// Completion carries the artifacts of a finished story.
	Completion struct {
		FilesCreated  []string
		FilesModified []string
		BranchName    string
		CommitSHA     string
		PRURL         string
	}

	// State is a story execution with its latest checkpoint, when any.
	State struct {
		Execution        *checkpoint.StoryExecution
		LatestCheckpoint *checkpoint.Checkpoint
	}
)

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	coverage := opts.RequiredCoverage
	if coverage <= 0 {
		coverage = DefaultRequiredCoverage
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		store:      opts.Store,
		maxRetries: maxRetries,
		coverage:   coverage,
		logger:     logger,
	}, nil
}

// StartExecution creates the story row in_progress at gate-0 and writes its
// story_start checkpoint. A second start for the same (session, story) pair
// fails with ErrDuplicateStory.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*checkpoint.StoryExecution, error) {
	if req.SessionID == "" || req.StoryID == "" {
		return nil, errors.New("session id and story id are required")
	}
	now := time.Now().UTC()
	exec := &checkpoint.StoryExecution{
		ID:          checkpoint.NewID(),
		SessionID:   req.SessionID,
		StoryID:     req.StoryID,
		StoryTitle:  req.StoryTitle,
		Domain:      req.Domain,
		Agent:       req.Agent,
		Status:      checkpoint.StoryInProgress,
		Priority:    req.Priority,
		StoryPoints: req.StoryPoints,
		CurrentGate: gates.PreFlight,
		Metadata:    req.Metadata,
		StartedAt:   &now,
	}
	err := e.store.WithTx(ctx, func(tx checkpoint.Store) error {
		if err := tx.CreateStoryExecution(ctx, exec); err != nil {
			if errors.Is(err, checkpoint.ErrDuplicate) {
				return fmt.Errorf("%w: story %s in session %s", ErrDuplicateStory, req.StoryID, req.SessionID)
			}
			return err
		}
		return e.checkpointIn(ctx, tx, exec, &checkpoint.Checkpoint{
			Type: checkpoint.TypeStoryStart,
			Name: "story started",
			State: map[string]any{
				"story_id": req.StoryID,
				"title":    req.StoryTitle,
				"domain":   req.Domain,
				"agent":    req.Agent,
			},
			AgentID: req.Agent,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "story execution started",
		"session_id", req.SessionID, "story_id", req.StoryID, "domain", req.Domain)
	return exec, nil
}

// TransitionState moves the story along a legal edge. Moving into review
// writes an agent_handoff checkpoint; every other move writes a manual one.
func (e *Engine) TransitionState(ctx context.Context, id string, to checkpoint.StoryStatus, reason string) (*checkpoint.StoryExecution, error) {
	var exec *checkpoint.StoryExecution
	err := e.store.WithTx(ctx, func(tx checkpoint.Store) error {
		var err error
		exec, err = tx.GetStoryExecution(ctx, id)
		if err != nil {
			return err
		}
		from := exec.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		now := time.Now().UTC()
		exec.Status = to
		switch to {
		case checkpoint.StoryComplete, checkpoint.StoryCancelled:
			exec.CompletedAt = &now
		case checkpoint.StoryFailed:
			exec.FailedAt = &now
			if reason != "" {
				exec.ErrorMessage = reason
			}
		}
		if err := tx.UpdateStoryExecution(ctx, exec); err != nil {
			return err
		}

		cpType := checkpoint.TypeManual
		if to == checkpoint.StoryReview {
			cpType = checkpoint.TypeAgentHandoff
		}
		return e.checkpointIn(ctx, tx, exec, &checkpoint.Checkpoint{
			Type: cpType,
			Name: fmt.Sprintf("transition to %s", to),
			State: map[string]any{
				"from":   string(from),
				"to":     string(to),
				"reason": reason,
			},
			AgentID: exec.Agent,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "story transitioned",
		"execution_id", id, "to", string(to), "reason", reason)
	return exec, nil
}

// ExecuteGate evaluates the story's current gate. A pass advances
// current_gate, and passing the final gate completes the story. A fail
// spends one retry, or fails the story once the budget is gone. Either
// outcome commits a gate checkpoint with the mutation.
func (e *Engine) ExecuteGate(ctx context.Context, id string, res GateResult) (*checkpoint.StoryExecution, error) {
	if !res.Gate.Valid() {
		return nil, fmt.Errorf("invalid gate %q", res.Gate)
	}
	var exec *checkpoint.StoryExecution
	var passed bool
	err := e.store.WithTx(ctx, func(tx checkpoint.Store) error {
		var err error
		exec, err = tx.GetStoryExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status != checkpoint.StoryInProgress {
			return fmt.Errorf("%w: gate execution requires in_progress, story is %s", ErrInvalidTransition, exec.Status)
		}
		if res.Gate != exec.CurrentGate {
			return fmt.Errorf("%w: story is at %s, got %s", ErrWrongGate, exec.CurrentGate, res.Gate)
		}

		passed = e.evaluate(res)

		// AC tallies only move up: a gate re-run after a retry must not
		// erase credit from the earlier pass.
		exec.ACPassed = max(exec.ACPassed, res.ACPassed)
		exec.ACTotal = max(exec.ACTotal, res.ACTotal)
		if res.Gate == gates.Test {
			exec.TestsPassing = res.TestsPassing
			exec.Coverage = res.Coverage
		}

		status := "failed"
		if passed {
			status = "passed"
			if next, ok := res.Gate.Next(); ok {
				exec.CurrentGate = next
			} else {
				now := time.Now().UTC()
				exec.Status = checkpoint.StoryComplete
				exec.CompletedAt = &now
			}
		} else {
			if exec.RetryCount >= e.maxRetries {
				now := time.Now().UTC()
				exec.Status = checkpoint.StoryFailed
				exec.FailedAt = &now
				exec.ErrorMessage = fmt.Sprintf("%s failed after %d retries", res.Gate, exec.RetryCount)
			} else {
				exec.RetryCount++
			}
		}
		if err := tx.UpdateStoryExecution(ctx, exec); err != nil {
			return err
		}

		state := map[string]any{
			"gate":      string(res.Gate),
			"status":    status,
			"ac_passed": res.ACPassed,
			"ac_total":  res.ACTotal,
		}
		for k, v := range res.Metadata {
			state[k] = v
		}
		return e.checkpointIn(ctx, tx, exec, &checkpoint.Checkpoint{
			Type:    checkpoint.TypeGate,
			Name:    fmt.Sprintf("%s %s", res.Gate.Name(), status),
			Gate:    res.Gate,
			State:   state,
			AgentID: res.Gate.Owner(),
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "gate executed",
		"execution_id", id, "gate", string(res.Gate), "passed", passed,
		"status", string(exec.Status), "retries", exec.RetryCount)
	return exec, nil
}

// CompleteExecution records the story's artifacts and lands it in complete
// with a story_complete checkpoint. Finalizing a story the final gate
// already completed only attaches the artifacts.
func (e *Engine) CompleteExecution(ctx context.Context, id string, fin Completion) (*checkpoint.StoryExecution, error) {
	var exec *checkpoint.StoryExecution
	err := e.store.WithTx(ctx, func(tx checkpoint.Store) error {
		var err error
		exec, err = tx.GetStoryExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status != checkpoint.StoryComplete && !CanTransition(exec.Status, checkpoint.StoryComplete) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, exec.Status, checkpoint.StoryComplete)
		}
		if exec.CompletedAt == nil {
			now := time.Now().UTC()
			exec.CompletedAt = &now
		}
		exec.Status = checkpoint.StoryComplete
		exec.FilesCreated = fin.FilesCreated
		exec.FilesModified = fin.FilesModified
		exec.BranchName = fin.BranchName
		exec.CommitSHA = fin.CommitSHA
		exec.PRURL = fin.PRURL
		if err := tx.UpdateStoryExecution(ctx, exec); err != nil {
			return err
		}
		return e.checkpointIn(ctx, tx, exec, &checkpoint.Checkpoint{
			Type: checkpoint.TypeStoryComplete,
			Name: "story completed",
			State: map[string]any{
				"files_created":  len(fin.FilesCreated),
				"files_modified": len(fin.FilesModified),
				"branch":         fin.BranchName,
				"commit":         fin.CommitSHA,
				"pr_url":         fin.PRURL,
			},
			AgentID: exec.Agent,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "story completed",
		"execution_id", id, "branch", fin.BranchName, "commit", fin.CommitSHA)
	return exec, nil
}

// FailExecution lands the story in failed with an error checkpoint.
func (e *Engine) FailExecution(ctx context.Context, id, reason string) (*checkpoint.StoryExecution, error) {
	var exec *checkpoint.StoryExecution
	err := e.store.WithTx(ctx, func(tx checkpoint.Store) error {
		var err error
		exec, err = tx.GetStoryExecution(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(exec.Status, checkpoint.StoryFailed) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, exec.Status, checkpoint.StoryFailed)
		}
		now := time.Now().UTC()
		exec.Status = checkpoint.StoryFailed
		exec.FailedAt = &now
		exec.ErrorMessage = reason
		if err := tx.UpdateStoryExecution(ctx, exec); err != nil {
			return err
		}
		return e.checkpointIn(ctx, tx, exec, &checkpoint.Checkpoint{
			Type:    checkpoint.TypeError,
			Name:    "story failed",
			State:   map[string]any{"reason": reason},
			AgentID: exec.Agent,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn(ctx, "story failed", "execution_id", id, "reason", reason)
	return exec, nil
}

// CurrentState hydrates the execution with its latest checkpoint identity.
func (e *Engine) CurrentState(ctx context.Context, id string) (*State, error) {
	exec, err := e.store.GetStoryExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &State{Execution: exec}
	cps, err := e.store.ListCheckpointsByStory(ctx, exec.SessionID, exec.StoryID)
	if err != nil {
		return nil, err
	}
	if len(cps) > 0 {
		st.LatestCheckpoint = cps[len(cps)-1]
	}
	return st, nil
}

// RecordBudget accrues token and cost counters on the story and its
// session. Counter accrual is bookkeeping, not a workflow mutation, so it
// carries no checkpoint.
func (e *Engine) RecordBudget(ctx context.Context, id string, tokens int64, costUSD float64) error {
	return e.store.WithTx(ctx, func(tx checkpoint.Store) error {
		exec, err := tx.GetStoryExecution(ctx, id)
		if err != nil {
			return err
		}
		exec.TokenCount += tokens
		exec.CostUSD += costUSD
		if err := tx.UpdateStoryExecution(ctx, exec); err != nil {
			return err
		}
		sess, err := tx.GetSession(ctx, exec.SessionID)
		if err != nil {
			return err
		}
		sess.TokenCount += tokens
		sess.ActualCostUSD += costUSD
		return tx.UpdateSession(ctx, sess)
	})
}

// evaluate resolves the pass verdict. The build and test gates have
// built-in validators; the rest take the owner's word.
func (e *Engine) evaluate(res GateResult) bool {
	switch res.Gate {
	case gates.Build:
		return res.BuildSucceeded
	case gates.Test:
		required := res.RequiredCoverage
		if required <= 0 {
			required = e.coverage
		}
		return res.TestsPassing && res.Coverage >= required
	default:
		return res.Passed
	}
}

// checkpointIn writes the checkpoint inside the caller's transaction,
// chained to the story's previous checkpoint.
func (e *Engine) checkpointIn(ctx context.Context, tx checkpoint.Store, exec *checkpoint.StoryExecution, cp *checkpoint.Checkpoint) error {
	cp.ID = checkpoint.NewID()
	cp.SessionID = exec.SessionID
	cp.StoryID = exec.StoryID
	prev, err := tx.ListCheckpointsByStory(ctx, exec.SessionID, exec.StoryID)
	if err != nil {
		return err
	}
	if len(prev) > 0 {
		cp.ParentCheckpointID = prev[len(prev)-1].ID
	}
	return tx.CreateCheckpoint(ctx, cp)
}
