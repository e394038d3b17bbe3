// Package recovery restores interrupted story executions from their
// checkpoints. Four strategies cover the useful outcomes: resume where the
// story died, resume from a chosen gate, restart from scratch, or skip the
// story entirely. Every applied strategy commits a manual checkpoint in the
// same transaction as the status change.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/gates"
	"github.com/coderwave/wave/internal/telemetry"
)

// Strategy selects how a story comes back.
type Strategy string

const (
	// ResumeFromLast puts the story back in_progress at the gate its
	// latest usable checkpoint recorded.
	ResumeFromLast Strategy = "resume_from_last"
	// ResumeFromGate puts the story back in_progress at a chosen gate.
	ResumeFromGate Strategy = "resume_from_gate"
	// Restart resets the story to pending at the first gate with its
	// progress counters zeroed.
	Restart Strategy = "restart"
	// Skip cancels the story.
	Skip Strategy = "skip"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case ResumeFromLast, ResumeFromGate, Restart, Skip:
		return true
	}
	return false
}

var (
	// ErrNotRecoverable reports a story that recovery cannot touch:
	// already complete, cancelled, or without a single checkpoint.
	ErrNotRecoverable = errors.New("story not recoverable")
	// ErrNoResumePoint reports a resume_from_last with no usable
	// checkpoint to resume from.
	ErrNoResumePoint = errors.New("no usable resume point")
	// ErrUnknownStrategy reports a strategy outside the catalog.
	ErrUnknownStrategy = errors.New("unknown recovery strategy")
)

// resumable are the checkpoint types resume_from_last accepts as a resume
// point. Manual checkpoints record interventions, not workflow state, so
// they do not qualify.
var resumable = map[checkpoint.Type]bool{
	checkpoint.TypeGate:         true,
	checkpoint.TypeStoryStart:   true,
	checkpoint.TypeAgentHandoff: true,
	checkpoint.TypeError:        true,
}

type (
	// Options configures a Manager.
	Options struct {
		// Store is the workflow state store. Required.
		Store checkpoint.Store
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Manager applies recovery strategies against the store.
	Manager struct {
		store  checkpoint.Store
		logger telemetry.Logger
	}

	// Request is one recovery invocation.
	Request struct {
		Strategy Strategy
		// TargetGate is where resume_from_gate lands. Ignored otherwise.
		TargetGate gates.Gate
		// Reason annotates a skip. Ignored otherwise.
		Reason string
	}

	// SessionResult lists the story ids a session-wide recovery touched.
	SessionResult struct {
		Recovered []string
		Failed    []string
	}
)

// NewManager constructs a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{store: opts.Store, logger: logger}, nil
}

// Recoverable reports whether the story can be recovered at all: it is not
// complete or cancelled and has at least one checkpoint. Failed stories are
// recoverable; bringing them back is what recovery is for.
func (m *Manager) Recoverable(ctx context.Context, sessionID, storyID string) (bool, error) {
	exec, err := m.store.GetStoryExecutionByStory(ctx, sessionID, storyID)
	if err != nil {
		return false, err
	}
	if exec.Status == checkpoint.StoryComplete || exec.Status == checkpoint.StoryCancelled {
		return false, nil
	}
	cps, err := m.store.ListCheckpointsByStory(ctx, sessionID, storyID)
	if err != nil {
		return false, err
	}
	return len(cps) > 0, nil
}

// RecoverStory applies the strategy to one story and commits the resulting
// status plus a manual checkpoint in one transaction.
func (m *Manager) RecoverStory(ctx context.Context, sessionID, storyID string, req Request) (*checkpoint.StoryExecution, error) {
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	if req.Strategy == ResumeFromGate && !req.TargetGate.Valid() {
		return nil, fmt.Errorf("invalid target gate %q", req.TargetGate)
	}
	var exec *checkpoint.StoryExecution
	err := m.store.WithTx(ctx, func(tx checkpoint.Store) error {
		var err error
		exec, err = tx.GetStoryExecutionByStory(ctx, sessionID, storyID)
		if err != nil {
			return err
		}
		if exec.Status == checkpoint.StoryComplete || exec.Status == checkpoint.StoryCancelled {
			return fmt.Errorf("%w: story %s is %s", ErrNotRecoverable, storyID, exec.Status)
		}
		cps, err := tx.ListCheckpointsByStory(ctx, sessionID, storyID)
		if err != nil {
			return err
		}
		if len(cps) == 0 {
			return fmt.Errorf("%w: story %s has no checkpoints", ErrNotRecoverable, storyID)
		}
		latest := cps[len(cps)-1]

		now := time.Now().UTC()
		cp := &checkpoint.Checkpoint{
			ID:                 checkpoint.NewID(),
			SessionID:          sessionID,
			StoryID:            storyID,
			Type:               checkpoint.TypeManual,
			ParentCheckpointID: latest.ID,
			AgentID:            exec.Agent,
			State:              map[string]any{"recovery_strategy": string(req.Strategy)},
		}

		switch req.Strategy {
		case ResumeFromLast:
			point := resumePoint(cps)
			if point == nil {
				return fmt.Errorf("%w: story %s", ErrNoResumePoint, storyID)
			}
			exec.Status = checkpoint.StoryInProgress
			exec.FailedAt = nil
			cp.Name = "story resumed"
			cp.State["recovered_from"] = point.ID

		case ResumeFromGate:
			exec.Status = checkpoint.StoryInProgress
			exec.FailedAt = nil
			exec.CurrentGate = req.TargetGate
			cp.Name = "story resumed"
			cp.Gate = req.TargetGate
			cp.State["target_gate"] = string(req.TargetGate)

		case Restart:
			exec.Status = checkpoint.StoryPending
			exec.CurrentGate = gates.PreFlight
			exec.RetryCount = 0
			exec.ACPassed = 0
			exec.ACTotal = 0
			exec.TestsPassing = false
			exec.Coverage = 0
			exec.ErrorMessage = ""
			exec.StartedAt = nil
			exec.CompletedAt = nil
			exec.FailedAt = nil
			cp.Name = "story restarted"
			cp.State["restarted_at"] = now.Format(time.RFC3339)

		case Skip:
			exec.Status = checkpoint.StoryCancelled
			exec.CompletedAt = &now
			cp.Name = "story skipped"
			cp.State["skip_reason"] = req.Reason
			cp.State["skipped_at"] = now.Format(time.RFC3339)
		}

		if err := tx.UpdateStoryExecution(ctx, exec); err != nil {
			return err
		}
		return tx.CreateCheckpoint(ctx, cp)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "story recovered",
		"session_id", sessionID, "story_id", storyID,
		"strategy", string(req.Strategy), "status", string(exec.Status))
	return exec, nil
}

// RecoverSession applies the strategy to every story in the session that is
// not complete or cancelled. Each story recovers in its own transaction, so
// one unrecoverable story does not roll back the rest.
func (m *Manager) RecoverSession(ctx context.Context, sessionID string, req Request) (*SessionResult, error) {
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	execs, err := m.store.ListStoryExecutions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	res := &SessionResult{}
	for _, exec := range execs {
		if exec.Status == checkpoint.StoryComplete || exec.Status == checkpoint.StoryCancelled {
			continue
		}
		if _, err := m.RecoverStory(ctx, sessionID, exec.StoryID, req); err != nil {
			m.logger.Warn(ctx, "story recovery failed",
				"session_id", sessionID, "story_id", exec.StoryID, "error", err)
			res.Failed = append(res.Failed, exec.StoryID)
			continue
		}
		res.Recovered = append(res.Recovered, exec.StoryID)
	}
	sort.Strings(res.Recovered)
	sort.Strings(res.Failed)
	return res, nil
}

// resumePoint returns the latest checkpoint that records workflow state,
// or nil when only manual checkpoints exist.
func resumePoint(cps []*checkpoint.Checkpoint) *checkpoint.Checkpoint {
	for i := len(cps) - 1; i >= 0; i-- {
		if resumable[cps[i].Type] {
			return cps[i]
		}
	}
	return nil
}
