package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/checkpoint/inmem"
	"github.com/coderwave/wave/internal/engine"
	"github.com/coderwave/wave/internal/gates"
)

const testSession = "sess-1"

func newFixture(t *testing.T) (*Manager, *engine.Engine, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	require.NoError(t, store.CreateSession(context.Background(), &checkpoint.Session{
		ID:          testSession,
		ProjectName: "demo",
		Status:      checkpoint.SessionInProgress,
	}))
	eng, err := engine.New(engine.Options{Store: store})
	require.NoError(t, err)
	mgr, err := NewManager(Options{Store: store})
	require.NoError(t, err)
	return mgr, eng, store
}

// startAndPass starts a story and passes its first n gates.
func startAndPass(t *testing.T, eng *engine.Engine, storyID string, n int) *checkpoint.StoryExecution {
	t.Helper()
	exec, err := eng.StartExecution(context.Background(), engine.StartRequest{
		SessionID:  testSession,
		StoryID:    storyID,
		StoryTitle: "Title " + storyID,
		Domain:     "be",
		Agent:      "be-dev",
	})
	require.NoError(t, err)
	for _, g := range gates.All()[:n] {
		exec, err = eng.ExecuteGate(context.Background(), exec.ID, engine.GateResult{
			Gate: g, Passed: true, BuildSucceeded: true, TestsPassing: true,
			Coverage: 0.9, ACPassed: 4, ACTotal: 6,
		})
		require.NoError(t, err)
	}
	return exec
}

func checkpoints(t *testing.T, store *inmem.Store, storyID string) []*checkpoint.Checkpoint {
	t.Helper()
	cps, err := store.ListCheckpointsByStory(context.Background(), testSession, storyID)
	require.NoError(t, err)
	return cps
}

func TestResumeFromLastAfterCrash(t *testing.T) {
	mgr, eng, store := newFixture(t)

	// Five gates passed, then the run dies at gate-5.
	exec := startAndPass(t, eng, "S-1", 5)
	require.Equal(t, gates.PMValidation, exec.CurrentGate)
	preCrash := checkpoints(t, store, "S-1")

	_, err := eng.FailExecution(context.Background(), exec.ID, "crash")
	require.NoError(t, err)

	// Failing preserves every earlier checkpoint and adds its error one.
	afterFail := checkpoints(t, store, "S-1")
	require.Len(t, afterFail, len(preCrash)+1)
	errorCP := afterFail[len(afterFail)-1]
	require.Equal(t, checkpoint.TypeError, errorCP.Type)

	started := time.Now()
	exec, err = mgr.RecoverStory(context.Background(), testSession, "S-1", Request{Strategy: ResumeFromLast})
	require.NoError(t, err)
	require.Less(t, time.Since(started), 5*time.Second)

	require.Equal(t, checkpoint.StoryInProgress, exec.Status)
	require.Equal(t, gates.PMValidation, exec.CurrentGate)
	require.Equal(t, 4, exec.ACPassed)
	require.Nil(t, exec.FailedAt)

	cps := checkpoints(t, store, "S-1")
	require.Len(t, cps, len(afterFail)+1)
	manual := cps[len(cps)-1]
	require.Equal(t, checkpoint.TypeManual, manual.Type)
	require.Equal(t, "resume_from_last", manual.State["recovery_strategy"])
	require.Equal(t, errorCP.ID, manual.State["recovered_from"])
	require.Equal(t, errorCP.ID, manual.ParentCheckpointID)
}

func TestResumeFromLastSkipsManualCheckpoints(t *testing.T) {
	mgr, eng, store := newFixture(t)

	exec := startAndPass(t, eng, "S-1", 2)
	_, err := eng.TransitionState(context.Background(), exec.ID, checkpoint.StoryBlocked, "waiting")
	require.NoError(t, err)

	// Latest checkpoint is the manual transition; the resume point must be
	// the gate checkpoint behind it.
	cps := checkpoints(t, store, "S-1")
	require.Equal(t, checkpoint.TypeManual, cps[len(cps)-1].Type)
	gateCP := cps[len(cps)-2]
	require.Equal(t, checkpoint.TypeGate, gateCP.Type)

	exec, err = mgr.RecoverStory(context.Background(), testSession, "S-1", Request{Strategy: ResumeFromLast})
	require.NoError(t, err)
	require.Equal(t, checkpoint.StoryInProgress, exec.Status)

	manual := checkpoints(t, store, "S-1")
	require.Equal(t, gateCP.ID, manual[len(manual)-1].State["recovered_from"])
}

func TestResumeFromGate(t *testing.T) {
	mgr, eng, store := newFixture(t)

	exec := startAndPass(t, eng, "S-1", 5)
	_, err := eng.FailExecution(context.Background(), exec.ID, "flaky validation")
	require.NoError(t, err)

	exec, err = mgr.RecoverStory(context.Background(), testSession, "S-1", Request{
		Strategy:   ResumeFromGate,
		TargetGate: gates.Build,
	})
	require.NoError(t, err)
	require.Equal(t, checkpoint.StoryInProgress, exec.Status)
	require.Equal(t, gates.Build, exec.CurrentGate)
	require.Nil(t, exec.FailedAt)

	cps := checkpoints(t, store, "S-1")
	manual := cps[len(cps)-1]
	require.Equal(t, checkpoint.TypeManual, manual.Type)
	require.Equal(t, gates.Build, manual.Gate)
	require.Equal(t, "gate-2", manual.State["target_gate"])
}

func TestResumeFromGateRejectsBogusTarget(t *testing.T) {
	mgr, eng, _ := newFixture(t)
	startAndPass(t, eng, "S-1", 1)

	_, err := mgr.RecoverStory(context.Background(), testSession, "S-1", Request{
		Strategy:   ResumeFromGate,
		TargetGate: gates.Gate("gate-42"),
	})
	require.Error(t, err)
}

func TestRestartZeroesProgress(t *testing.T) {
	mgr, eng, store := newFixture(t)

	exec := startAndPass(t, eng, "S-1", 4)
	require.NoError(t, eng.RecordBudget(context.Background(), exec.ID, 2000, 0.4))
	_, err := eng.ExecuteGate(context.Background(), exec.ID, engine.GateResult{Gate: gates.QA, Passed: false})
	require.NoError(t, err)
	_, err = eng.FailExecution(context.Background(), exec.ID, "qa impasse")
	require.NoError(t, err)

	exec, err = mgr.RecoverStory(context.Background(), testSession, "S-1", Request{Strategy: Restart})
	require.NoError(t, err)
	require.Equal(t, checkpoint.StoryPending, exec.Status)
	require.Equal(t, gates.PreFlight, exec.CurrentGate)
	require.Zero(t, exec.RetryCount)
	require.Zero(t, exec.ACPassed)
	require.Zero(t, exec.ACTotal)
	require.False(t, exec.TestsPassing)
	require.Zero(t, exec.Coverage)
	require.Empty(t, exec.ErrorMessage)
	require.Nil(t, exec.StartedAt)
	require.Nil(t, exec.FailedAt)

	// Restart does not refund spend already accrued.
	require.Equal(t, int64(2000), exec.TokenCount)
	require.InDelta(t, 0.4, exec.CostUSD, 1e-9)

	cps := checkpoints(t, store, "S-1")
	manual := cps[len(cps)-1]
	require.Equal(t, "restart", manual.State["recovery_strategy"])
	require.NotEmpty(t, manual.State["restarted_at"])
}

func TestSkipCancelsStory(t *testing.T) {
	mgr, eng, store := newFixture(t)

	startAndPass(t, eng, "S-1", 1)
	exec, err := mgr.RecoverStory(context.Background(), testSession, "S-1", Request{
		Strategy: Skip,
		Reason:   "descoped this wave",
	})
	require.NoError(t, err)
	require.Equal(t, checkpoint.StoryCancelled, exec.Status)
	require.NotNil(t, exec.CompletedAt)

	cps := checkpoints(t, store, "S-1")
	manual := cps[len(cps)-1]
	require.Equal(t, "descoped this wave", manual.State["skip_reason"])
	require.NotEmpty(t, manual.State["skipped_at"])

	// Once skipped the story is out of recovery's reach.
	_, err = mgr.RecoverStory(context.Background(), testSession, "S-1", Request{Strategy: Restart})
	require.ErrorIs(t, err, ErrNotRecoverable)
}

func TestCompleteStoryIsNotRecoverable(t *testing.T) {
	mgr, eng, _ := newFixture(t)

	startAndPass(t, eng, "S-1", gates.Count)
	ok, err := mgr.Recoverable(context.Background(), testSession, "S-1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = mgr.RecoverStory(context.Background(), testSession, "S-1", Request{Strategy: ResumeFromLast})
	require.ErrorIs(t, err, ErrNotRecoverable)
}

func TestStoryWithoutCheckpointsIsNotRecoverable(t *testing.T) {
	mgr, _, store := newFixture(t)

	bare := &checkpoint.StoryExecution{
		ID:        checkpoint.NewID(),
		SessionID: testSession,
		StoryID:   "S-bare",
		Status:    checkpoint.StoryFailed,
	}
	require.NoError(t, store.CreateStoryExecution(context.Background(), bare))

	ok, err := mgr.Recoverable(context.Background(), testSession, "S-bare")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = mgr.RecoverStory(context.Background(), testSession, "S-bare", Request{Strategy: Restart})
	require.ErrorIs(t, err, ErrNotRecoverable)
}

func TestResumeFromLastNeedsWorkflowCheckpoint(t *testing.T) {
	mgr, _, store := newFixture(t)

	exec := &checkpoint.StoryExecution{
		ID:        checkpoint.NewID(),
		SessionID: testSession,
		StoryID:   "S-1",
		Status:    checkpoint.StoryFailed,
	}
	require.NoError(t, store.CreateStoryExecution(context.Background(), exec))
	require.NoError(t, store.CreateCheckpoint(context.Background(), &checkpoint.Checkpoint{
		ID:        checkpoint.NewID(),
		SessionID: testSession,
		StoryID:   "S-1",
		Type:      checkpoint.TypeManual,
		Name:      "operator note",
	}))

	_, err := mgr.RecoverStory(context.Background(), testSession, "S-1", Request{Strategy: ResumeFromLast})
	require.ErrorIs(t, err, ErrNoResumePoint)

	// A gate target works without a workflow checkpoint.
	got, err := mgr.RecoverStory(context.Background(), testSession, "S-1", Request{
		Strategy:   ResumeFromGate,
		TargetGate: gates.PreFlight,
	})
	require.NoError(t, err)
	require.Equal(t, checkpoint.StoryInProgress, got.Status)
}

func TestUnknownStrategy(t *testing.T) {
	mgr, eng, _ := newFixture(t)
	startAndPass(t, eng, "S-1", 1)

	_, err := mgr.RecoverStory(context.Background(), testSession, "S-1", Request{Strategy: Strategy("rollback")})
	require.ErrorIs(t, err, ErrUnknownStrategy)
	_, err = mgr.RecoverSession(context.Background(), testSession, Request{Strategy: Strategy("rollback")})
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRecoverSessionPartitionsOutcomes(t *testing.T) {
	mgr, eng, store := newFixture(t)

	// S-1 failed with checkpoints, S-2 complete, S-3 failed without any
	// checkpoint, S-4 failed with checkpoints.
	exec1 := startAndPass(t, eng, "S-1", 3)
	_, err := eng.FailExecution(context.Background(), exec1.ID, "crash")
	require.NoError(t, err)

	startAndPass(t, eng, "S-2", gates.Count)

	require.NoError(t, store.CreateStoryExecution(context.Background(), &checkpoint.StoryExecution{
		ID:        checkpoint.NewID(),
		SessionID: testSession,
		StoryID:   "S-3",
		Status:    checkpoint.StoryFailed,
	}))

	exec4 := startAndPass(t, eng, "S-4", 6)
	_, err = eng.FailExecution(context.Background(), exec4.ID, "crash")
	require.NoError(t, err)

	started := time.Now()
	res, err := mgr.RecoverSession(context.Background(), testSession, Request{Strategy: ResumeFromLast})
	require.NoError(t, err)
	require.Less(t, time.Since(started), 5*time.Second)

	require.Equal(t, []string{"S-1", "S-4"}, res.Recovered)
	require.Equal(t, []string{"S-3"}, res.Failed)

	// The complete story was not touched.
	s2, err := store.GetStoryExecutionByStory(context.Background(), testSession, "S-2")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StoryComplete, s2.Status)

	for _, storyID := range []string{"S-1", "S-4"} {
		got, err := store.GetStoryExecutionByStory(context.Background(), testSession, storyID)
		require.NoError(t, err)
		require.Equal(t, checkpoint.StoryInProgress, got.Status)
	}
}
