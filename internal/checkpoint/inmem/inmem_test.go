package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/gates"
)

func newSession(t *testing.T, s *Store) *checkpoint.Session {
	t.Helper()
	sess := &checkpoint.Session{
		ID:          checkpoint.NewID(),
		ProjectName: "demo",
		Status:      checkpoint.SessionPending,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func addCheckpoint(t *testing.T, s *Store, sessionID, storyID, parent string, typ checkpoint.Type, g gates.Gate) *checkpoint.Checkpoint {
	t.Helper()
	c := &checkpoint.Checkpoint{
		ID:                 checkpoint.NewID(),
		SessionID:          sessionID,
		StoryID:            storyID,
		Type:               typ,
		Gate:               g,
		ParentCheckpointID: parent,
		State:              map[string]any{"gate": g.Number()},
	}
	require.NoError(t, s.CreateCheckpoint(context.Background(), c))
	return c
}

func TestSessionRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "demo", got.ProjectName)
	require.False(t, got.CreatedAt.IsZero())

	got.Status = checkpoint.SessionInProgress
	require.NoError(t, s.UpdateSession(ctx, got))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, checkpoint.SessionInProgress, got.Status)

	_, err = s.GetSession(ctx, "nope")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	require.ErrorIs(t, s.UpdateSession(ctx, &checkpoint.Session{ID: "nope"}), checkpoint.ErrNotFound)
}

func TestReadsReturnCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	got.ProjectName = "mutated"

	again, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "demo", again.ProjectName)
}

func TestDuplicateStoryExecutionRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)

	exec := &checkpoint.StoryExecution{
		ID:        checkpoint.NewID(),
		SessionID: sess.ID,
		StoryID:   "S-1",
		Status:    checkpoint.StoryPending,
	}
	require.NoError(t, s.CreateStoryExecution(ctx, exec))

	dup := &checkpoint.StoryExecution{
		ID:        checkpoint.NewID(),
		SessionID: sess.ID,
		StoryID:   "S-1",
	}
	require.ErrorIs(t, s.CreateStoryExecution(ctx, dup), checkpoint.ErrDuplicate)

	// Same story under another session is fine.
	other := newSession(t, s)
	require.NoError(t, s.CreateStoryExecution(ctx, &checkpoint.StoryExecution{
		ID:        checkpoint.NewID(),
		SessionID: other.ID,
		StoryID:   "S-1",
	}))

	got, err := s.GetStoryExecutionByStory(ctx, sess.ID, "S-1")
	require.NoError(t, err)
	require.Equal(t, exec.ID, got.ID)
}

func TestCheckpointParentChain(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)

	root := addCheckpoint(t, s, sess.ID, "S-1", "", checkpoint.TypeStoryStart, gates.PreFlight)
	child := addCheckpoint(t, s, sess.ID, "S-1", root.ID, checkpoint.TypeGate, gates.PreFlight)

	// Unknown parent and cross-session parent are both rejected.
	err := s.CreateCheckpoint(ctx, &checkpoint.Checkpoint{
		ID: checkpoint.NewID(), SessionID: sess.ID, ParentCheckpointID: "missing",
	})
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	other := newSession(t, s)
	err = s.CreateCheckpoint(ctx, &checkpoint.Checkpoint{
		ID: checkpoint.NewID(), SessionID: other.ID, ParentCheckpointID: child.ID,
	})
	require.Error(t, err)
}

func TestLatestCheckpointOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)

	addCheckpoint(t, s, sess.ID, "S-1", "", checkpoint.TypeStoryStart, gates.PreFlight)
	g0 := addCheckpoint(t, s, sess.ID, "S-1", "", checkpoint.TypeGate, gates.PreFlight)
	g1 := addCheckpoint(t, s, sess.ID, "S-1", "", checkpoint.TypeGate, gates.SelfReview)

	latest, err := s.LatestCheckpoint(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, g1.ID, latest.ID)

	gate, err := s.LatestGateCheckpoint(ctx, sess.ID, "S-1", gates.PreFlight)
	require.NoError(t, err)
	require.Equal(t, g0.ID, gate.ID)

	_, err = s.LatestGateCheckpoint(ctx, sess.ID, "S-2", gates.PreFlight)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	byType, err := s.ListCheckpointsByType(ctx, sess.ID, checkpoint.TypeGate)
	require.NoError(t, err)
	require.Len(t, byType, 2)
}

func TestCleanupOldKeepsNewest(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)

	var last *checkpoint.Checkpoint
	for i := 0; i < 8; i++ {
		last = addCheckpoint(t, s, sess.ID, "S-1", "", checkpoint.TypeGate, gates.PreFlight)
	}

	pruned, err := s.CleanupOld(ctx, sess.ID, 3)
	require.NoError(t, err)
	require.Equal(t, 5, pruned)

	left, err := s.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, left, 3)
	require.Equal(t, last.ID, left[len(left)-1].ID)

	// Under the threshold nothing goes away; keep<=0 uses the default.
	pruned, err = s.CleanupOld(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Zero(t, pruned)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)
	require.NoError(t, s.CreateStoryExecution(ctx, &checkpoint.StoryExecution{
		ID: checkpoint.NewID(), SessionID: sess.ID, StoryID: "S-1",
	}))
	addCheckpoint(t, s, sess.ID, "S-1", "", checkpoint.TypeGate, gates.PreFlight)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.GetStoryExecutionByStory(ctx, sess.ID, "S-1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	cps, err := s.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, cps)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx checkpoint.Store) error {
		if err := tx.CreateStoryExecution(ctx, &checkpoint.StoryExecution{
			ID: checkpoint.NewID(), SessionID: sess.ID, StoryID: "S-1",
		}); err != nil {
			return err
		}
		got, err := tx.GetStoryExecutionByStory(ctx, sess.ID, "S-1")
		if err != nil {
			return err
		}
		if got.StoryID != "S-1" {
			return errors.New("tx view lost the write")
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetStoryExecutionByStory(ctx, sess.ID, "S-1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestWithTxCommits(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := newSession(t, s)

	require.NoError(t, s.WithTx(ctx, func(tx checkpoint.Store) error {
		return tx.CreateStoryExecution(ctx, &checkpoint.StoryExecution{
			ID: checkpoint.NewID(), SessionID: sess.ID, StoryID: "S-2",
		})
	}))
	got, err := s.GetStoryExecutionByStory(ctx, sess.ID, "S-2")
	require.NoError(t, err)
	require.Equal(t, "S-2", got.StoryID)
}
