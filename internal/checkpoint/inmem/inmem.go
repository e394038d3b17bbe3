// Package inmem provides an in-memory checkpoint.Store for tests and local
// single-process runs. Reads return copies so callers cannot mutate store
// state behind the store's back; WithTx snapshots the whole state and
// restores it when the transaction function fails.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/gates"
)

// Store implements checkpoint.Store backed by maps.
type Store struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	sessions    map[string]*checkpoint.Session
	stories     map[string]*checkpoint.StoryExecution
	storyKeys   map[string]string // sessionID + "\x00" + storyID -> execution ID
	checkpoints map[string]*checkpoint.Checkpoint
}

// New constructs an empty store.
func New() *Store {
	return &Store{st: newState()}
}

func newState() *state {
	return &state{
		sessions:    make(map[string]*checkpoint.Session),
		stories:     make(map[string]*checkpoint.StoryExecution),
		storyKeys:   make(map[string]string),
		checkpoints: make(map[string]*checkpoint.Checkpoint),
	}
}

// Reset clears all state. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = newState()
}

// WithTx serializes against all other writers, snapshots the state, and
// restores the snapshot when fn fails so partial writes never survive.
func (s *Store) WithTx(ctx context.Context, fn func(tx checkpoint.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()
	if err := fn(&txView{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *checkpoint.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createSession(sess)
}

func (s *Store) GetSession(ctx context.Context, id string) (*checkpoint.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getSession(id)
}

func (s *Store) UpdateSession(ctx context.Context, sess *checkpoint.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateSession(sess)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.deleteSession(id)
}

func (s *Store) ListSessions(ctx context.Context) ([]*checkpoint.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listSessions()
}

func (s *Store) CreateStoryExecution(ctx context.Context, e *checkpoint.StoryExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createStory(e)
}

func (s *Store) GetStoryExecution(ctx context.Context, id string) (*checkpoint.StoryExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getStory(id)
}

func (s *Store) GetStoryExecutionByStory(ctx context.Context, sessionID, storyID string) (*checkpoint.StoryExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getStoryByKey(sessionID, storyID)
}

func (s *Store) UpdateStoryExecution(ctx context.Context, e *checkpoint.StoryExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateStory(e)
}

func (s *Store) ListStoryExecutions(ctx context.Context, sessionID string) ([]*checkpoint.StoryExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listStories(sessionID)
}

func (s *Store) CreateCheckpoint(ctx context.Context, c *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createCheckpoint(c)
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getCheckpoint(id)
}

func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listCheckpoints(sessionID, func(*checkpoint.Checkpoint) bool { return true })
}

func (s *Store) ListCheckpointsByStory(ctx context.Context, sessionID, storyID string) ([]*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listCheckpoints(sessionID, func(c *checkpoint.Checkpoint) bool { return c.StoryID == storyID })
}

func (s *Store) ListCheckpointsByType(ctx context.Context, sessionID string, t checkpoint.Type) ([]*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listCheckpoints(sessionID, func(c *checkpoint.Checkpoint) bool { return c.Type == t })
}

func (s *Store) ListCheckpointsByGate(ctx context.Context, sessionID string, g gates.Gate) ([]*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listCheckpoints(sessionID, func(c *checkpoint.Checkpoint) bool { return c.Gate == g })
}

func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.latestCheckpoint(sessionID, func(*checkpoint.Checkpoint) bool { return true })
}

func (s *Store) LatestGateCheckpoint(ctx context.Context, sessionID, storyID string, g gates.Gate) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.latestCheckpoint(sessionID, func(c *checkpoint.Checkpoint) bool {
		return c.Type == checkpoint.TypeGate && c.StoryID == storyID && c.Gate == g
	})
}

func (s *Store) CleanupOld(ctx context.Context, sessionID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.cleanupOld(sessionID, keep)
}

// txView exposes the state without locking; WithTx already holds the write
// lock for the whole transaction.
type txView struct {
	st *state
}

// WithTx inside a transaction just runs fn against the same view.
func (v *txView) WithTx(ctx context.Context, fn func(tx checkpoint.Store) error) error {
	return fn(v)
}

func (v *txView) CreateSession(_ context.Context, s *checkpoint.Session) error { return v.st.createSession(s) }
func (v *txView) GetSession(_ context.Context, id string) (*checkpoint.Session, error) {
	return v.st.getSession(id)
}
func (v *txView) UpdateSession(_ context.Context, s *checkpoint.Session) error { return v.st.updateSession(s) }
func (v *txView) DeleteSession(_ context.Context, id string) error             { return v.st.deleteSession(id) }
func (v *txView) ListSessions(_ context.Context) ([]*checkpoint.Session, error) {
	return v.st.listSessions()
}
func (v *txView) CreateStoryExecution(_ context.Context, e *checkpoint.StoryExecution) error {
	return v.st.createStory(e)
}
func (v *txView) GetStoryExecution(_ context.Context, id string) (*checkpoint.StoryExecution, error) {
	return v.st.getStory(id)
}
func (v *txView) GetStoryExecutionByStory(_ context.Context, sessionID, storyID string) (*checkpoint.StoryExecution, error) {
	return v.st.getStoryByKey(sessionID, storyID)
}
func (v *txView) UpdateStoryExecution(_ context.Context, e *checkpoint.StoryExecution) error {
	return v.st.updateStory(e)
}
func (v *txView) ListStoryExecutions(_ context.Context, sessionID string) ([]*checkpoint.StoryExecution, error) {
	return v.st.listStories(sessionID)
}
func (v *txView) CreateCheckpoint(_ context.Context, c *checkpoint.Checkpoint) error {
	return v.st.createCheckpoint(c)
}
func (v *txView) GetCheckpoint(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
	return v.st.getCheckpoint(id)
}
func (v *txView) ListCheckpoints(_ context.Context, sessionID string) ([]*checkpoint.Checkpoint, error) {
	return v.st.listCheckpoints(sessionID, func(*checkpoint.Checkpoint) bool { return true })
}
func (v *txView) ListCheckpointsByStory(_ context.Context, sessionID, storyID string) ([]*checkpoint.Checkpoint, error) {
	return v.st.listCheckpoints(sessionID, func(c *checkpoint.Checkpoint) bool { return c.StoryID == storyID })
}
func (v *txView) ListCheckpointsByType(_ context.Context, sessionID string, t checkpoint.Type) ([]*checkpoint.Checkpoint, error) {
	return v.st.listCheckpoints(sessionID, func(c *checkpoint.Checkpoint) bool { return c.Type == t })
}
func (v *txView) ListCheckpointsByGate(_ context.Context, sessionID string, g gates.Gate) ([]*checkpoint.Checkpoint, error) {
	return v.st.listCheckpoints(sessionID, func(c *checkpoint.Checkpoint) bool { return c.Gate == g })
}
func (v *txView) LatestCheckpoint(_ context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	return v.st.latestCheckpoint(sessionID, func(*checkpoint.Checkpoint) bool { return true })
}
func (v *txView) LatestGateCheckpoint(_ context.Context, sessionID, storyID string, g gates.Gate) (*checkpoint.Checkpoint, error) {
	return v.st.latestCheckpoint(sessionID, func(c *checkpoint.Checkpoint) bool {
		return c.Type == checkpoint.TypeGate && c.StoryID == storyID && c.Gate == g
	})
}
func (v *txView) CleanupOld(_ context.Context, sessionID string, keep int) (int, error) {
	return v.st.cleanupOld(sessionID, keep)
}

// --- core state operations ---

func storyKey(sessionID, storyID string) string {
	return sessionID + "\x00" + storyID
}

func (st *state) createSession(sess *checkpoint.Session) error {
	if _, ok := st.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	st.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (st *state) getSession(id string) (*checkpoint.Session, error) {
	sess, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, checkpoint.ErrNotFound)
	}
	return cloneSession(sess), nil
}

func (st *state) updateSession(sess *checkpoint.Session) error {
	if _, ok := st.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %s: %w", sess.ID, checkpoint.ErrNotFound)
	}
	sess.UpdatedAt = time.Now().UTC()
	st.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (st *state) deleteSession(id string) error {
	if _, ok := st.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, checkpoint.ErrNotFound)
	}
	delete(st.sessions, id)
	for sid, story := range st.stories {
		if story.SessionID == id {
			delete(st.stories, sid)
			delete(st.storyKeys, storyKey(story.SessionID, story.StoryID))
		}
	}
	for cid, cp := range st.checkpoints {
		if cp.SessionID == id {
			delete(st.checkpoints, cid)
		}
	}
	return nil
}

func (st *state) listSessions() ([]*checkpoint.Session, error) {
	out := make([]*checkpoint.Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (st *state) createStory(e *checkpoint.StoryExecution) error {
	key := storyKey(e.SessionID, e.StoryID)
	if _, ok := st.storyKeys[key]; ok {
		return fmt.Errorf("session %s story %s: %w", e.SessionID, e.StoryID, checkpoint.ErrDuplicate)
	}
	if _, ok := st.sessions[e.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", e.SessionID, checkpoint.ErrNotFound)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	st.stories[e.ID] = cloneStory(e)
	st.storyKeys[key] = e.ID
	return nil
}

func (st *state) getStory(id string) (*checkpoint.StoryExecution, error) {
	e, ok := st.stories[id]
	if !ok {
		return nil, fmt.Errorf("story execution %s: %w", id, checkpoint.ErrNotFound)
	}
	return cloneStory(e), nil
}

func (st *state) getStoryByKey(sessionID, storyID string) (*checkpoint.StoryExecution, error) {
	id, ok := st.storyKeys[storyKey(sessionID, storyID)]
	if !ok {
		return nil, fmt.Errorf("session %s story %s: %w", sessionID, storyID, checkpoint.ErrNotFound)
	}
	return st.getStory(id)
}

func (st *state) updateStory(e *checkpoint.StoryExecution) error {
	if _, ok := st.stories[e.ID]; !ok {
		return fmt.Errorf("story execution %s: %w", e.ID, checkpoint.ErrNotFound)
	}
	e.UpdatedAt = time.Now().UTC()
	st.stories[e.ID] = cloneStory(e)
	return nil
}

func (st *state) listStories(sessionID string) ([]*checkpoint.StoryExecution, error) {
	var out []*checkpoint.StoryExecution
	for _, e := range st.stories {
		if e.SessionID == sessionID {
			out = append(out, cloneStory(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (st *state) createCheckpoint(c *checkpoint.Checkpoint) error {
	if _, ok := st.checkpoints[c.ID]; ok {
		return fmt.Errorf("checkpoint %s already exists", c.ID)
	}
	if _, ok := st.sessions[c.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", c.SessionID, checkpoint.ErrNotFound)
	}
	if c.ParentCheckpointID != "" {
		parent, ok := st.checkpoints[c.ParentCheckpointID]
		if !ok {
			return fmt.Errorf("parent checkpoint %s: %w", c.ParentCheckpointID, checkpoint.ErrNotFound)
		}
		if parent.SessionID != c.SessionID {
			return fmt.Errorf("parent checkpoint %s belongs to session %s", c.ParentCheckpointID, parent.SessionID)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	st.checkpoints[c.ID] = cloneCheckpoint(c)
	return nil
}

func (st *state) getCheckpoint(id string) (*checkpoint.Checkpoint, error) {
	c, ok := st.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, checkpoint.ErrNotFound)
	}
	return cloneCheckpoint(c), nil
}

func (st *state) listCheckpoints(sessionID string, match func(*checkpoint.Checkpoint) bool) ([]*checkpoint.Checkpoint, error) {
	var out []*checkpoint.Checkpoint
	for _, c := range st.checkpoints {
		if c.SessionID == sessionID && match(c) {
			out = append(out, cloneCheckpoint(c))
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func (st *state) latestCheckpoint(sessionID string, match func(*checkpoint.Checkpoint) bool) (*checkpoint.Checkpoint, error) {
	all, _ := st.listCheckpoints(sessionID, match)
	if len(all) == 0 {
		return nil, fmt.Errorf("session %s checkpoints: %w", sessionID, checkpoint.ErrNotFound)
	}
	return all[len(all)-1], nil
}

func (st *state) cleanupOld(sessionID string, keep int) (int, error) {
	if keep <= 0 {
		keep = checkpoint.DefaultCleanupKeep
	}
	all, _ := st.listCheckpoints(sessionID, func(*checkpoint.Checkpoint) bool { return true })
	if len(all) <= keep {
		return 0, nil
	}
	doomed := all[:len(all)-keep]
	for _, c := range doomed {
		delete(st.checkpoints, c.ID)
	}
	return len(doomed), nil
}

func sortCheckpoints(cs []*checkpoint.Checkpoint) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

// --- cloning ---

func (st *state) clone() *state {
	c := newState()
	for id, sess := range st.sessions {
		c.sessions[id] = cloneSession(sess)
	}
	for id, e := range st.stories {
		c.stories[id] = cloneStory(e)
	}
	for k, v := range st.storyKeys {
		c.storyKeys[k] = v
	}
	for id, cp := range st.checkpoints {
		c.checkpoints[id] = cloneCheckpoint(cp)
	}
	return c
}

func cloneSession(s *checkpoint.Session) *checkpoint.Session {
	out := *s
	out.Metadata = cloneMap(s.Metadata)
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.FailedAt = cloneTime(s.FailedAt)
	return &out
}

func cloneStory(e *checkpoint.StoryExecution) *checkpoint.StoryExecution {
	out := *e
	out.Metadata = cloneMap(e.Metadata)
	out.FilesCreated = append([]string(nil), e.FilesCreated...)
	out.FilesModified = append([]string(nil), e.FilesModified...)
	out.StartedAt = cloneTime(e.StartedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	out.FailedAt = cloneTime(e.FailedAt)
	return &out
}

func cloneCheckpoint(c *checkpoint.Checkpoint) *checkpoint.Checkpoint {
	out := *c
	out.State = cloneMap(c.State)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
