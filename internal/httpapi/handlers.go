package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/gates"
	"github.com/coderwave/wave/internal/orchestrator"
	"github.com/coderwave/wave/internal/recovery"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.StoryID == "" {
		writeError(w, http.StatusBadRequest, "story_id is required")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Requirements == "" {
		writeError(w, http.StatusBadRequest, "requirements is required")
		return
	}

	sess, err := s.orch.Start(r.Context(), orchestrator.StartRequest{
		StoryID:      req.StoryID,
		Title:        req.Title,
		ProjectPath:  req.ProjectPath,
		Requirements: req.Requirements,
		WaveNumber:   req.WaveNumber,
		TokenLimit:   req.TokenLimit,
		CostLimitUSD: req.CostLimitUSD,
		Domain:       req.Domain,
		Priority:     req.Priority,
		StoryPoints:  req.StoryPoints,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, err := s.orch.Status(r.Context(), id)
	if err != nil {
		s.writeLookupErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(st, s.running(id)))
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	execs, err := s.store.ListStoryExecutions(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]StoryView, 0, len(execs))
	for _, exec := range execs {
		out = append(out, storyView(exec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	cps, err := s.store.ListCheckpoints(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]CheckpointView, 0, len(cps))
	for _, cp := range cps {
		out = append(out, checkpointView(cp))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Status.Terminal() {
		writeError(w, http.StatusConflict, "session is "+string(sess.Status))
		return
	}
	h, runCtx, err := s.track(sess.ID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	go func() {
		defer s.untrack(sess.ID)
		defer close(h.done)
		defer h.cancel()
		if err := s.orch.Run(runCtx, sess.ID); err != nil {
			s.logger.Warn(runCtx, "session run failed", "session_id", sess.ID, "error", err)
			return
		}
		s.logger.Info(runCtx, "session run finished", "session_id", sess.ID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sess.ID,
		"status":     "accepted",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	// Cancel the in-process run first so its settle bookkeeping cannot race
	// the stop's terminal write.
	s.cancelRun(r.Context(), sess.ID)

	if err := s.orch.Stop(r.Context(), sess.ID); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrSessionTerminal):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, checkpoint.ErrNotFound), errors.Is(err, orchestrator.ErrNoStory):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sess.ID,
		"status":     "stopped",
	})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if s.recovery == nil {
		writeError(w, http.StatusNotImplemented, "recovery is not configured")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req RecoverRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	}
	strategy := recovery.Strategy(req.Strategy)
	if !strategy.Valid() {
		writeError(w, http.StatusBadRequest, "unknown strategy "+req.Strategy)
		return
	}
	target := gates.Gate(req.TargetGate)
	if strategy == recovery.ResumeFromGate && !target.Valid() {
		writeError(w, http.StatusBadRequest, "invalid target gate "+req.TargetGate)
		return
	}
	rreq := recovery.Request{Strategy: strategy, TargetGate: target, Reason: req.Reason}

	if req.StoryID != "" {
		exec, err := s.recovery.RecoverStory(r.Context(), sess.ID, req.StoryID, rreq)
		if err != nil {
			writeError(w, recoveryStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, storyView(exec))
		return
	}

	res, err := s.recovery.RecoverSession(r.Context(), sess.ID, rreq)
	if err != nil {
		writeError(w, recoveryStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RecoverSessionResponse{
		Recovered: res.Recovered,
		Failed:    res.Failed,
	})
}

func (s *Server) handleEStopState(w http.ResponseWriter, r *http.Request) {
	if s.latch == nil {
		writeError(w, http.StatusNotImplemented, "emergency stop is not configured")
		return
	}
	writeJSON(w, http.StatusOK, estopView(s.latch))
}

func (s *Server) handleEStopTrigger(w http.ResponseWriter, r *http.Request) {
	if s.latch == nil {
		writeError(w, http.StatusNotImplemented, "emergency stop is not configured")
		return
	}
	var req EStopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "triggered via api"
	}

	// The latch engages even when the marker write fails, so a marker error
	// goes to the logs, not the response.
	if err := s.latch.Trigger(reason); err != nil {
		s.logger.Warn(r.Context(), "stop marker write failed", "error", err)
	}
	if s.stream != nil {
		if err := estop.PublishStop(r.Context(), s.stream, s.stopChannel, reason); err != nil {
			s.logger.Warn(r.Context(), "stop broadcast failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, estopView(s.latch))
}

func (s *Server) handleEStopClear(w http.ResponseWriter, r *http.Request) {
	if s.latch == nil {
		writeError(w, http.StatusNotImplemented, "emergency stop is not configured")
		return
	}
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "api"
	}
	// A failed marker removal matters: the file watcher would re-trip off
	// the stray file, so the caller has to know.
	if err := s.latch.Clear(by); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, estopView(s.latch))
}

// session fetches the story session named in the URL and writes the error
// response itself when the lookup fails.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*checkpoint.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeLookupErr(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeLookupErr(w http.ResponseWriter, err error) {
	if errors.Is(err, checkpoint.ErrNotFound) || errors.Is(err, orchestrator.ErrNoStory) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func recoveryStatus(err error) int {
	switch {
	case errors.Is(err, recovery.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, recovery.ErrNotRecoverable), errors.Is(err, recovery.ErrNoResumePoint):
		return http.StatusConflict
	case errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// decodeBody tolerates an empty body; required-field checks carry the real
// validation.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
