// Package orchestrator is the supervisor tying the wave components into one
// workflow: it materializes the session and story rows, drives the execution
// engine phase by phase (plan, architect, code fan-out, qa, gates, merge),
// runs the safety, budget, and emergency-stop checks between phases, and
// consumes worker events to keep status and result waiters current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coderwave/wave/internal/budget"
	"github.com/coderwave/wave/internal/bus"
	"github.com/coderwave/wave/internal/bus/dispatch"
	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/engine"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/gates"
	"github.com/coderwave/wave/internal/issues"
	"github.com/coderwave/wave/internal/metrics"
	"github.com/coderwave/wave/internal/notify"
	"github.com/coderwave/wave/internal/safety"
	"github.com/coderwave/wave/internal/taskqueue"
	"github.com/coderwave/wave/internal/telemetry"
	"github.com/coderwave/wave/internal/waveplan"
	"github.com/coderwave/wave/internal/worker"
	"github.com/coderwave/wave/internal/worktree"
)

// DefaultResultTimeout bounds one dispatched task's result wait.
const DefaultResultTimeout = 10 * time.Minute

// DefaultHeartbeatEvery is the worker beat cadence the stale monitor assumes
// when none is configured. A claim silent for twice this long is stale.
const DefaultHeartbeatEvery = 30 * time.Second

var (
	// ErrNoStory reports a session without a story execution.
	ErrNoStory = errors.New("session has no story execution")
	// ErrStoryBlocked reports a run stopped by a blocked story. The story
	// stays recoverable; the session stays in progress.
	ErrStoryBlocked = errors.New("story blocked")
	// ErrSessionTerminal reports an operation against a finished session.
	ErrSessionTerminal = errors.New("session already finished")

	// errRetryPhase asks the run loop to re-run the phase whose gate failed
	// with retry budget remaining.
	errRetryPhase = errors.New("phase retry")
)

// Phase labels the supervisor's position in the workflow.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhasePlan      Phase = "plan"
	PhaseArchitect Phase = "architect"
	PhaseCode      Phase = "code"
	PhaseQA        Phase = "qa"
	PhaseGates     Phase = "gates"
	PhaseMerge     Phase = "merge"
	PhaseComplete  Phase = "complete"
	PhaseBlocked   Phase = "blocked"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

type (
	// Options configures an Orchestrator. Store and Engine are required;
	// everything else degrades to a no-op or an inline fallback.
	Options struct {
		// Store is the single source of truth. Required.
		Store checkpoint.Store
		// Engine drives story state. Required.
		Engine *engine.Engine
		// Project tags sessions and events.
		Project string
		// Plan supplies the domain graph for the code fan-out. Without one
		// the story's own domain runs alone.
		Plan *waveplan.Plan
		// Queue is the dispatch fabric. Required when Distributed.
		Queue *taskqueue.Queue
		// Distributed routes tasks through the queue to external workers
		// instead of invoking Processors inline.
		Distributed bool
		// Processors maps a domain to its inline processor.
		Processors map[string]worker.Processor
		// Publisher, when set, emits lifecycle events to the bus.
		Publisher *bus.Publisher
		// Budget gates phases on token and cost ceilings.
		Budget *budget.Tracker
		// Scorer gates the plan phase and inline results.
		Scorer *safety.Scorer
		// Latch is consulted before every phase and dispatch.
		Latch *estop.Latch
		// Worktrees isolates domain coders and merges their branches.
		Worktrees *worktree.Manager
		// Metrics defaults to a private registry.
		Metrics *metrics.Metrics
		// Notifier fires at phase transitions. Failures never propagate.
		Notifier notify.Notifier
		// Issues scans worker output. Defaults to a fresh detector.
		Issues *issues.Detector
		// ResultTimeout bounds each dispatched task. Defaults to 10m.
		ResultTimeout time.Duration
		// HeartbeatEvery is the worker beat cadence; claims silent for twice
		// this long are reported stale. Defaults to 30s.
		HeartbeatEvery time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
		// Tracer defaults to a no-op.
		Tracer telemetry.Tracer
	}

	// StartRequest describes one story to run.
	StartRequest struct {
		StoryID      string
		Title        string
		ProjectPath  string
		Requirements string
		WaveNumber   int
		TokenLimit   int64
		CostLimitUSD float64
		// Domain overrides the plan lookup for the story's home domain.
		Domain string
		// Priority and StoryPoints pass through to the story row.
		Priority    int
		StoryPoints int
		Metadata    map[string]any
	}

	// Status is the caller-visible session state.
	Status struct {
		SessionID       string
		StoryID         string
		Phase           Phase
		Gate            gates.Gate
		ProgressPercent float64
		IsComplete      bool
		Err             string
	}

	// Orchestrator supervises sessions.
	Orchestrator struct {
		store       checkpoint.Store
		engine      *engine.Engine
		project     string
		plan        *waveplan.Plan
		queue       *taskqueue.Queue
		distributed bool
		processors  map[string]worker.Processor
		pub         *bus.Publisher
		budget      *budget.Tracker
		scorer      *safety.Scorer
		latch       *estop.Latch
		trees       *worktree.Manager
		metrics     *metrics.Metrics
		notifier    notify.Notifier
		issues      *issues.Detector
		waiter      *dispatch.ResultWaiter
		dispatcher  *dispatch.Dispatcher
		timeout     time.Duration
		beatEvery   time.Duration
		logger      telemetry.Logger
		tracer      telemetry.Tracer

		beats *beatBoard
	}
)

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Distributed && opts.Queue == nil {
		return nil, errors.New("distributed mode requires a queue")
	}
	timeout := opts.ResultTimeout
	if timeout <= 0 {
		timeout = DefaultResultTimeout
	}
	beatEvery := opts.HeartbeatEvery
	if beatEvery <= 0 {
		beatEvery = DefaultHeartbeatEvery
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop()
	}
	det := opts.Issues
	if det == nil {
		det = issues.NewDetector()
	}
	return &Orchestrator{
		store:       opts.Store,
		engine:      opts.Engine,
		project:     opts.Project,
		plan:        opts.Plan,
		queue:       opts.Queue,
		distributed: opts.Distributed,
		processors:  opts.Processors,
		pub:         opts.Publisher,
		budget:      opts.Budget,
		scorer:      opts.Scorer,
		latch:       opts.Latch,
		trees:       opts.Worktrees,
		metrics:     m,
		notifier:    notify.Guard(notifier, logger),
		issues:      det,
		waiter:      dispatch.NewResultWaiter(),
		timeout:     timeout,
		beatEvery:   beatEvery,
		logger:      logger,
		tracer:      tracer,
		beats:       newBeatBoard(),
	}, nil
}

// Waiter exposes the result waiter so event handlers can fulfil it.
func (o *Orchestrator) Waiter() *dispatch.ResultWaiter { return o.waiter }

// BindHandlers registers the orchestrator's event handlers on a dispatcher:
// heartbeat tracking, gate advancement, result-waiter fulfilment, agent
// error counting, and the emergency-stop bridge. The dispatcher also
// becomes the local sink for synthesized stale-worker events when no bus
// publisher is wired.
func (o *Orchestrator) BindHandlers(d *dispatch.Dispatcher) {
	o.dispatcher = d
	d.Register(event.TypeAgentBusy, dispatch.HandlerFunc(func(ctx context.Context, evt *event.Event) dispatch.Outcome {
		o.beats.record(beatSource(evt), time.Now().UTC())
		return dispatch.Outcome{Success: true, ActionTaken: "beat:" + beatSource(evt), ShouldAck: true}
	}))
	d.Register(event.TypeAgentReady, dispatch.HandlerFunc(func(ctx context.Context, evt *event.Event) dispatch.Outcome {
		o.beats.record(beatSource(evt), time.Now().UTC())
		return dispatch.Outcome{Success: true, ActionTaken: "ready:" + beatSource(evt), ShouldAck: true}
	}))
	d.Register(event.TypeGatePassed, dispatch.GateCompleteHandler{Logger: o.logger})
	d.Register(event.TypeGateFailed, dispatch.GateCompleteHandler{Logger: o.logger})
	d.Register(event.TypeAgentError, dispatch.NewAgentErrorHandler(0))
	d.Register(event.TypeAgentHandoff, dispatch.HandlerFunc(func(ctx context.Context, evt *event.Event) dispatch.Outcome {
		if evt.CorrelationID != "" {
			o.waiter.Notify(evt.CorrelationID, evt.Payload)
		}
		return dispatch.Outcome{Success: true, ActionTaken: "handoff", ShouldAck: true}
	}))
	if o.latch != nil {
		d.Register(event.TypeEmergencyStop, dispatch.EmergencyStopHandler{Trip: func(reason string) {
			o.latch.Trip(estop.SourceStream, reason)
		}})
	}
	d.RegisterGlobal(dispatch.HandlerFunc(func(ctx context.Context, evt *event.Event) dispatch.Outcome {
		o.metrics.EventConsumed(string(evt.Type))
		return dispatch.Outcome{Success: true, ActionTaken: "count", ShouldAck: true}
	}))
}

// Start materializes the session and story rows with the initial checkpoint
// and registers the budget. The run itself starts with Run.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*checkpoint.Session, error) {
	if req.StoryID == "" {
		return nil, errors.New("story id is required")
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.start")
	defer span.End()

	domain := o.resolveDomain(req)
	agent := o.resolveAgent(domain)

	now := time.Now().UTC()
	sess := &checkpoint.Session{
		ID:          checkpoint.NewID(),
		ProjectName: o.project,
		WaveNumber:  req.WaveNumber,
		Status:      checkpoint.SessionPending,
		BudgetUSD:   req.CostLimitUSD,
		StoryCount:  1,
		Metadata: map[string]any{
			"project_path": req.ProjectPath,
			"token_limit":  req.TokenLimit,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	meta := map[string]any{
		"requirements": req.Requirements,
		"project_path": req.ProjectPath,
	}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if _, err := o.engine.StartExecution(ctx, engine.StartRequest{
		SessionID:   sess.ID,
		StoryID:     req.StoryID,
		StoryTitle:  req.Title,
		Domain:      domain,
		Agent:       agent,
		Priority:    req.Priority,
		StoryPoints: req.StoryPoints,
		Metadata:    meta,
	}); err != nil {
		return nil, err
	}

	if o.budget != nil {
		o.budget.Track(req.StoryID, req.TokenLimit, req.CostLimitUSD)
	}

	o.publish(ctx, event.TypeStoryStarted, map[string]any{
		"story_id": req.StoryID,
		"title":    req.Title,
		"domain":   domain,
	}, event.WithSession(sess.ID), event.WithStory(req.StoryID))
	_ = o.notifier.Notify(ctx, "session.created", map[string]any{
		"session_id": sess.ID,
		"story_id":   req.StoryID,
	})
	o.logger.Info(ctx, "session created",
		"session_id", sess.ID, "story_id", req.StoryID, "domain", domain)
	return sess, nil
}

// Run drives the session's story to completion or a stop. Resuming a
// recovered story picks up at the phase owning its current gate.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	exec, err := o.firstStory(ctx, sessionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case checkpoint.StoryComplete:
		return nil
	case checkpoint.StoryFailed, checkpoint.StoryCancelled:
		return fmt.Errorf("%w: story %s is %s", ErrSessionTerminal, exec.StoryID, exec.Status)
	}

	now := time.Now().UTC()
	sess.Status = checkpoint.SessionInProgress
	if sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	o.publish(ctx, event.TypeSessionStarted, map[string]any{
		"project": o.project,
		"wave":    sess.WaveNumber,
	}, event.WithSession(sess.ID))
	_ = o.notifier.Notify(ctx, "session.started", map[string]any{"session_id": sess.ID})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.queue != nil {
		go o.watchWorkers(runCtx)
	}

	st := &runState{sess: sess, exec: exec, runID: sess.ID}
	if err := o.runPhases(runCtx, st); err != nil {
		return o.settleFailure(ctx, st, err)
	}
	return o.settleSuccess(ctx, st)
}

// runPhases walks the workflow from the story's current gate onward. A
// phase whose gate failed with retries left re-runs after the between-phase
// checks pass again.
func (o *Orchestrator) runPhases(ctx context.Context, st *runState) error {
	for _, ph := range o.phases() {
		if !ph.due(st) {
			continue
		}
		for {
			if err := o.preflight(st); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			phaseCtx, span := o.tracer.Start(ctx, "phase."+string(ph.name))
			err := ph.run(phaseCtx, st)
			span.End()

			if err == nil {
				_ = o.notifier.Notify(ctx, "phase.complete", map[string]any{
					"phase":    string(ph.name),
					"story_id": st.exec.StoryID,
				})
				break
			}
			if errors.Is(err, errRetryPhase) {
				o.logger.Warn(ctx, "phase retrying",
					"phase", string(ph.name), "story_id", st.exec.StoryID,
					"retry_count", st.exec.RetryCount)
				continue
			}
			return err
		}
	}
	return nil
}

// preflight runs the between-phase checks: emergency stop first, then the
// budget ceiling.
func (o *Orchestrator) preflight(st *runState) error {
	if o.latch != nil {
		if err := o.latch.Check(); err != nil {
			return err
		}
	}
	if o.budget != nil {
		if err := o.budget.CanProceed(st.exec.StoryID); err != nil && !errors.Is(err, budget.ErrUnknownStory) {
			return err
		}
	}
	return nil
}

// settleFailure maps a run error to its story and session outcome.
func (o *Orchestrator) settleFailure(ctx context.Context, st *runState, runErr error) error {
	// Context cancellation leaves the rows alone: the checkpoints make the
	// story recoverable exactly as a crash would.
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	if errors.Is(runErr, ErrStoryBlocked) {
		// Recoverable stop: session stays in progress.
		if exec, err := o.store.GetStoryExecution(ctx, st.exec.ID); err == nil {
			st.exec = exec
		}
		if st.exec.Status == checkpoint.StoryInProgress {
			if exec, err := o.engine.TransitionState(ctx, st.exec.ID, checkpoint.StoryBlocked, runErr.Error()); err != nil {
				o.logger.Error(ctx, "block transition failed", "story_id", st.exec.StoryID, "err", err)
			} else {
				st.exec = exec
			}
		}
		o.publish(ctx, event.TypeStoryBlocked, map[string]any{
			"story_id": st.exec.StoryID,
			"reason":   runErr.Error(),
		}, event.WithSession(st.sess.ID), event.WithStory(st.exec.StoryID), event.WithPriority(event.PriorityHigh))
		_ = o.notifier.Notify(ctx, "story.blocked", map[string]any{
			"story_id": st.exec.StoryID, "reason": runErr.Error(),
		})
		return runErr
	}

	reason := failureReason(runErr)
	if exec, err := o.store.GetStoryExecution(ctx, st.exec.ID); err == nil {
		st.exec = exec
	}
	if !st.exec.Status.Terminal() {
		if exec, err := o.engine.FailExecution(ctx, st.exec.ID, reason); err != nil {
			o.logger.Error(ctx, "fail execution", "story_id", st.exec.StoryID, "err", err)
		} else {
			st.exec = exec
		}
	}

	// Budget accrual mutates the stored session mid-run; write the final
	// status on the fresh row, not the one Run loaded.
	if sess, err := o.store.GetSession(ctx, st.sess.ID); err == nil {
		st.sess = sess
	}
	now := time.Now().UTC()
	st.sess.Status = checkpoint.SessionFailed
	st.sess.FailedAt = &now
	st.sess.StoriesFailed = 1
	if err := o.store.UpdateSession(ctx, st.sess); err != nil {
		o.logger.Error(ctx, "update session", "session_id", st.sess.ID, "err", err)
	}

	o.publish(ctx, event.TypeStoryFailed, map[string]any{
		"story_id": st.exec.StoryID,
		"reason":   reason,
	}, event.WithSession(st.sess.ID), event.WithStory(st.exec.StoryID), event.WithPriority(event.PriorityHigh))
	o.publish(ctx, event.TypeSessionFailed, map[string]any{
		"reason": reason,
	}, event.WithSession(st.sess.ID), event.WithPriority(event.PriorityHigh))
	_ = o.notifier.Notify(ctx, "session.failed", map[string]any{
		"session_id": st.sess.ID, "reason": reason,
	})
	o.logger.Error(ctx, "session failed",
		"session_id", st.sess.ID, "story_id", st.exec.StoryID, "reason", reason)
	return runErr
}

// settleSuccess finalizes a completed run: session bookkeeping, checkpoint
// pruning, and the completion events.
func (o *Orchestrator) settleSuccess(ctx context.Context, st *runState) error {
	// Same staleness rule as settleFailure: budget accrual already moved
	// the stored session's counters.
	if sess, err := o.store.GetSession(ctx, st.sess.ID); err == nil {
		st.sess = sess
	}
	now := time.Now().UTC()
	st.sess.Status = checkpoint.SessionCompleted
	st.sess.CompletedAt = &now
	st.sess.StoriesCompleted = 1
	if err := o.store.UpdateSession(ctx, st.sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if pruned, err := o.store.CleanupOld(ctx, st.sess.ID, checkpoint.DefaultCleanupKeep); err != nil {
		o.logger.Warn(ctx, "checkpoint cleanup failed", "session_id", st.sess.ID, "err", err)
	} else if pruned > 0 {
		o.logger.Info(ctx, "checkpoints pruned", "session_id", st.sess.ID, "removed", pruned)
	}

	o.publish(ctx, event.TypeStoryComplete, map[string]any{
		"story_id": st.exec.StoryID,
		"branch":   st.exec.BranchName,
		"commit":   st.exec.CommitSHA,
	}, event.WithSession(st.sess.ID), event.WithStory(st.exec.StoryID))
	o.publish(ctx, event.TypeSessionComplete, map[string]any{
		"project": o.project,
	}, event.WithSession(st.sess.ID))
	_ = o.notifier.Notify(ctx, "session.completed", map[string]any{
		"session_id": st.sess.ID, "story_id": st.exec.StoryID,
	})
	o.logger.Info(ctx, "session completed",
		"session_id", st.sess.ID, "story_id", st.exec.StoryID)
	return nil
}

// Status reports the caller-visible state: phase, gate, and progress as the
// fraction of the eight gates passed.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*Status, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	exec, err := o.firstStory(ctx, sessionID)
	if errors.Is(err, ErrNoStory) {
		return &Status{SessionID: sess.ID, Phase: PhasePending}, nil
	}
	if err != nil {
		return nil, err
	}

	s := &Status{
		SessionID: sess.ID,
		StoryID:   exec.StoryID,
		Gate:      exec.CurrentGate,
		Err:       exec.ErrorMessage,
	}
	switch exec.Status {
	case checkpoint.StoryComplete:
		s.Phase = PhaseComplete
		s.IsComplete = true
		s.ProgressPercent = 100
	case checkpoint.StoryFailed:
		s.Phase = PhaseFailed
		s.ProgressPercent = gateProgress(exec.CurrentGate)
	case checkpoint.StoryCancelled:
		s.Phase = PhaseCancelled
		s.ProgressPercent = gateProgress(exec.CurrentGate)
	case checkpoint.StoryBlocked:
		s.Phase = PhaseBlocked
		s.ProgressPercent = gateProgress(exec.CurrentGate)
	case checkpoint.StoryPending:
		s.Phase = PhasePending
	default:
		s.Phase = phaseForGate(exec.CurrentGate)
		s.ProgressPercent = gateProgress(exec.CurrentGate)
	}
	return s, nil
}

// Stop ends the session: the story fails with reason "stopped by user".
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	exec, err := o.firstStory(ctx, sessionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: story %s is %s", ErrSessionTerminal, exec.StoryID, exec.Status)
	}
	if _, err := o.engine.FailExecution(ctx, exec.ID, "stopped by user"); err != nil {
		return err
	}

	now := time.Now().UTC()
	sess.Status = checkpoint.SessionFailed
	sess.FailedAt = &now
	sess.StoriesFailed = 1
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	o.publish(ctx, event.TypeSessionFailed, map[string]any{
		"reason": "stopped by user",
	}, event.WithSession(sess.ID), event.WithPriority(event.PriorityHigh))
	_ = o.notifier.Notify(ctx, "session.stopped", map[string]any{"session_id": sess.ID})
	o.logger.Info(ctx, "session stopped by user", "session_id", sess.ID)
	return nil
}

// firstStory returns the session's story execution. Sessions carry exactly
// one story in the start/run surface.
func (o *Orchestrator) firstStory(ctx context.Context, sessionID string) (*checkpoint.StoryExecution, error) {
	execs, err := o.store.ListStoryExecutions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoStory, sessionID)
	}
	return execs[0], nil
}

// resolveDomain picks the story's home domain: the explicit request, then
// the plan's story binding, then the plan's first domain, then the backend
// default.
func (o *Orchestrator) resolveDomain(req StartRequest) string {
	if req.Domain != "" {
		return req.Domain
	}
	if o.plan != nil {
		for _, s := range o.plan.Stories {
			if s.ID == req.StoryID {
				return s.Domain
			}
		}
		if len(o.plan.Domains) > 0 {
			return o.plan.Domains[0].Name
		}
	}
	return "be"
}

// resolveAgent names the worker bound to a domain: the plan's agent when
// declared, otherwise the "{domain}-coder" convention.
func (o *Orchestrator) resolveAgent(domain string) string {
	if o.plan != nil {
		for _, d := range o.plan.Domains {
			if d.Name == domain && d.Agent != "" {
				return d.Agent
			}
		}
	}
	return domain + "-coder"
}

// publish emits a lifecycle event; bus failures are logged and swallowed so
// observability outages never halt execution.
func (o *Orchestrator) publish(ctx context.Context, t event.Type, payload map[string]any, opts ...event.Option) {
	if o.pub == nil {
		return
	}
	opts = append(opts, event.WithProject(o.project), event.WithSource("orchestrator"))
	evt, err := event.New(t, payload, opts...)
	if err != nil {
		o.logger.Error(ctx, "event build failed", "event_type", string(t), "err", err)
		return
	}
	if _, err := o.pub.Publish(ctx, evt); err != nil {
		o.logger.Warn(ctx, "event publish failed", "event_type", string(t), "err", err)
		return
	}
	o.metrics.EventPublished(string(t))
}

// failureReason renders a run error as the persisted story failure reason.
func failureReason(err error) string {
	switch {
	case errors.Is(err, estop.ErrEmergencyStop):
		return "emergency stop"
	case errors.Is(err, budget.ErrBudgetExceeded):
		return "budget exceeded"
	default:
		return err.Error()
	}
}

// gateProgress is the eight-gate progress fraction as a percentage.
func gateProgress(g gates.Gate) float64 {
	return float64(g.Number()) / float64(gates.Count) * 100
}

// phaseForGate inverts the phase-to-gate mapping for status reporting.
func phaseForGate(g gates.Gate) Phase {
	switch g {
	case gates.PreFlight:
		return PhasePlan
	case gates.SelfReview:
		return PhaseArchitect
	case gates.Build, gates.Test:
		return PhaseCode
	case gates.QA:
		return PhaseQA
	case gates.PMValidation, gates.ArchReview:
		return PhaseGates
	case gates.MergeApproval:
		return PhaseMerge
	default:
		return PhasePending
	}
}

// beatSource names the heartbeat owner for an event: the payload agent when
// present, else the event source.
func beatSource(evt *event.Event) string {
	if a, ok := evt.Payload["agent"].(string); ok && a != "" {
		return a
	}
	return evt.Source
}
