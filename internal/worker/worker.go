package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/safety"
	"github.com/coderwave/wave/internal/taskqueue"
	"github.com/coderwave/wave/internal/telemetry"
)

// defaultDequeueTimeout is the poll interval of the worker loop.
const defaultDequeueTimeout = 10 * time.Second

type (
	// Processor executes one domain task and returns the result payload.
	// Implementations are the domain coders, the QA runner, and friends.
	Processor interface {
		ProcessTask(ctx context.Context, task *taskqueue.Task) (map[string]any, error)
	}

	// ProcessorFunc adapts a function to Processor.
	ProcessorFunc func(ctx context.Context, task *taskqueue.Task) (map[string]any, error)

	// StoryLookup reports whether a story is still in progress. Workers
	// abandon tasks whose story moved on underneath them.
	StoryLookup interface {
		StoryActive(ctx context.Context, sessionID, storyID string) (bool, error)
	}

	// Options configures a Worker.
	Options struct {
		// Queue is the task fabric. Required.
		Queue *taskqueue.Queue
		// Processor does the domain work. Required.
		Processor Processor
		// Signals emits lifecycle events. Required.
		Signals *Signals
		// Domain is the queue this worker polls. Required.
		Domain string
		// WorkerID identifies this worker in claims and results.
		WorkerID string
		// SessionID scopes story lookups.
		SessionID string
		// Scorer, when set, scores produced content before results post.
		Scorer *safety.Scorer
		// BlockThreshold rewrites results below it to blocked. Defaults to
		// safety.DefaultBlockThreshold.
		BlockThreshold float64
		// Lookup, when set, lets the worker abandon tasks for stories that
		// are no longer in progress.
		Lookup StoryLookup
		// Halt, when set, is consulted before results post so a tripped
		// emergency stop abandons the task instead.
		Halt func() error
		// Trip, when set, engages the emergency stop when scored output
		// escalates to an e-stop.
		Trip func(reason string)
		// DequeueTimeout bounds each poll. Defaults to 10s.
		DequeueTimeout time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Worker runs the poll loop for one domain.
	Worker struct {
		queue     *taskqueue.Queue
		processor Processor
		signals   *Signals
		domain    string
		workerID  string
		sessionID string
		scorer    *safety.Scorer
		threshold float64
		lookup    StoryLookup
		halt      func() error
		trip      func(reason string)
		timeout   time.Duration
		logger    telemetry.Logger
	}
)

// ProcessTask calls f.
func (f ProcessorFunc) ProcessTask(ctx context.Context, task *taskqueue.Task) (map[string]any, error) {
	return f(ctx, task)
}

// New constructs a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if opts.Signals == nil {
		return nil, errors.New("signals emitter is required")
	}
	if opts.Domain == "" {
		return nil, errors.New("domain is required")
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = opts.Domain + "-worker"
	}
	threshold := opts.BlockThreshold
	if threshold <= 0 {
		threshold = safety.DefaultBlockThreshold
	}
	timeout := opts.DequeueTimeout
	if timeout <= 0 {
		timeout = defaultDequeueTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Worker{
		queue:     opts.Queue,
		processor: opts.Processor,
		signals:   opts.Signals,
		domain:    opts.Domain,
		workerID:  workerID,
		sessionID: opts.SessionID,
		scorer:    opts.Scorer,
		threshold: threshold,
		lookup:    opts.Lookup,
		halt:      opts.Halt,
		trip:      opts.Trip,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Run polls the domain queue until ctx ends. Context cancellation between
// tasks exits cleanly with nil; a task in flight always runs to completion
// first. An emergency stop surfacing from the queue ends the loop with its
// error.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "worker started", "domain", w.domain, "worker_id", w.workerID)
	defer w.signals.StopAll()
	for {
		task, err := w.queue.Dequeue(ctx, w.domain, w.timeout)
		switch {
		case errors.Is(err, taskqueue.ErrEmpty):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			w.logger.Info(ctx, "worker stopping", "domain", w.domain)
			return nil
		case err != nil:
			w.logger.Error(ctx, "worker halted", "domain", w.domain, "err", err)
			return err
		}
		w.handle(ctx, task)
	}
}

// handle drives one task start to finish. The work context survives ctx
// cancellation so graceful shutdown finishes the task in hand.
func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) {
	workCtx := context.WithoutCancel(ctx)
	start := time.Now()

	if !w.storyActive(workCtx, task) {
		w.logger.Info(workCtx, "story moved on, abandoning task",
			"task_id", task.ID, "story_id", task.StoryID)
		w.queue.Release(task.ID)
		return
	}

	w.signals.Emit(workCtx, event.TypeAgentBusy, map[string]any{
		"task_id": task.ID,
		"action":  task.Action,
	}, event.WithStory(task.StoryID), event.WithCorrelation(task.ID))
	w.signals.StartHeartbeat(task.ID, task.StoryID)
	defer w.signals.StopHeartbeat(task.ID)

	if err := w.queue.MarkInProgress(task.ID, w.workerID); err != nil {
		w.logger.Warn(workCtx, "task claim failed", "task_id", task.ID, "err", err)
		return
	}

	payload, err := w.process(workCtx, task)

	if w.halted() {
		w.logger.Warn(workCtx, "emergency stop engaged, abandoning task", "task_id", task.ID)
		w.queue.Release(task.ID)
		return
	}

	if err != nil {
		w.signals.StopHeartbeat(task.ID)
		w.signals.Emit(workCtx, event.TypeAgentError, map[string]any{
			"task_id": task.ID,
			"agent":   w.workerID,
			"error":   err.Error(),
		}, event.WithStory(task.StoryID), event.WithCorrelation(task.ID))
		w.submit(workCtx, taskqueue.Result{
			TaskID:   task.ID,
			Status:   taskqueue.StatusFailed,
			Domain:   w.domain,
			WorkerID: w.workerID,
			Duration: time.Since(start),
			Err:      err.Error(),
		})
		return
	}

	res := taskqueue.Result{
		TaskID:      task.ID,
		Status:      taskqueue.StatusCompleted,
		Domain:      w.domain,
		WorkerID:    w.workerID,
		Payload:     payload,
		Duration:    time.Since(start),
		SafetyScore: 1,
	}
	w.intercept(workCtx, &res)

	w.submit(workCtx, res)
	w.signals.StopHeartbeat(task.ID)
	w.signals.Emit(workCtx, event.TypeAgentReady, map[string]any{
		"task_id": task.ID,
		"status":  string(res.Status),
	}, event.WithStory(task.StoryID), event.WithCorrelation(task.ID))
}

// process wraps the domain processor with panic recovery so one bad task
// cannot take the worker down.
func (w *Worker) process(ctx context.Context, task *taskqueue.Task) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return w.processor.ProcessTask(ctx, task)
}

// intercept scores produced content and rewrites the result: an e-stop
// escalation trips the emergency stop and fails the task, a score under the
// threshold blocks it with the violation list.
func (w *Worker) intercept(ctx context.Context, res *taskqueue.Result) {
	if w.scorer == nil || res.Status != taskqueue.StatusCompleted {
		return
	}
	content := contentFields(res.Payload)
	if content == "" {
		return
	}
	report := w.scorer.Score(ctx, content, safety.ForWorker(w.domain))
	res.SafetyScore = report.Score
	res.Escalation = string(report.Escalation)
	if report.Escalation == safety.EscalationEStop {
		res.Status = taskqueue.StatusFailed
		res.Violations = report.PrincipleIDs()
		res.Err = "emergency stop: severity-1 output"
		if w.trip != nil {
			w.trip(fmt.Sprintf("worker %s task %s output violates %s",
				w.workerID, res.TaskID, strings.Join(res.Violations, ",")))
		}
		w.logger.Error(ctx, "result escalated to emergency stop",
			"task_id", res.TaskID, "violations", res.Violations)
		return
	}
	if report.Score < w.threshold {
		res.Status = taskqueue.StatusBlocked
		res.Violations = report.PrincipleIDs()
		res.Err = safety.ErrBlocked.Error()
		w.logger.Warn(ctx, "result blocked by safety check",
			"task_id", res.TaskID, "score", report.Score, "violations", res.Violations)
	}
}

func (w *Worker) storyActive(ctx context.Context, task *taskqueue.Task) bool {
	if w.lookup == nil || task.StoryID == "" {
		return true
	}
	active, err := w.lookup.StoryActive(ctx, w.sessionID, task.StoryID)
	if err != nil {
		// Fail open: doing the work beats dropping it on a lookup blip.
		w.logger.Warn(ctx, "story lookup failed", "story_id", task.StoryID, "err", err)
		return true
	}
	return active
}

func (w *Worker) submit(ctx context.Context, res taskqueue.Result) {
	if err := w.queue.SubmitResult(res); err != nil {
		w.logger.Error(ctx, "result submit failed", "task_id", res.TaskID, "err", err)
	}
}

func (w *Worker) halted() bool {
	return w.halt != nil && w.halt() != nil
}

// contentFields joins the scoreable fields of a result payload.
func contentFields(payload map[string]any) string {
	var parts []string
	for _, key := range []string{"code", "content", "output"} {
		if v, ok := payload[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}
