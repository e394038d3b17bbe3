package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coderwave/wave/internal/budget"
	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/engine"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/gates"
	"github.com/coderwave/wave/internal/issues"
	"github.com/coderwave/wave/internal/parallel"
	"github.com/coderwave/wave/internal/safety"
	"github.com/coderwave/wave/internal/taskqueue"
	"github.com/coderwave/wave/internal/worktree"
	"github.com/google/uuid"
)

// errTaskFailed marks a worker-reported failure. The owning gate spends a
// retry on it instead of aborting the run.
var errTaskFailed = errors.New("task failed")

type (
	// runState is the per-run mutable context threaded through the phases.
	runState struct {
		sess  *checkpoint.Session
		exec  *checkpoint.StoryExecution
		runID string

		mu       sync.Mutex
		agg      *parallel.Aggregate
		payloads map[string]map[string]any
	}

	phase struct {
		name Phase
		// last is the phase's final gate; the phase is due while the story
		// has not passed it.
		last gates.Gate
		run  func(ctx context.Context, st *runState) error
	}
)

func (st *runState) savePayload(domain string, payload map[string]any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.payloads == nil {
		st.payloads = make(map[string]map[string]any)
	}
	st.payloads[domain] = payload
}

func (st *runState) domainPayloads() map[string]map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]map[string]any, len(st.payloads))
	for k, v := range st.payloads {
		out[k] = v
	}
	return out
}

func (ph phase) due(st *runState) bool {
	if st.exec.Status == checkpoint.StoryComplete {
		return false
	}
	return st.exec.CurrentGate.Number() <= ph.last.Number()
}

func (o *Orchestrator) phases() []phase {
	return []phase{
		{name: PhasePlan, last: gates.PreFlight, run: o.planPhase},
		{name: PhaseArchitect, last: gates.SelfReview, run: o.architectPhase},
		{name: PhaseCode, last: gates.Test, run: o.codePhase},
		{name: PhaseQA, last: gates.QA, run: o.qaPhase},
		{name: PhaseGates, last: gates.ArchReview, run: o.gatesPhase},
		{name: PhaseMerge, last: gates.MergeApproval, run: o.mergePhase},
	}
}

// gateDue reports whether the story still has to pass g. Resumed stories
// skip gates an earlier run already moved past.
func (o *Orchestrator) gateDue(st *runState, g gates.Gate) bool {
	if st.exec.Status == checkpoint.StoryComplete {
		return false
	}
	return st.exec.CurrentGate.Number() <= g.Number()
}

// gate submits one gate result to the engine and maps the outcome: nil on a
// pass, errRetryPhase on a fail with retry budget left, a terminal error
// once the budget is gone.
func (o *Orchestrator) gate(ctx context.Context, st *runState, res engine.GateResult) error {
	exec, err := o.engine.ExecuteGate(ctx, st.exec.ID, res)
	if err != nil {
		return err
	}
	st.exec = exec

	passed := exec.Status == checkpoint.StoryComplete || exec.CurrentGate != res.Gate
	o.metrics.GateExecuted(string(res.Gate), passed)
	if passed {
		o.publish(ctx, event.TypeGatePassed, map[string]any{
			"gate":     string(res.Gate),
			"story_id": exec.StoryID,
		}, event.WithSession(st.sess.ID), event.WithStory(exec.StoryID))
		return nil
	}
	o.publish(ctx, event.TypeGateFailed, map[string]any{
		"gate":     string(res.Gate),
		"story_id": exec.StoryID,
		"retries":  exec.RetryCount,
	}, event.WithSession(st.sess.ID), event.WithStory(exec.StoryID), event.WithPriority(event.PriorityHigh))

	if exec.Status == checkpoint.StoryFailed {
		return fmt.Errorf("gate %s: %s", res.Gate.Name(), exec.ErrorMessage)
	}
	return errRetryPhase
}

// planPhase is gate-0: the story's requirements exist and clear the safety
// screen. A BLOCK verdict parks the story; an e-stop escalation trips the
// latch and fails the run.
func (o *Orchestrator) planPhase(ctx context.Context, st *runState) error {
	if !o.gateDue(st, gates.PreFlight) {
		return nil
	}
	req := payloadString(st.exec.Metadata, "requirements")
	res := engine.GateResult{
		Gate:     gates.PreFlight,
		Passed:   req != "",
		Metadata: map[string]any{},
	}
	if req == "" {
		res.Metadata["error"] = "story has no requirements"
		return o.gate(ctx, st, res)
	}
	if o.scorer != nil {
		report := o.scorer.Score(ctx, req, safety.ForWorker(st.exec.Domain))
		res.Metadata["safety_score"] = report.Score
		res.Metadata["recommendation"] = string(report.Recommendation)
		if report.Escalation == safety.EscalationEStop {
			if o.latch != nil {
				o.latch.Trip(estop.SourceSafety, fmt.Sprintf(
					"story %s requirements: %s", st.exec.StoryID, violationList(report.Violations)))
			}
			if err := o.gate(ctx, st, engine.GateResult{
				Gate:     gates.PreFlight,
				Passed:   false,
				Metadata: res.Metadata,
			}); err != nil && !errors.Is(err, errRetryPhase) {
				return err
			}
			return fmt.Errorf("%w: story %s requirements", estop.ErrEmergencyStop, st.exec.StoryID)
		}
		if report.Recommendation == safety.RecommendBlock {
			if _, err := o.engine.TransitionState(ctx, st.exec.ID, checkpoint.StoryBlocked,
				"requirements blocked by safety screen"); err != nil {
				return err
			}
			return fmt.Errorf("%w: requirements violate %s", ErrStoryBlocked, violationList(report.Violations))
		}
	}
	return o.gate(ctx, st, res)
}

// architectPhase is gate-1: the architect agent produces the design and the
// acceptance-criteria inventory.
func (o *Orchestrator) architectPhase(ctx context.Context, st *runState) error {
	if !o.gateDue(st, gates.SelfReview) {
		return nil
	}
	payload, err := o.dispatch(ctx, st, "architect", "design", map[string]any{
		"story_id":     st.exec.StoryID,
		"title":        st.exec.StoryTitle,
		"requirements": payloadString(st.exec.Metadata, "requirements"),
	})
	if err != nil {
		return o.gateOnDispatchErr(ctx, st, gates.SelfReview, err)
	}
	return o.gate(ctx, st, engine.GateResult{
		Gate:     gates.SelfReview,
		Passed:   payloadBool(payload, "design_complete", true),
		ACPassed: int(payloadInt64(payload, "ac_passed")),
		ACTotal:  int(payloadInt64(payload, "ac_total")),
		Metadata: map[string]any{"design": payloadString(payload, "design")},
	})
}

// codePhase runs gates 2 and 3: every plan domain codes concurrently in its
// worktree, layer by layer, then the build and test evidence is evaluated.
func (o *Orchestrator) codePhase(ctx context.Context, st *runState) error {
	if !o.gateDue(st, gates.Build) && !o.gateDue(st, gates.Test) {
		return nil
	}

	ex, err := parallel.NewExecutor(parallel.ExecutorOptions{
		Runner: parallel.RunnerFunc(func(ctx context.Context, domain string) (parallel.DomainResult, error) {
			return o.runDomain(ctx, st, domain)
		}),
		Halt: func() error {
			return o.preflight(st)
		},
		Logger: o.logger,
	})
	if err != nil {
		return err
	}

	agg, runErr := ex.Execute(ctx, o.graph(st))
	st.mu.Lock()
	st.agg = agg
	st.mu.Unlock()
	if runErr != nil && !errors.Is(runErr, parallel.ErrCriticalFailed) {
		return runErr
	}

	if o.gateDue(st, gates.Build) {
		res := engine.GateResult{
			Gate:           gates.Build,
			BuildSucceeded: runErr == nil,
			Metadata: map[string]any{
				"partial_failure": agg.PartialFailure,
				"failed_domains":  strings.Join(agg.FailedDomains, ","),
			},
		}
		if runErr != nil {
			res.Metadata["error"] = runErr.Error()
		}
		if err := o.gate(ctx, st, res); err != nil {
			return err
		}
	}
	if o.gateDue(st, gates.Test) {
		coverage, reported := minCoverage(st.domainPayloads())
		res := engine.GateResult{
			Gate:         gates.Test,
			TestsPassing: agg.TestsPassed,
			Coverage:     coverage,
			Metadata:     map[string]any{"coverage_reported": reported},
		}
		if err := o.gate(ctx, st, res); err != nil {
			return err
		}
	}
	return nil
}

// runDomain is the fan-out body for one domain: create the worktree when a
// manager is wired, dispatch the coding task, and fold the worker's answer
// into a domain result. Blocked and abort conditions come back as errors so
// the executor stops the whole fan-out.
func (o *Orchestrator) runDomain(ctx context.Context, st *runState, domain string) (parallel.DomainResult, error) {
	payload := map[string]any{
		"story_id":     st.exec.StoryID,
		"title":        st.exec.StoryTitle,
		"requirements": payloadString(st.exec.Metadata, "requirements"),
	}
	if o.trees != nil {
		wt, err := o.trees.Create(ctx, domain, st.runID, "")
		if err != nil {
			return parallel.DomainResult{}, fmt.Errorf("worktree for %s: %w", domain, err)
		}
		payload["worktree"] = wt.Path
		payload["branch"] = wt.Branch
	}

	started := time.Now()
	out, err := o.dispatch(ctx, st, domain, "code", payload)
	if err != nil {
		if errors.Is(err, errTaskFailed) || errors.Is(err, taskqueue.ErrResultTimeout) {
			return parallel.DomainResult{Success: false, Err: err.Error()}, nil
		}
		return parallel.DomainResult{}, err
	}
	o.metrics.TaskDone(domain, time.Since(started))
	st.savePayload(domain, out)

	return parallel.DomainResult{
		Success:       true,
		FilesModified: payloadStrings(out, "files_modified"),
		TestsPassed:   payloadBool(out, "tests_passed", true),
		BudgetUsed:    o.costOf(out),
	}, nil
}

// graph is the code fan-out topology: the plan's dependency graph, or the
// story's own domain alone when no plan is loaded.
func (o *Orchestrator) graph(st *runState) parallel.Graph {
	if o.plan != nil && len(o.plan.Domains) > 0 {
		return o.plan.Graph()
	}
	return parallel.Graph{Domains: []string{st.exec.Domain}}
}

// qaPhase is gate-4: the QA agent validates the integrated changes.
func (o *Orchestrator) qaPhase(ctx context.Context, st *runState) error {
	if !o.gateDue(st, gates.QA) {
		return nil
	}
	payload := map[string]any{
		"story_id": st.exec.StoryID,
		"title":    st.exec.StoryTitle,
	}
	st.mu.Lock()
	if st.agg != nil {
		payload["files"] = st.agg.Files
	}
	st.mu.Unlock()

	out, err := o.dispatch(ctx, st, "qa", "validate", payload)
	if err != nil {
		return o.gateOnDispatchErr(ctx, st, gates.QA, err)
	}
	return o.gate(ctx, st, engine.GateResult{
		Gate:     gates.QA,
		Passed:   payloadBool(out, "qa_passed", true),
		ACPassed: int(payloadInt64(out, "ac_passed")),
		ACTotal:  int(payloadInt64(out, "ac_total")),
		Metadata: map[string]any{"report": payloadString(out, "report")},
	})
}

// gatesPhase covers gate-5 and gate-6: the acceptance-criteria tally from
// the persisted story row, then cross-domain conflict detection over the
// fan-out's file sets.
func (o *Orchestrator) gatesPhase(ctx context.Context, st *runState) error {
	if o.gateDue(st, gates.PMValidation) {
		res := engine.GateResult{
			Gate:     gates.PMValidation,
			Passed:   st.exec.ACTotal == 0 || st.exec.ACPassed >= st.exec.ACTotal,
			ACPassed: st.exec.ACPassed,
			ACTotal:  st.exec.ACTotal,
		}
		if err := o.gate(ctx, st, res); err != nil {
			return err
		}
	}
	if o.gateDue(st, gates.ArchReview) {
		var conflicts []parallel.Conflict
		st.mu.Lock()
		if st.agg != nil {
			conflicts = parallel.DetectConflicts(st.agg.Results)
		}
		st.mu.Unlock()

		res := engine.GateResult{
			Gate:     gates.ArchReview,
			Passed:   !parallel.Blocking(conflicts),
			Metadata: map[string]any{"conflicts": len(conflicts)},
		}
		if len(conflicts) > 0 {
			names := make([]string, 0, len(conflicts))
			for _, c := range conflicts {
				names = append(names, c.Type)
			}
			res.Metadata["conflict_types"] = strings.Join(names, ",")
		}
		if err := o.gate(ctx, st, res); err != nil {
			return err
		}
	}
	return nil
}

// mergePhase is gate-7: land every successful domain branch on the
// integration branch, then finalize the story with its artifacts. A merge
// conflict fails the story outright; retrying cannot untangle branches.
func (o *Orchestrator) mergePhase(ctx context.Context, st *runState) error {
	if !o.gateDue(st, gates.MergeApproval) {
		return nil
	}

	var (
		branch string
		sha    string
		files  []string
	)
	st.mu.Lock()
	if st.agg != nil {
		files = st.agg.Files
	}
	st.mu.Unlock()

	if o.trees != nil {
		domains := o.mergeDomains(st)
		results, err := o.trees.MergeAll(ctx, st.runID, domains)
		if err != nil {
			if errors.Is(err, worktree.ErrMergeConflict) {
				return fmt.Errorf("merge conflict: %s", conflictSummary(results))
			}
			return err
		}
		branch = worktree.IntegrationBranch(st.runID)
		for _, r := range results {
			if r != nil && r.MergedSHA != "" {
				sha = r.MergedSHA
			}
		}
		if err := o.trees.CleanupRun(ctx, st.runID); err != nil {
			o.logger.Warn(ctx, "worktree cleanup failed", "run_id", st.runID, "err", err)
		}
	}

	if err := o.gate(ctx, st, engine.GateResult{
		Gate:     gates.MergeApproval,
		Passed:   true,
		Metadata: map[string]any{"branch": branch, "commit": sha},
	}); err != nil {
		return err
	}

	exec, err := o.engine.CompleteExecution(ctx, st.exec.ID, engine.Completion{
		FilesCreated:  st.exec.FilesCreated,
		FilesModified: files,
		BranchName:    branch,
		CommitSHA:     sha,
	})
	if err != nil {
		return err
	}
	st.exec = exec
	return nil
}

// mergeDomains lists the branches to land: the fan-out's successful domains
// when the aggregate survived, otherwise whatever worktrees the run left
// registered.
func (o *Orchestrator) mergeDomains(st *runState) []string {
	st.mu.Lock()
	agg := st.agg
	st.mu.Unlock()
	if agg != nil {
		failed := make(map[string]struct{}, len(agg.FailedDomains))
		for _, d := range agg.FailedDomains {
			failed[d] = struct{}{}
		}
		out := make([]string, 0, len(agg.Results))
		for _, r := range agg.Results {
			if _, bad := failed[r.Domain]; !bad {
				out = append(out, r.Domain)
			}
		}
		return out
	}
	var out []string
	for _, wt := range o.trees.List() {
		if wt.RunID == st.runID {
			out = append(out, wt.Domain)
		}
	}
	return out
}

// gateOnDispatchErr converts a dispatch failure into its gate outcome:
// worker failures and result timeouts spend a retry through the gate,
// anything else aborts the run.
func (o *Orchestrator) gateOnDispatchErr(ctx context.Context, st *runState, g gates.Gate, err error) error {
	if errors.Is(err, errTaskFailed) || errors.Is(err, taskqueue.ErrResultTimeout) {
		return o.gate(ctx, st, engine.GateResult{
			Gate:     g,
			Passed:   false,
			Metadata: map[string]any{"error": err.Error()},
		})
	}
	return err
}

// dispatch hands one task to a worker and waits for the answer: through the
// queue in distributed mode, through the inline processor otherwise. The
// result payload comes back on success; a blocked result or a fatal issue
// in the output maps to ErrStoryBlocked.
func (o *Orchestrator) dispatch(ctx context.Context, st *runState, domain, action string, payload map[string]any) (map[string]any, error) {
	if err := o.preflight(st); err != nil {
		return nil, err
	}
	task := &taskqueue.Task{
		ID:       uuid.NewString(),
		StoryID:  st.exec.StoryID,
		Domain:   domain,
		Action:   action,
		Payload:  payload,
		Deadline: time.Now().Add(o.timeout),
	}

	var res taskqueue.Result
	if o.distributed {
		if err := o.queue.Enqueue(task); err != nil {
			return nil, fmt.Errorf("enqueue %s/%s: %w", domain, action, err)
		}
		var err error
		res, err = o.queue.WaitResult(ctx, task.ID, o.timeout)
		if err != nil {
			return nil, fmt.Errorf("task %s/%s: %w", domain, action, err)
		}
	} else {
		var err error
		res, err = o.processInline(ctx, task)
		if err != nil {
			return nil, err
		}
	}
	return o.consumeResult(ctx, st, domain, action, res)
}

// processInline runs the task on the registered processor and applies the
// same safety interception a remote worker would.
func (o *Orchestrator) processInline(ctx context.Context, task *taskqueue.Task) (taskqueue.Result, error) {
	proc, ok := o.processors[task.Domain]
	if !ok {
		return taskqueue.Result{}, fmt.Errorf("no processor for domain %q", task.Domain)
	}
	taskCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	started := time.Now()
	out, err := proc.ProcessTask(taskCtx, task)
	res := taskqueue.Result{
		TaskID:   task.ID,
		Status:   taskqueue.StatusCompleted,
		Domain:   task.Domain,
		WorkerID: "inline/" + task.Domain,
		Payload:  out,
		Duration: time.Since(started),
	}
	if err != nil {
		res.Status = taskqueue.StatusFailed
		res.Err = err.Error()
		return res, nil
	}
	if o.scorer != nil {
		if content := scoreableContent(out); content != "" {
			report := o.scorer.Score(taskCtx, content, safety.ForWorker(task.Domain))
			res.SafetyScore = report.Score
			res.Escalation = string(report.Escalation)
			if report.Escalation == safety.EscalationEStop {
				res.Status = taskqueue.StatusFailed
				res.Violations = report.PrincipleIDs()
				res.Err = "emergency stop: severity-1 output"
			} else if report.Score < safety.DefaultBlockThreshold {
				res.Status = taskqueue.StatusBlocked
				res.Violations = report.PrincipleIDs()
				res.Err = safety.ErrBlocked.Error()
			}
		}
	}
	return res, nil
}

// consumeResult maps a worker result to the dispatch outcome and accrues
// its token spend. A severity-1 escalation in the output trips the
// emergency stop before any status mapping: unlike a block, it is not
// recoverable in place and the whole session halts.
func (o *Orchestrator) consumeResult(ctx context.Context, st *runState, domain, action string, res taskqueue.Result) (map[string]any, error) {
	if res.Escalation == string(safety.EscalationEStop) {
		if o.latch != nil {
			o.latch.Trip(estop.SourceSafety, fmt.Sprintf(
				"story %s %s/%s output: %s", st.exec.StoryID, domain, action, strings.Join(res.Violations, ",")))
		}
		return nil, fmt.Errorf("%w: %s/%s output violates %s",
			estop.ErrEmergencyStop, domain, action, strings.Join(res.Violations, ","))
	}
	switch res.Status {
	case taskqueue.StatusBlocked:
		return nil, fmt.Errorf("%w: %s/%s blocked (score %.2f, violations %s)",
			ErrStoryBlocked, domain, action, res.SafetyScore, strings.Join(res.Violations, ","))
	case taskqueue.StatusFailed:
		return nil, fmt.Errorf("%w: %s/%s: %s", errTaskFailed, domain, action, res.Err)
	}

	if out := payloadString(res.Payload, "output"); out != "" {
		found := o.issues.ScanOutput(out)
		if issues.AnyFatal(found) {
			return nil, fmt.Errorf("%w: fatal %s in %s output: %s",
				ErrStoryBlocked, found[0].Kind, domain, found[0].Line)
		}
	}
	o.recordSpend(ctx, st, res.Payload)
	return res.Payload, nil
}

// recordSpend accrues the payload's token count against the story budget,
// the persisted story row, and the cost counter. Cost always derives from
// the tracker's model rate table; payload-reported dollar figures are not
// trusted.
func (o *Orchestrator) recordSpend(ctx context.Context, st *runState, payload map[string]any) {
	tokens := payloadInt64(payload, "tokens")
	if tokens <= 0 {
		return
	}
	model := payloadString(payload, "model")
	cost := o.costFor(tokens, model)
	if o.budget != nil {
		if _, err := o.budget.Record(st.exec.StoryID, tokens, model); err != nil && !errors.Is(err, budget.ErrUnknownStory) {
			o.logger.Warn(ctx, "budget record failed", "story_id", st.exec.StoryID, "err", err)
		}
	}
	if err := o.engine.RecordBudget(ctx, st.exec.ID, tokens, cost); err != nil {
		o.logger.Warn(ctx, "spend persist failed", "story_id", st.exec.StoryID, "err", err)
	}
	o.metrics.CostAccrued(o.project, cost)
}

// costOf estimates the USD cost of a result payload's token count.
func (o *Orchestrator) costOf(payload map[string]any) float64 {
	return o.costFor(payloadInt64(payload, "tokens"), payloadString(payload, "model"))
}

func (o *Orchestrator) costFor(tokens int64, model string) float64 {
	if tokens <= 0 {
		return 0
	}
	if o.budget != nil {
		return o.budget.EstimateCost(tokens, model)
	}
	return float64(tokens) / 1000.0 * budget.DefaultRatePer1K
}

// minCoverage is the lowest coverage any domain reported, with a flag for
// whether anyone reported at all. No reports means the engine floor decides
// on zero.
func minCoverage(payloads map[string]map[string]any) (float64, bool) {
	low := 0.0
	reported := false
	for _, p := range payloads {
		v, ok := p["coverage"]
		if !ok {
			continue
		}
		c := toFloat(v)
		if !reported || c < low {
			low = c
		}
		reported = true
	}
	return low, reported
}

// scoreableContent joins the payload fields the safety scorer inspects:
// produced code, document content, and the agent's raw output log.
func scoreableContent(payload map[string]any) string {
	var parts []string
	for _, key := range []string{"code", "content", "output"} {
		if v, ok := payload[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

func violationList(vs []safety.Violation) string {
	if len(vs) == 0 {
		return "none"
	}
	ids := make([]string, len(vs))
	for i, v := range vs {
		ids[i] = v.PrincipleID
	}
	return strings.Join(ids, ",")
}

func conflictSummary(results []*worktree.MergeResult) string {
	var parts []string
	for _, r := range results {
		if r == nil || !r.HasConflicts {
			continue
		}
		if len(r.ConflictFiles) > 0 {
			parts = append(parts, fmt.Sprintf("%s (%s)", r.Domain, strings.Join(r.ConflictFiles, ", ")))
		} else {
			parts = append(parts, r.Domain)
		}
	}
	if len(parts) == 0 {
		return "unresolved branches"
	}
	return strings.Join(parts, "; ")
}

// Payload helpers tolerate the numeric type drift of JSON round-trips:
// what went in as int64 comes back float64.

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func payloadBool(payload map[string]any, key string, fallback bool) bool {
	if payload == nil {
		return fallback
	}
	if b, ok := payload[key].(bool); ok {
		return b
	}
	return fallback
}

func payloadInt64(payload map[string]any, key string) int64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func payloadStrings(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
