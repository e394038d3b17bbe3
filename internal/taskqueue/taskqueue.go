// Package taskqueue implements the dispatch fabric between the orchestrator
// and its workers: one FIFO per domain tag, a claim map for in-progress
// tasks, and a results mailbox that wakes the waiter for a task identity.
// Every blocking wait honors the emergency-stop hook before resuming.
package taskqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/coderwave/wave/internal/telemetry"
)

// haltPollInterval bounds how long a blocked caller can outlive a tripped
// emergency stop.
const haltPollInterval = 250 * time.Millisecond

// Status labels a task result.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

var (
	// ErrEmpty reports a dequeue that found no task within its timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrResultTimeout reports a result wait that expired.
	ErrResultTimeout = errors.New("result wait timed out")
	// ErrUnknownTask reports an operation against a task the queue does not
	// hold.
	ErrUnknownTask = errors.New("unknown task")
	// ErrClaimed reports a second claim on an already-claimed task.
	ErrClaimed = errors.New("task already claimed")
)

type (
	// Task is one unit of work handed to a worker.
	Task struct {
		ID          string
		StoryID     string
		Domain      string
		Action      string
		Payload     map[string]any
		SubmittedAt time.Time
		Attempt     int
		Deadline    time.Time
	}

	// Result is a worker's answer, matched to its task by ID. Violations
	// carries principle IDs when a safety check rewrote the result to
	// blocked.
	Result struct {
		TaskID      string
		Status      Status
		Domain      string
		WorkerID    string
		Payload     map[string]any
		Duration    time.Duration
		SafetyScore float64
		Violations  []string
		// Escalation is the safety posture of the scored output, so the
		// consumer can tell an ordinary block from an emergency stop.
		Escalation string
		Err        string
	}

	// Claim describes one in-progress task for monitoring.
	Claim struct {
		Task     Task
		WorkerID string
		Since    time.Time
	}

	// QueueOptions configures a Queue.
	QueueOptions struct {
		// Halt, when set, is consulted before every blocking wait resumes
		// so a tripped emergency stop surfaces instead of the wait riding
		// out its timeout.
		Halt func() error
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Queue is the in-memory task fabric. Safe for concurrent use.
	Queue struct {
		halt   func() error
		logger telemetry.Logger

		mu      sync.Mutex
		fifos   map[string][]*Task
		arrival map[string]chan struct{}
		byID    map[string]*Task
		claims  map[string]claimRecord
		results map[string]Result
		waiters map[string][]chan Result
	}

	claimRecord struct {
		workerID string
		since    time.Time
	}
)

// NewQueue constructs an empty Queue.
func NewQueue(opts QueueOptions) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Queue{
		halt:    opts.Halt,
		logger:  logger,
		fifos:   make(map[string][]*Task),
		arrival: make(map[string]chan struct{}),
		byID:    make(map[string]*Task),
		claims:  make(map[string]claimRecord),
		results: make(map[string]Result),
		waiters: make(map[string][]chan Result),
	}
}

// Enqueue appends the task to its domain FIFO and wakes blocked consumers.
// It never blocks.
func (q *Queue) Enqueue(task *Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if task.Domain == "" {
		return errors.New("task domain is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now().UTC()
	}
	q.fifos[task.Domain] = append(q.fifos[task.Domain], task)
	q.byID[task.ID] = task
	// Broadcast: all waiters for the domain wake and race to pop; losers
	// park on a fresh channel.
	if ch, ok := q.arrival[task.Domain]; ok {
		close(ch)
		delete(q.arrival, task.Domain)
	}
	return nil
}

// Dequeue pops the oldest task for the domain, blocking up to timeout for
// one to arrive. A zero or negative timeout polls: it returns ErrEmpty
// immediately when nothing is queued.
func (q *Queue) Dequeue(ctx context.Context, domain string, timeout time.Duration) (*Task, error) {
	if err := q.checkHalt(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	if t := q.popLocked(domain); t != nil {
		q.mu.Unlock()
		return t, nil
	}
	if timeout <= 0 {
		q.mu.Unlock()
		return nil, ErrEmpty
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	haltTick := time.NewTicker(haltPollInterval)
	defer haltTick.Stop()

	for {
		arrival := q.arrivalLocked(domain)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrEmpty
		case <-haltTick.C:
			if err := q.checkHalt(); err != nil {
				return nil, err
			}
			q.mu.Lock()
		case <-arrival:
			if err := q.checkHalt(); err != nil {
				return nil, err
			}
			q.mu.Lock()
		}
		if t := q.popLocked(domain); t != nil {
			q.mu.Unlock()
			return t, nil
		}
	}
}

// MarkInProgress records the worker claiming a dequeued task.
func (q *Queue) MarkInProgress(taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[taskID]; !ok {
		return ErrUnknownTask
	}
	if _, ok := q.claims[taskID]; ok {
		return ErrClaimed
	}
	q.claims[taskID] = claimRecord{workerID: workerID, since: time.Now().UTC()}
	return nil
}

// Release drops a task and its claim without posting a result. Workers call
// it when abandoning a task whose story moved on underneath them.
func (q *Queue) Release(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byID, taskID)
	delete(q.claims, taskID)
}

// SubmitResult stores the result, retires the task, and wakes every waiter
// for its identity.
func (q *Queue) SubmitResult(res Result) error {
	if res.TaskID == "" {
		return errors.New("task id is required")
	}
	q.mu.Lock()
	q.results[res.TaskID] = res
	delete(q.byID, res.TaskID)
	delete(q.claims, res.TaskID)
	waiters := q.waiters[res.TaskID]
	delete(q.waiters, res.TaskID)
	q.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
	return nil
}

// WaitResult blocks until the task's result is posted, the timeout expires,
// or the context ends. A zero timeout waits until ctx alone gives up. The
// consumed result is removed from the mailbox.
func (q *Queue) WaitResult(ctx context.Context, taskID string, timeout time.Duration) (Result, error) {
	if err := q.checkHalt(); err != nil {
		return Result{}, err
	}
	q.mu.Lock()
	if res, ok := q.results[taskID]; ok {
		delete(q.results, taskID)
		q.mu.Unlock()
		return res, nil
	}
	ch := make(chan Result, 1)
	q.waiters[taskID] = append(q.waiters[taskID], ch)
	q.mu.Unlock()
	defer q.dropWaiter(taskID, ch)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	haltTick := time.NewTicker(haltPollInterval)
	defer haltTick.Stop()

	for {
		select {
		case res := <-ch:
			if err := q.checkHalt(); err != nil {
				return Result{}, err
			}
			q.mu.Lock()
			delete(q.results, taskID)
			q.mu.Unlock()
			return res, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline:
			return Result{}, ErrResultTimeout
		case <-haltTick.C:
			if err := q.checkHalt(); err != nil {
				return Result{}, err
			}
		}
	}
}

// Result peeks at a stored result without consuming it.
func (q *Queue) Result(taskID string) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, ok := q.results[taskID]
	return res, ok
}

// Claims lists in-progress tasks ordered by claim time.
func (q *Queue) Claims() []Claim {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Claim, 0, len(q.claims))
	for id, rec := range q.claims {
		task, ok := q.byID[id]
		if !ok {
			continue
		}
		out = append(out, Claim{Task: *task, WorkerID: rec.workerID, Since: rec.since})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].Task.ID < out[j].Task.ID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Depth reports how many tasks are queued, not yet dequeued, for a domain.
func (q *Queue) Depth(domain string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifos[domain])
}

// Depths reports queue depth per domain for domains with queued tasks.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.fifos))
	for domain, fifo := range q.fifos {
		if len(fifo) > 0 {
			out[domain] = len(fifo)
		}
	}
	return out
}

func (q *Queue) popLocked(domain string) *Task {
	fifo := q.fifos[domain]
	if len(fifo) == 0 {
		return nil
	}
	t := fifo[0]
	q.fifos[domain] = fifo[1:]
	return t
}

func (q *Queue) arrivalLocked(domain string) chan struct{} {
	ch, ok := q.arrival[domain]
	if !ok {
		ch = make(chan struct{})
		q.arrival[domain] = ch
	}
	return ch
}

func (q *Queue) dropWaiter(taskID string, ch chan Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := q.waiters[taskID]
	for i, w := range ws {
		if w == ch {
			q.waiters[taskID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(q.waiters[taskID]) == 0 {
		delete(q.waiters, taskID)
	}
}

func (q *Queue) checkHalt() error {
	if q.halt == nil {
		return nil
	}
	return q.halt()
}
