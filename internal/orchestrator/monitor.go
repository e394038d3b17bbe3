package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/taskqueue"
)

// beatBoard tracks when each worker was last heard from. Heartbeats arrive
// through the bound event handlers; the stale sweep reads claims against it.
type beatBoard struct {
	mu       sync.Mutex
	last     map[string]time.Time
	reported map[string]map[string]struct{}
}

func newBeatBoard() *beatBoard {
	return &beatBoard{
		last:     make(map[string]time.Time),
		reported: make(map[string]map[string]struct{}),
	}
}

// record notes a beat and clears the worker's stale reports so a recovered
// worker that stalls again is reported again.
func (b *beatBoard) record(worker string, at time.Time) {
	if worker == "" {
		return
	}
	b.mu.Lock()
	b.last[worker] = at
	delete(b.reported, worker)
	b.mu.Unlock()
}

func (b *beatBoard) lastSeen(worker string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.last[worker]
	return at, ok
}

// markReported returns true the first time a (worker, task) pair goes
// stale, false on repeats.
func (b *beatBoard) markReported(worker, taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	tasks, ok := b.reported[worker]
	if !ok {
		tasks = make(map[string]struct{})
		b.reported[worker] = tasks
	}
	if _, dup := tasks[taskID]; dup {
		return false
	}
	tasks[taskID] = struct{}{}
	return true
}

// watchWorkers sweeps the queue's in-progress claims on the heartbeat
// cadence and raises agent.error for any claim whose worker went silent
// for two beats. Runs until the context ends.
func (o *Orchestrator) watchWorkers(ctx context.Context) {
	ticker := time.NewTicker(o.beatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepStale(ctx)
		}
	}
}

func (o *Orchestrator) sweepStale(ctx context.Context) {
	cutoff := 2 * o.beatEvery
	now := time.Now().UTC()
	for _, claim := range o.queue.Claims() {
		seen, ok := o.beats.lastSeen(claim.WorkerID)
		if !ok {
			// Never beat at all: the claim time is the baseline.
			seen = claim.Since
		}
		silent := now.Sub(seen)
		if silent < cutoff {
			continue
		}
		if !o.beats.markReported(claim.WorkerID, claim.Task.ID) {
			continue
		}
		o.reportStale(ctx, claim, silent)
	}
}

// reportStale raises one agent.error for a stale claim: onto the bus when a
// publisher is wired, into the local dispatcher otherwise, and always into
// the log.
func (o *Orchestrator) reportStale(ctx context.Context, claim taskqueue.Claim, silent time.Duration) {
	o.logger.Warn(ctx, "worker went silent",
		"worker_id", claim.WorkerID, "task_id", claim.Task.ID,
		"domain", claim.Task.Domain, "silent_for", silent.Round(time.Second).String())

	evt, err := event.New(event.TypeAgentError, map[string]any{
		"agent":   claim.WorkerID,
		"task_id": claim.Task.ID,
		"domain":  claim.Task.Domain,
		"error":   fmt.Sprintf("no heartbeat for %s", silent.Round(time.Second)),
	},
		event.WithSource("orchestrator"),
		event.WithProject(o.project),
		event.WithStory(claim.Task.StoryID),
		event.WithPriority(event.PriorityHigh),
	)
	if err != nil {
		o.logger.Error(ctx, "stale event build failed", "err", err)
		return
	}
	switch {
	case o.pub != nil:
		if _, err := o.pub.Publish(ctx, evt); err != nil {
			o.logger.Warn(ctx, "stale event publish failed", "err", err)
			return
		}
		o.metrics.EventPublished(string(evt.Type))
	case o.dispatcher != nil:
		o.dispatcher.Dispatch(ctx, evt)
	}
}
