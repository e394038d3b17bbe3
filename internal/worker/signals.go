// Package worker implements the domain worker: a poll loop that claims
// tasks, runs the domain processor, scores produced content, and posts
// results, plus the signal emitter that keeps the orchestrator informed of
// the worker's lifecycle.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coderwave/wave/internal/bus"
	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/telemetry"
)

// defaultHeartbeatEvery is the progress-beat cadence while a task runs.
const defaultHeartbeatEvery = 30 * time.Second

type (
	// SignalsOptions configures a Signals emitter.
	SignalsOptions struct {
		// Publisher carries the events. Required.
		Publisher *bus.Publisher
		// AgentID stamps the source field of emitted events.
		AgentID string
		// Project tags emitted events.
		Project string
		// HeartbeatEvery is the beat cadence. Defaults to 30s.
		HeartbeatEvery time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Signals publishes a worker's lifecycle events and runs at most one
	// heartbeat goroutine per active task. Emission is best effort: a task
	// never fails because the broker dropped a progress signal.
	Signals struct {
		pub     *bus.Publisher
		agentID string
		project string
		every   time.Duration
		logger  telemetry.Logger

		mu    sync.Mutex
		beats map[string]chan struct{}
		wg    sync.WaitGroup
	}
)

// NewSignals constructs a Signals emitter.
func NewSignals(opts SignalsOptions) (*Signals, error) {
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	every := opts.HeartbeatEvery
	if every <= 0 {
		every = defaultHeartbeatEvery
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Signals{
		pub:     opts.Publisher,
		agentID: opts.AgentID,
		project: opts.Project,
		every:   every,
		logger:  logger,
		beats:   make(map[string]chan struct{}),
	}, nil
}

// Emit publishes one lifecycle event. Failures are logged and swallowed.
func (s *Signals) Emit(ctx context.Context, t event.Type, payload map[string]any, opts ...event.Option) {
	opts = append([]event.Option{
		event.WithSource(s.agentID),
		event.WithProject(s.project),
	}, opts...)
	evt, err := event.New(t, payload, opts...)
	if err != nil {
		s.logger.Warn(ctx, "signal build failed", "type", string(t), "err", err)
		return
	}
	if _, err := s.pub.Publish(ctx, evt); err != nil {
		s.logger.Warn(ctx, "signal publish failed", "type", string(t), "err", err)
	}
}

// StartHeartbeat begins the progress beat for a task: periodic agent.busy
// events with a heartbeat marker. A second start for the same task is a
// no-op.
func (s *Signals) StartHeartbeat(taskID, storyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.beats[taskID]; ok {
		return
	}
	stop := make(chan struct{})
	s.beats[taskID] = stop
	s.wg.Add(1)
	go s.beat(taskID, storyID, stop)
}

// StopHeartbeat ends the task's beat. Safe to call repeatedly.
func (s *Signals) StopHeartbeat(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.beats[taskID]; ok {
		close(stop)
		delete(s.beats, taskID)
	}
}

// StopAll ends every beat and waits for the goroutines to drain.
func (s *Signals) StopAll() {
	s.mu.Lock()
	for id, stop := range s.beats {
		close(stop)
		delete(s.beats, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Signals) beat(taskID, storyID string, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Emit(context.Background(), event.TypeAgentBusy, map[string]any{
				"heartbeat": true,
				"task_id":   taskID,
			}, event.WithStory(storyID), event.WithCorrelation(taskID))
		}
	}
}
