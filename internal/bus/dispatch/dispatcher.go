// Package dispatch routes decoded events to registered handlers and lets
// callers block on task results instead of polling.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coderwave/wave/internal/bus"
	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/telemetry"
)

type (
	// Outcome is what a handler reports back: whether it succeeded, the
	// action it took, handler-specific data, any errors, and whether the
	// entry may be acknowledged.
	Outcome struct {
		Success     bool
		ActionTaken string
		Data        map[string]any
		Errs        []error
		ShouldAck   bool
	}

	// Handler processes one event.
	Handler interface {
		Handle(ctx context.Context, evt *event.Event) Outcome
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, evt *event.Event) Outcome

	// DispatcherOptions configures a Dispatcher.
	DispatcherOptions struct {
		// Subscriber provides the read/ack surface. Required for Start;
		// a dispatcher used only via Dispatch (tests) may omit it.
		Subscriber *bus.Subscriber
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Dispatcher owns the handler registry and the listener goroutine.
	// Handlers for the same type run in registration order; global handlers
	// run after typed ones. The entry is acknowledged only when every
	// matched handler wants ack.
	Dispatcher struct {
		sub    *bus.Subscriber
		logger telemetry.Logger

		mu       sync.RWMutex
		handlers map[event.Type][]Handler
		global   []Handler

		runMu   sync.Mutex
		cancel  context.CancelFunc
		done    chan struct{}
		started bool
	}
)

// Handle invokes the adapted function.
func (f HandlerFunc) Handle(ctx context.Context, evt *event.Event) Outcome {
	return f(ctx, evt)
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Dispatcher{
		sub:      opts.Subscriber,
		logger:   logger,
		handlers: make(map[event.Type][]Handler),
	}
}

// Register binds a handler to one event type. Order of registration is the
// order of invocation.
func (d *Dispatcher) Register(t event.Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
}

// RegisterGlobal binds a handler to every event type.
func (d *Dispatcher) RegisterGlobal(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = append(d.global, h)
}

// Dispatch runs all matched handlers for one event and returns their
// outcomes in invocation order.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *event.Event) []Outcome {
	d.mu.RLock()
	matched := make([]Handler, 0, len(d.handlers[evt.Type])+len(d.global))
	matched = append(matched, d.handlers[evt.Type]...)
	matched = append(matched, d.global...)
	d.mu.RUnlock()

	outcomes := make([]Outcome, 0, len(matched))
	for _, h := range matched {
		outcome := h.Handle(ctx, evt)
		for _, err := range outcome.Errs {
			d.logger.Error(ctx, "handler error", "event_type", string(evt.Type), "action", outcome.ActionTaken, "err", err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Start spawns the listener goroutine on the given channel. It returns an
// error if the dispatcher is already running or has no subscriber.
func (d *Dispatcher) Start(ctx context.Context, channel string) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	if d.sub == nil {
		return errors.New("dispatcher has no subscriber")
	}
	if err := d.sub.EnsureGroup(ctx, channel); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.started = true
	go d.run(runCtx, channel)
	return nil
}

// Stop ends the listener goroutine and waits for it to exit. Safe to call
// when not started.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	if !d.started {
		d.runMu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.runMu.Unlock()

	cancel()
	<-done

	d.runMu.Lock()
	d.started = false
	d.runMu.Unlock()
}

// run is the read-dispatch-ack loop. Entries whose matched handlers all want
// ack are acknowledged; others stay pending for redelivery or claim.
func (d *Dispatcher) run(ctx context.Context, channel string) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		deliveries, err := d.sub.Read(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error(ctx, "dispatcher read failed", "channel", channel, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		for _, delivery := range deliveries {
			outcomes := d.Dispatch(ctx, delivery.Event)
			if !allWantAck(outcomes) {
				continue
			}
			if err := d.sub.Ack(ctx, channel, delivery.ID); err != nil {
				d.logger.Error(ctx, "dispatcher ack failed", "channel", channel, "id", delivery.ID, "err", err)
			}
		}
	}
}

// allWantAck is vacuously true with no matched handlers so unhandled entries
// do not pile up in the pending set.
func allWantAck(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.ShouldAck {
			return false
		}
	}
	return true
}
