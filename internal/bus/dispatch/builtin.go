package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/coderwave/wave/internal/event"
	"github.com/coderwave/wave/internal/gates"
	"github.com/coderwave/wave/internal/telemetry"
)

type (
	// GateCompleteHandler acknowledges gate completions and names the next
	// gate in the fixed gate-0..gate-7 order. After the final gate there is
	// no next gate and the data map says so.
	GateCompleteHandler struct {
		Logger telemetry.Logger
	}

	// AgentErrorHandler counts consecutive errors per agent and escalates
	// once the retry budget is exhausted.
	AgentErrorHandler struct {
		// MaxRetries defaults to 3.
		MaxRetries int

		mu       sync.Mutex
		attempts map[string]int
	}

	// AgentBlockedHandler pauses a blocked agent, carrying the reason and
	// blocker from the event payload.
	AgentBlockedHandler struct{}

	// SessionPauseHandler reports a session pause so the orchestrator can
	// stop dispatching into it.
	SessionPauseHandler struct{}

	// EmergencyStopHandler trips the process-wide latch on
	// system.emergency_stop events. Trip is injected to keep the wiring in
	// one place.
	EmergencyStopHandler struct {
		Trip func(reason string)
	}
)

// NewAgentErrorHandler constructs the handler with the default retry budget.
func NewAgentErrorHandler(maxRetries int) *AgentErrorHandler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &AgentErrorHandler{MaxRetries: maxRetries, attempts: make(map[string]int)}
}

// Handle logs the completion and computes the next gate.
func (h GateCompleteHandler) Handle(ctx context.Context, evt *event.Event) Outcome {
	gate, _ := evt.Payload["gate"].(string)
	if h.Logger != nil {
		h.Logger.Info(ctx, "gate complete", "gate", gate, "story", evt.StoryID)
	}
	data := map[string]any{}
	if next, ok := gates.Gate(gate).Next(); ok {
		data["next_gate"] = string(next)
	} else {
		data["next_gate"] = ""
		data["final"] = true
	}
	return Outcome{
		Success:     true,
		ActionTaken: "gate_advance:" + gate,
		Data:        data,
		ShouldAck:   true,
	}
}

// Handle counts the error and either requests a retry or an escalation.
func (h *AgentErrorHandler) Handle(ctx context.Context, evt *event.Event) Outcome {
	agent := evt.Source
	if a, ok := evt.Payload["agent"].(string); ok && a != "" {
		agent = a
	}
	h.mu.Lock()
	h.attempts[agent]++
	attempt := h.attempts[agent]
	h.mu.Unlock()

	if attempt > h.MaxRetries {
		return Outcome{
			Success:     false,
			ActionTaken: "escalate:" + agent,
			Data:        map[string]any{"attempts": attempt},
			ShouldAck:   true,
		}
	}
	return Outcome{
		Success:     true,
		ActionTaken: fmt.Sprintf("retry:%s:attempt_%d", agent, attempt),
		Data:        map[string]any{"attempt": attempt},
		ShouldAck:   true,
	}
}

// Reset clears the error count for an agent, typically after a success.
func (h *AgentErrorHandler) Reset(agent string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, agent)
}

// Handle pauses the blocked agent.
func (AgentBlockedHandler) Handle(ctx context.Context, evt *event.Event) Outcome {
	agent := evt.Source
	if a, ok := evt.Payload["agent"].(string); ok && a != "" {
		agent = a
	}
	data := map[string]any{}
	if reason, ok := evt.Payload["reason"]; ok {
		data["reason"] = reason
	}
	if blocker, ok := evt.Payload["blocker"]; ok {
		data["blocker"] = blocker
	}
	return Outcome{
		Success:     true,
		ActionTaken: "pause:" + agent,
		Data:        data,
		ShouldAck:   true,
	}
}

// Handle reports the paused session.
func (SessionPauseHandler) Handle(ctx context.Context, evt *event.Event) Outcome {
	return Outcome{
		Success:     true,
		ActionTaken: "session_pause:" + evt.SessionID,
		ShouldAck:   true,
	}
}

// Handle trips the latch with the published reason.
func (h EmergencyStopHandler) Handle(ctx context.Context, evt *event.Event) Outcome {
	reason, _ := evt.Payload["reason"].(string)
	if reason == "" {
		reason = "emergency stop event"
	}
	if h.Trip != nil {
		h.Trip(reason)
	}
	return Outcome{
		Success:     true,
		ActionTaken: "emergency_stop",
		Data:        map[string]any{"reason": reason},
		ShouldAck:   true,
	}
}

