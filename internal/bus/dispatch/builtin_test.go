package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderwave/wave/internal/event"
)

func TestGateCompleteHandlerNamesNextGate(t *testing.T) {
	h := GateCompleteHandler{}
	evt := mustEvent(t, event.TypeGatePassed, map[string]any{"gate": "gate-3"})

	outcome := h.Handle(context.Background(), evt)
	require.True(t, outcome.Success)
	require.Equal(t, "gate_advance:gate-3", outcome.ActionTaken)
	require.Equal(t, "gate-4", outcome.Data["next_gate"])
	require.True(t, outcome.ShouldAck)
}

func TestGateCompleteHandlerFinalGate(t *testing.T) {
	h := GateCompleteHandler{}
	evt := mustEvent(t, event.TypeGatePassed, map[string]any{"gate": "gate-7"})

	outcome := h.Handle(context.Background(), evt)
	require.Equal(t, "gate_advance:gate-7", outcome.ActionTaken)
	require.Equal(t, "", outcome.Data["next_gate"])
	require.Equal(t, true, outcome.Data["final"])
}

func TestAgentErrorHandlerRetriesThenEscalates(t *testing.T) {
	h := NewAgentErrorHandler(3)
	evt := mustEvent(t, event.TypeAgentError, map[string]any{"agent": "be-worker"})
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		outcome := h.Handle(ctx, evt)
		require.True(t, outcome.Success)
		require.Equal(t, fmt.Sprintf("retry:be-worker:attempt_%d", attempt), outcome.ActionTaken)
	}

	outcome := h.Handle(ctx, evt)
	require.False(t, outcome.Success)
	require.Equal(t, "escalate:be-worker", outcome.ActionTaken)
}

func TestAgentErrorHandlerResetClearsCount(t *testing.T) {
	h := NewAgentErrorHandler(1)
	evt := mustEvent(t, event.TypeAgentError, map[string]any{"agent": "fe-worker"})
	ctx := context.Background()

	require.Equal(t, "retry:fe-worker:attempt_1", h.Handle(ctx, evt).ActionTaken)
	h.Reset("fe-worker")
	require.Equal(t, "retry:fe-worker:attempt_1", h.Handle(ctx, evt).ActionTaken)
}

func TestAgentBlockedHandlerCarriesReason(t *testing.T) {
	h := AgentBlockedHandler{}
	evt := mustEvent(t, event.TypeStoryBlocked, map[string]any{
		"agent":   "qa-worker",
		"reason":  "missing fixtures",
		"blocker": "fe-worker",
	})

	outcome := h.Handle(context.Background(), evt)
	require.Equal(t, "pause:qa-worker", outcome.ActionTaken)
	require.Equal(t, "missing fixtures", outcome.Data["reason"])
	require.Equal(t, "fe-worker", outcome.Data["blocker"])
}

func TestSessionPauseHandler(t *testing.T) {
	h := SessionPauseHandler{}
	evt := mustEvent(t, event.TypeSessionFailed, nil, event.WithSession("sess-9"))

	outcome := h.Handle(context.Background(), evt)
	require.Equal(t, "session_pause:sess-9", outcome.ActionTaken)
}

func TestEmergencyStopHandlerTripsLatch(t *testing.T) {
	var reason string
	h := EmergencyStopHandler{Trip: func(r string) { reason = r }}
	evt := mustEvent(t, event.TypeEmergencyStop, map[string]any{"reason": "operator request"})

	outcome := h.Handle(context.Background(), evt)
	require.Equal(t, "emergency_stop", outcome.ActionTaken)
	require.Equal(t, "operator request", reason)
}

func TestGateCompleteHandlerUnknownLabel(t *testing.T) {
	h := GateCompleteHandler{}
	evt := mustEvent(t, event.TypeGatePassed, map[string]any{"gate": "review"})

	outcome := h.Handle(context.Background(), evt)
	require.Equal(t, "", outcome.Data["next_gate"])
	require.Equal(t, true, outcome.Data["final"])
}
