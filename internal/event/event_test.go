package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAssignsIdentityAndDefaults(t *testing.T) {
	evt, err := New(TypeStoryStarted, map[string]any{"story": "AUTH-001"},
		WithSource("orchestrator"),
		WithProject("demo"),
		WithSession("sess-1"),
	)
	require.NoError(t, err)
	require.NotEmpty(t, evt.MessageID)
	require.Equal(t, PriorityNormal, evt.Priority)
	require.Equal(t, "demo", evt.Project)
	require.Equal(t, "sess-1", evt.SessionID)
	require.WithinDuration(t, time.Now(), evt.Timestamp, time.Minute)
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Type("story.exploded"), nil)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestFieldsRoundTrip(t *testing.T) {
	evt, err := New(TypeGatePassed,
		map[string]any{"gate": "gate-3", "coverage": 92.5},
		WithSource("be-worker"),
		WithProject("demo"),
		WithPriority(PriorityHigh),
		WithStory("AUTH-001"),
		WithCorrelation("task-42"),
	)
	require.NoError(t, err)

	fields, err := evt.Fields()
	require.NoError(t, err)
	require.Equal(t, "gate.passed", fields["event_type"])
	require.Contains(t, fields["payload"], `"gate":"gate-3"`)

	decoded, err := FromFields(fields)
	require.NoError(t, err)
	require.Equal(t, evt.Type, decoded.Type)
	require.Equal(t, evt.MessageID, decoded.MessageID)
	require.Equal(t, evt.Priority, decoded.Priority)
	require.Equal(t, evt.StoryID, decoded.StoryID)
	require.Equal(t, evt.CorrelationID, decoded.CorrelationID)
	require.Equal(t, "gate-3", decoded.Payload["gate"])
	require.True(t, evt.Timestamp.Equal(decoded.Timestamp))
}

func TestFromFieldsRejectsUnknownType(t *testing.T) {
	_, err := FromFields(map[string]any{"event_type": "nope"})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestFromFieldsRejectsMalformedPayload(t *testing.T) {
	_, err := FromFields(map[string]any{
		"event_type": "system.health",
		"payload":    "{not json",
	})
	require.Error(t, err)
}

func TestFromFieldsDefaultsPriority(t *testing.T) {
	decoded, err := FromFields(map[string]any{"event_type": "agent.ready"})
	require.NoError(t, err)
	require.Equal(t, PriorityNormal, decoded.Priority)
}
