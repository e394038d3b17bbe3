// Package event defines the messages carried on wave streams: the closed set
// of event types, priorities, and the field codec used to put events on and
// take them off the broker.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind. The set is closed: publishers and
// subscribers reject types outside it.
type Type string

const (
	TypeGateStarted      Type = "gate.started"
	TypeGatePassed       Type = "gate.passed"
	TypeGateFailed       Type = "gate.failed"
	TypeStoryStarted     Type = "story.started"
	TypeStoryComplete    Type = "story.completed"
	TypeStoryFailed      Type = "story.failed"
	TypeStoryBlocked     Type = "story.blocked"
	TypeAgentReady       Type = "agent.ready"
	TypeAgentBusy        Type = "agent.busy"
	TypeAgentError       Type = "agent.error"
	TypeAgentHandoff     Type = "agent.handoff"
	TypeSessionStarted   Type = "session.started"
	TypeSessionComplete  Type = "session.completed"
	TypeSessionFailed    Type = "session.failed"
	TypeSystemHealth     Type = "system.health"
	TypeEmergencyStop    Type = "system.emergency_stop"
	TypeSystemCheckpoint Type = "system.checkpoint"
)

// Priority orders events for consumers that care; it does not affect stream
// ordering.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ErrUnknownType reports an event type outside the closed set.
var ErrUnknownType = errors.New("unknown event type")

var validTypes = map[Type]struct{}{
	TypeGateStarted: {}, TypeGatePassed: {}, TypeGateFailed: {},
	TypeStoryStarted: {}, TypeStoryComplete: {}, TypeStoryFailed: {}, TypeStoryBlocked: {},
	TypeAgentReady: {}, TypeAgentBusy: {}, TypeAgentError: {}, TypeAgentHandoff: {},
	TypeSessionStarted: {}, TypeSessionComplete: {}, TypeSessionFailed: {},
	TypeSystemHealth: {}, TypeEmergencyStop: {}, TypeSystemCheckpoint: {},
}

// Valid reports whether t belongs to the closed event-type set.
func (t Type) Valid() bool {
	_, ok := validTypes[t]
	return ok
}

// Event is one message on a stream. MessageID is assigned at construction and
// survives the wire round-trip; the broker's own entry ID is separate.
type Event struct {
	Type          Type
	Payload       map[string]any
	Source        string
	Project       string
	Priority      Priority
	MessageID     string
	Timestamp     time.Time
	SessionID     string
	StoryID       string
	CorrelationID string
}

// Option customizes an event at construction time.
type Option func(*Event)

// WithSource sets the emitting worker identity.
func WithSource(source string) Option {
	return func(e *Event) { e.Source = source }
}

// WithProject sets the project tag.
func WithProject(project string) Option {
	return func(e *Event) { e.Project = project }
}

// WithPriority overrides the default normal priority.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Priority = p }
}

// WithSession attaches a session reference.
func WithSession(id string) Option {
	return func(e *Event) { e.SessionID = id }
}

// WithStory attaches a story reference.
func WithStory(id string) Option {
	return func(e *Event) { e.StoryID = id }
}

// WithCorrelation attaches a correlation reference, typically a task ID.
func WithCorrelation(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// New constructs an event of the given type with a fresh message ID and
// UTC timestamp. Returns ErrUnknownType for types outside the closed set.
func New(t Type, payload map[string]any, opts ...Option) (*Event, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	e := &Event{
		Type:      t,
		Payload:   payload,
		Priority:  PriorityNormal,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Fields renders the event as the string-to-string entry map written to the
// stream. The payload is serialized as JSON; optional references are omitted
// when empty.
func (e *Event) Fields() (map[string]any, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	fields := map[string]any{
		"event_type": string(e.Type),
		"payload":    string(payload),
		"source":     e.Source,
		"project":    e.Project,
		"priority":   string(e.Priority),
		"message_id": e.MessageID,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.SessionID != "" {
		fields["session_id"] = e.SessionID
	}
	if e.StoryID != "" {
		fields["story_id"] = e.StoryID
	}
	if e.CorrelationID != "" {
		fields["correlation_id"] = e.CorrelationID
	}
	return fields, nil
}

// FromFields decodes a stream entry's field map back into an event. Unknown
// event types are rejected so a poisoned entry cannot masquerade as a valid
// one; malformed payload JSON is an error for the same reason.
func FromFields(fields map[string]any) (*Event, error) {
	e := &Event{
		Type:          Type(stringField(fields, "event_type")),
		Source:        stringField(fields, "source"),
		Project:       stringField(fields, "project"),
		Priority:      Priority(stringField(fields, "priority")),
		MessageID:     stringField(fields, "message_id"),
		SessionID:     stringField(fields, "session_id"),
		StoryID:       stringField(fields, "story_id"),
		CorrelationID: stringField(fields, "correlation_id"),
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if raw := stringField(fields, "payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if raw := stringField(fields, "timestamp"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		e.Timestamp = ts
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	return e, nil
}

// stringField tolerates the broker handing values back as any string-ish
// type; go-redis returns map[string]interface{} with string values.
func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}
