package core

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// EventType classifies lifecycle and progress events.
type EventType string

const (
	EventTaskSubmitted  EventType = "task_submitted"
	EventTaskStarted    EventType = "task_started"
	EventAgentStarted   EventType = "agent_started"
	EventAgentCompleted EventType = "agent_completed"
	EventAgentFailed    EventType = "agent_failed"
	EventRoundCompleted EventType = "round_completed"
	EventContextUpdated EventType = "context_updated"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventTaskCancelled  EventType = "task_cancelled"
)

// IsTerminal reports whether the event closes a task's event stream.
func (t EventType) IsTerminal() bool {
	return t == EventTaskCompleted || t == EventTaskFailed || t == EventTaskCancelled
}

// Event is the unit published on the event bus. After publication it should
// be treated as immutable.
type Event struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Round     int            `json:"round,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event of the given type bound to a task.
func NewEvent(taskID string, typ EventType) Event {
	return Event{
		ID:        NewID(),
		TaskID:    taskID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

// NewAgentEvent creates an event authored by an agent.
func NewAgentEvent(taskID string, typ EventType, agentID, phase string) Event {
	e := NewEvent(taskID, typ)
	e.AgentID = agentID
	e.Phase = phase

	return e
}

// WithData returns a copy of e with key set in Data.
func (e Event) WithData(key string, value any) Event {
	data := maps.Clone(e.Data)
	if data == nil {
		data = map[string]any{}
	}

	data[key] = value
	e.Data = data

	return e
}

// NewID returns a new globally unique identifier.
func NewID() string {
	return uuid.NewString()
}
