package testutil

import (
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder().Task("t-1").Type(core.EventAgentCompleted).Agent("recon").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	ev core.Event
}

// NewEventBuilder creates a builder for a task_started event on task "task-1".
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{ev: core.NewEvent("task-1", core.EventTaskStarted)}
}

// Task sets the task ID (chainable).
func (b *EventBuilder) Task(id string) *EventBuilder { b.ev.TaskID = id; return b }

// Type sets the event type (chainable).
func (b *EventBuilder) Type(t core.EventType) *EventBuilder { b.ev.Type = t; return b }

// Agent sets the authoring agent (chainable).
func (b *EventBuilder) Agent(id string) *EventBuilder { b.ev.AgentID = id; return b }

// Phase sets the invocation phase (chainable).
func (b *EventBuilder) Phase(p string) *EventBuilder { b.ev.Phase = p; return b }

// Round sets the peer round (chainable).
func (b *EventBuilder) Round(r int) *EventBuilder { b.ev.Round = r; return b }

// Message sets the message (chainable).
func (b *EventBuilder) Message(m string) *EventBuilder { b.ev.Message = m; return b }

// Data adds a data entry (chainable).
func (b *EventBuilder) Data(k string, v any) *EventBuilder { b.ev = b.ev.WithData(k, v); return b }

// At overrides the timestamp (chainable).
func (b *EventBuilder) At(t time.Time) *EventBuilder { b.ev.Timestamp = t; return b }

// Build returns the event.
func (b *EventBuilder) Build() core.Event { return b.ev }
