package testutil

import (
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// TaskBuilder builds task descriptors and tasks fluently.
type TaskBuilder struct {
	d core.TaskDescriptor
}

// NewTaskBuilder starts a security_scan descriptor against example.com.
func NewTaskBuilder() *TaskBuilder {
	return &TaskBuilder{d: core.TaskDescriptor{Type: "security_scan", Target: "example.com"}}
}

// Type sets the task type (chainable).
func (b *TaskBuilder) Type(t string) *TaskBuilder { b.d.Type = t; return b }

// Target sets the target (chainable).
func (b *TaskBuilder) Target(t string) *TaskBuilder { b.d.Target = t; return b }

// Param sets one parameter (chainable).
func (b *TaskBuilder) Param(k string, v any) *TaskBuilder {
	if b.d.Parameters == nil {
		b.d.Parameters = map[string]any{}
	}

	b.d.Parameters[k] = v

	return b
}

// Topology sets the topology (chainable).
func (b *TaskBuilder) Topology(t core.Topology) *TaskBuilder { b.d.Topology = t; return b }

// Rounds sets peer rounds (chainable).
func (b *TaskBuilder) Rounds(n int) *TaskBuilder { b.d.Rounds = n; return b }

// Require sets required capabilities (chainable).
func (b *TaskBuilder) Require(caps ...string) *TaskBuilder { b.d.RequiredCapabilities = caps; return b }

// MinSuccessful sets the success threshold (chainable).
func (b *TaskBuilder) MinSuccessful(n int) *TaskBuilder { b.d.MinSuccessfulAgents = n; return b }

// Timeout sets the per-task timeout (chainable).
func (b *TaskBuilder) Timeout(d time.Duration) *TaskBuilder { b.d.Timeout = d; return b }

// Descriptor returns the descriptor.
func (b *TaskBuilder) Descriptor() core.TaskDescriptor { return b.d }

// Task returns a pending task for the descriptor.
func (b *TaskBuilder) Task() *core.Task { return core.NewTask(b.d, time.Now()) }

// Agent returns a minimal agent definition.
func Agent(id string, capabilities ...string) core.AgentDefinition {
	return core.AgentDefinition{
		ID:             id,
		Name:           id,
		Capabilities:   capabilities,
		PreferredModel: "mock",
		SystemPrompt:   "You are " + id + ".",
	}
}
