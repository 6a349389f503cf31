package core

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusExecuting TaskStatus = "executing"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next respects the monotonic
// pending -> executing -> {completed|failed} order. A pending task may also
// fail directly (e.g. cancelled before it started).
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusExecuting || next == StatusFailed
	case StatusExecuting:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Failure reasons recorded on failed tasks.
const (
	ReasonCancelled      = "cancelled"
	ReasonTimeout        = "timeout"
	ReasonNoAgent        = "no_agent_available"
	ReasonDecomposition  = "decomposition_failed"
	ReasonThresholdUnmet = "agent_threshold_unmet"
	ReasonInfrastructure = "infrastructure_error"
)

// Topology names one of the four collaboration patterns.
type Topology string

const (
	TopologySequential   Topology = "sequential"
	TopologyParallel     Topology = "parallel"
	TopologyHierarchical Topology = "hierarchical"
	TopologyPeerToPeer   Topology = "peer_to_peer"
)

// Topologies lists every supported topology in a stable order.
var Topologies = []Topology{TopologySequential, TopologyParallel, TopologyHierarchical, TopologyPeerToPeer}

// ParseTopology accepts the canonical names plus a few common aliases.
// The empty string yields the empty topology (caller decides the default).
func ParseTopology(s string) (Topology, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "sequential", "seq":
		return TopologySequential, nil
	case "parallel", "par":
		return TopologyParallel, nil
	case "hierarchical", "hier":
		return TopologyHierarchical, nil
	case "peer_to_peer", "peer-to-peer", "p2p", "peer", "mesh":
		return TopologyPeerToPeer, nil
	default:
		return "", fmt.Errorf("%w: unknown topology %q", ErrInvalidDescriptor, s)
	}
}

// DefaultPeerRounds is the number of communication rounds used by the
// peer-to-peer topology when the descriptor does not specify one.
const DefaultPeerRounds = 3

// TaskDescriptor is the caller supplied description of work to do.
type TaskDescriptor struct {
	Type                 string         `json:"type"`
	Target               string         `json:"target"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	Topology             Topology       `json:"topology,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	// Rounds applies to peer-to-peer execution only.
	Rounds int `json:"rounds,omitempty"`
	// MinSuccessfulAgents is the success threshold; zero means one.
	MinSuccessfulAgents int           `json:"min_successful_agents,omitempty"`
	Timeout             time.Duration `json:"timeout,omitempty"`
	// MaxInFlight bounds concurrent agent invocations; zero means unbounded.
	MaxInFlight int `json:"max_in_flight,omitempty"`
}

// Validate checks the descriptor for structural errors.
func (d TaskDescriptor) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("%w: task type is required", ErrInvalidDescriptor)
	}

	if strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidDescriptor)
	}

	if d.Topology != "" && !slices.Contains(Topologies, d.Topology) {
		return fmt.Errorf("%w: unknown topology %q", ErrInvalidDescriptor, d.Topology)
	}

	if d.Rounds < 0 {
		return fmt.Errorf("%w: rounds must not be negative", ErrInvalidDescriptor)
	}

	if d.MinSuccessfulAgents < 0 {
		return fmt.Errorf("%w: min_successful_agents must not be negative", ErrInvalidDescriptor)
	}

	if d.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidDescriptor)
	}

	if d.MaxInFlight < 0 {
		return fmt.Errorf("%w: max_in_flight must not be negative", ErrInvalidDescriptor)
	}

	return nil
}

// Task is the orchestrator owned record of one unit of work. Agents never
// mutate a Task; they exchange data through the shared context instead.
type Task struct {
	ID            string           `json:"id"`
	Descriptor    TaskDescriptor   `json:"descriptor"`
	Status        TaskStatus       `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`
	AgentIDs      []string         `json:"agent_ids,omitempty"`
	Prediction    *Prediction      `json:"prediction,omitempty"`
	Result        *ExecutionResult `json:"result,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     time.Time        `json:"started_at,omitzero"`
	CompletedAt   time.Time        `json:"completed_at,omitzero"`
}

// NewTask creates a pending task for the descriptor.
func NewTask(d TaskDescriptor, now time.Time) *Task {
	return &Task{
		ID:         NewID(),
		Descriptor: d,
		Status:     StatusPending,
		CreatedAt:  now.UTC(),
	}
}

// Clone returns a copy that shares no mutable maps or slices with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	c := *t
	c.Descriptor.Parameters = maps.Clone(t.Descriptor.Parameters)
	c.Descriptor.RequiredCapabilities = slices.Clone(t.Descriptor.RequiredCapabilities)
	c.AgentIDs = slices.Clone(t.AgentIDs)

	if t.Prediction != nil {
		p := t.Prediction.Clone()
		c.Prediction = &p
	}

	if t.Result != nil {
		r := t.Result.Clone()
		c.Result = &r
	}

	return &c
}

// TaskUpdate carries the optional fields written with a status transition.
type TaskUpdate struct {
	AgentIDs      []string
	Result        *ExecutionResult
	FailureReason string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Apply transitions t to status and copies the non-zero update fields.
func (t *Task) Apply(status TaskStatus, u TaskUpdate) error {
	if t.Status != status && !t.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	t.Status = status

	if u.AgentIDs != nil {
		t.AgentIDs = slices.Clone(u.AgentIDs)
	}

	if u.Result != nil {
		r := u.Result.Clone()
		t.Result = &r
	}

	if u.FailureReason != "" {
		t.FailureReason = u.FailureReason
	}

	if !u.StartedAt.IsZero() {
		t.StartedAt = u.StartedAt
	}

	if !u.CompletedAt.IsZero() {
		t.CompletedAt = u.CompletedAt
	}

	return nil
}
