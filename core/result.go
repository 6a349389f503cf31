package core

import (
	"maps"
	"slices"
	"time"
)

// AgentStatus is the outcome of one agent within a topology.
type AgentStatus string

const (
	AgentSucceeded AgentStatus = "succeeded"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
	// AgentSkipped marks agents that never ran (e.g. after a sequential failure).
	AgentSkipped AgentStatus = "skipped"
)

// Ran reports whether the agent actually produced an outcome.
func (s AgentStatus) Ran() bool {
	return s == AgentSucceeded || s == AgentFailed
}

// AgentResult is one agent invocation outcome.
type AgentResult struct {
	AgentID    string        `json:"agent_id"`
	Phase      string        `json:"phase,omitempty"`
	Round      int           `json:"round,omitempty"`
	Status     AgentStatus   `json:"status"`
	Output     string        `json:"output,omitempty"`
	Findings   []string      `json:"findings,omitempty"`
	Error      string        `json:"error,omitempty"`
	Quality    float64       `json:"quality"`
	HasQuality bool          `json:"has_quality"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	Usage      TokenCounts   `json:"usage"`
	Cost       float64       `json:"cost,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempts   []Attempt     `json:"attempts,omitempty"`
}

// Succeeded reports whether the invocation succeeded.
func (r AgentResult) Succeeded() bool { return r.Status == AgentSucceeded }

// TokenCounts tracks token usage.
type TokenCounts struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add returns the element-wise sum.
func (t TokenCounts) Add(o TokenCounts) TokenCounts {
	return TokenCounts{Prompt: t.Prompt + o.Prompt, Completion: t.Completion + o.Completion, Total: t.Total + o.Total}
}

// ExecutionResult is what execute_task returns to the caller. AgentResults
// holds the final outcome per agent in agent order; Invocations is the full
// per-call log (coordinator phases, peer rounds).
type ExecutionResult struct {
	TaskID       string         `json:"task_id"`
	Topology     Topology       `json:"topology"`
	Success      bool           `json:"success"`
	Reason       string         `json:"reason,omitempty"`
	Output       string         `json:"output"`
	AgentResults []AgentResult  `json:"agent_results"`
	Invocations  []AgentResult  `json:"invocations,omitempty"`
	QualityScore float64        `json:"quality_score"`
	Duration     time.Duration  `json:"duration"`
	Context      map[string]any `json:"context,omitempty"`
}

// Result returns the final result for agentID.
func (r ExecutionResult) Result(agentID string) (AgentResult, bool) {
	for _, ar := range r.AgentResults {
		if ar.AgentID == agentID {
			return ar, true
		}
	}

	return AgentResult{}, false
}

// Succeeded returns the agent results with status succeeded.
func (r ExecutionResult) Succeeded() []AgentResult {
	var out []AgentResult

	for _, ar := range r.AgentResults {
		if ar.Succeeded() {
			out = append(out, ar)
		}
	}

	return out
}

// Clone returns a copy sharing no slices or maps with r.
func (r ExecutionResult) Clone() ExecutionResult {
	r.AgentResults = cloneResults(r.AgentResults)
	r.Invocations = cloneResults(r.Invocations)
	r.Context = maps.Clone(r.Context)

	return r
}

func cloneResults(in []AgentResult) []AgentResult {
	if in == nil {
		return nil
	}

	out := make([]AgentResult, len(in))
	for i, ar := range in {
		ar.Findings = slices.Clone(ar.Findings)
		ar.Attempts = slices.Clone(ar.Attempts)
		out[i] = ar
	}

	return out
}

// MeanQuality averages the quality signals of agents that ran and produced
// one. Agents that never ran, or failed, are excluded rather than scored as
// zero. It returns 0 when no signal is available.
func MeanQuality(results []AgentResult) float64 {
	var sum float64

	n := 0

	for _, r := range results {
		if !r.HasQuality || !r.Status.Ran() {
			continue
		}

		sum += r.Quality
		n++
	}

	if n == 0 {
		return 0
	}

	return sum / float64(n)
}
