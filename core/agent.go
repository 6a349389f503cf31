package core

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/taskmesh/internal/util"
)

// Invocation phases an agent can be asked to perform.
const (
	PhaseExecute    = "execute"
	PhaseDecompose  = "decompose"
	PhaseSynthesize = "synthesize"
	PhasePeer       = "peer"
)

// DefaultQualitySignal is used for a successful response that carries no
// explicit quality field.
const DefaultQualitySignal = 0.8

// Behavior is the closed capability set every agent exposes. Concrete agents
// are plain AgentDefinition records; there is no per-agent subclassing.
type Behavior interface {
	Generate(in PromptInput) (Prompt, error)
	ParseResponse(content string) ParsedOutput
}

var _ Behavior = AgentDefinition{}

// PerformanceSummary is the rolling performance of an agent. It is updated by
// the learning feedback step only.
type PerformanceSummary struct {
	Runs        int           `json:"runs" yaml:"runs"`
	SuccessRate float64       `json:"success_rate" yaml:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency" yaml:"avg_latency"`
	LastUpdated time.Time     `json:"last_updated,omitzero" yaml:"-"`
}

// Observe folds one outcome into the summary using an exponentially weighted
// moving average with the given smoothing factor.
func (p PerformanceSummary) Observe(success bool, latency time.Duration, alpha float64, now time.Time) PerformanceSummary {
	v := 0.0
	if success {
		v = 1.0
	}

	if p.Runs == 0 {
		p.SuccessRate = v
		p.AvgLatency = latency
	} else {
		p.SuccessRate = alpha*v + (1-alpha)*p.SuccessRate
		p.AvgLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(p.AvgLatency))
	}

	p.Runs++
	p.LastUpdated = now

	return p
}

// AgentDefinition describes one specialized agent.
type AgentDefinition struct {
	ID             string             `json:"id" yaml:"id"`
	Name           string             `json:"name" yaml:"name"`
	Capabilities   []string           `json:"capabilities" yaml:"capabilities"`
	PreferredModel string             `json:"preferred_model" yaml:"preferred_model"`
	SystemPrompt   string             `json:"system_prompt" yaml:"system_prompt"`
	MaxTokens      int                `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature    *float64           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Performance    PerformanceSummary `json:"performance" yaml:"performance"`
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required. Comparison is case-insensitive.
func (a AgentDefinition) HasCapabilities(required []string) bool {
	for _, r := range required {
		found := false

		for _, c := range a.Capabilities {
			if strings.EqualFold(c, r) {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// DisplayName returns Name, falling back to ID.
func (a AgentDefinition) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}

	return a.ID
}

// Clone returns a copy with its own capability slice.
func (a AgentDefinition) Clone() AgentDefinition {
	a.Capabilities = slices.Clone(a.Capabilities)

	if a.Temperature != nil {
		t := *a.Temperature
		a.Temperature = &t
	}

	return a
}

// Float returns a pointer to v, for optional sampling parameters.
func Float(v float64) *float64 { return &v }

// PromptInput is everything an agent needs to build one prompt.
type PromptInput struct {
	TaskID     string
	TaskType   string
	Target     string
	Parameters map[string]any
	Phase      string

	// PriorAgent / PriorOutput carry the previous agent's output (sequential).
	PriorAgent  string
	PriorOutput string

	// Subtask is the assignment handed out by a hierarchical coordinator.
	Subtask string

	// Workers lists worker agents for a decomposition request.
	Workers []AgentDefinition

	// WorkerOutputs maps worker agent ID to output for synthesis.
	WorkerOutputs map[string]string

	// Round / Rounds / Peer describe a peer-to-peer round.
	Round  int
	Rounds int
	Peer   *Snapshot
}

// Prompt is a rendered system + user prompt pair.
type Prompt struct {
	System string
	User   string
}

// Generate renders the agent's system prompt template and builds the user
// prompt for the requested phase.
func (a AgentDefinition) Generate(in PromptInput) (Prompt, error) {
	state := map[string]any{
		"agent":        a.DisplayName(),
		"agent_id":     a.ID,
		"capabilities": strings.Join(a.Capabilities, ", "),
		"task_id":      in.TaskID,
		"task_type":    in.TaskType,
		"target":       in.Target,
		"parameters":   maps.Clone(in.Parameters),
		"phase":        in.Phase,
	}

	system, err := util.RenderTemplate(a.SystemPrompt, state)
	if err != nil {
		return Prompt{}, fmt.Errorf("agent %s: render system prompt: %w", a.ID, err)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Task type: %s\nTarget: %s\n", in.TaskType, in.Target)

	if len(in.Parameters) > 0 {
		b.WriteString("Parameters:\n")

		keys := make([]string, 0, len(in.Parameters))
		for k := range in.Parameters {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, in.Parameters[k])
		}
	}

	switch in.Phase {
	case PhaseDecompose:
		b.WriteString("\nYou coordinate the following specialists:\n")

		for _, w := range in.Workers {
			fmt.Fprintf(&b, "- %s (%s): %s\n", w.ID, w.DisplayName(), strings.Join(w.Capabilities, ", "))
		}

		b.WriteString("\nBreak the task into one subtask per specialist. Respond with a JSON object: {\"subtasks\": [\"...\"]}.\n")
	case PhaseSynthesize:
		b.WriteString("\nSynthesize the specialist results below into one final answer.\n")

		ids := make([]string, 0, len(in.WorkerOutputs))
		for id := range in.WorkerOutputs {
			ids = append(ids, id)
		}

		sort.Strings(ids)

		for _, id := range ids {
			fmt.Fprintf(&b, "\n### %s\n%s\n", id, in.WorkerOutputs[id])
		}
	case PhasePeer:
		fmt.Fprintf(&b, "\nCollaboration round %d of %d.\n", in.Round, in.Rounds)

		if in.Peer != nil && len(in.Peer.Entries) > 0 {
			b.WriteString("Shared findings so far:\n")

			for _, e := range in.Peer.Sorted() {
				fmt.Fprintf(&b, "- %s (v%d, by %s): %v\n", e.Key, e.Version, e.Writer, e.Value)
			}
		}

		b.WriteString("Refine your findings using the shared context.\n")
	}

	if in.Subtask != "" {
		fmt.Fprintf(&b, "\nYour assigned subtask:\n%s\n", in.Subtask)
	}

	if in.PriorOutput != "" {
		fmt.Fprintf(&b, "\nOutput of the previous agent (%s):\n%s\n", in.PriorAgent, in.PriorOutput)
	}

	if in.Phase != PhaseDecompose {
		b.WriteString("\nEnd your answer with a JSON object containing \"findings\" (list of strings) and \"quality\" (0-1 self assessment).\n")
	}

	return Prompt{System: system, User: b.String()}, nil
}

// ParsedOutput is the structured view of a model response.
type ParsedOutput struct {
	Content    string
	Quality    float64
	HasQuality bool
	Subtasks   []string
	Findings   []string
}

// ParseResponse extracts quality, subtasks and findings from content. JSON is
// looked up as the whole body, a fenced code block, or the outermost braces.
// Without JSON subtasks, bullet and numbered lines are treated as subtasks.
func (a AgentDefinition) ParseResponse(content string) ParsedOutput {
	out := ParsedOutput{Content: content}

	if js, ok := extractJSON(content); ok {
		for _, path := range []string{"quality", "quality_score", "confidence"} {
			if r := gjson.Get(js, path); r.Exists() && r.Type == gjson.Number {
				out.Quality = normalizeQuality(r.Float())
				out.HasQuality = true

				break
			}
		}

		gjson.Get(js, "subtasks").ForEach(func(_, v gjson.Result) bool {
			if s := subtaskText(v); s != "" {
				out.Subtasks = append(out.Subtasks, s)
			}

			return true
		})

		gjson.Get(js, "findings").ForEach(func(_, v gjson.Result) bool {
			if s := strings.TrimSpace(v.String()); s != "" {
				out.Findings = append(out.Findings, s)
			}

			return true
		})
	}

	if len(out.Subtasks) == 0 {
		out.Subtasks = listItems(content)
	}

	return out
}

func subtaskText(v gjson.Result) string {
	if v.IsObject() {
		for _, k := range []string{"description", "task", "subtask", "title"} {
			if s := v.Get(k); s.Exists() {
				return strings.TrimSpace(s.String())
			}
		}

		return strings.TrimSpace(v.Raw)
	}

	return strings.TrimSpace(v.String())
}

func normalizeQuality(q float64) float64 {
	if q > 1 && q <= 100 {
		q /= 100
	}

	return min(max(q, 0), 1)
}

func extractJSON(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if gjson.Valid(trimmed) && strings.HasPrefix(trimmed, "{") {
		return trimmed, true
	}

	if i := strings.Index(content, "```json"); i >= 0 {
		rest := content[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			block := strings.TrimSpace(rest[:j])
			if gjson.Valid(block) {
				return block, true
			}
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start >= 0 && end > start {
		block := content[start : end+1]
		if gjson.Valid(block) {
			return block, true
		}
	}

	return "", false
}

func listItems(content string) []string {
	var items []string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			items = append(items, strings.TrimSpace(line[2:]))
		case len(line) > 2 && line[0] >= '0' && line[0] <= '9':
			if i := strings.IndexAny(line, ".)"); i > 0 && i <= 3 && isDigits(line[:i]) {
				if s := strings.TrimSpace(line[i+1:]); s != "" {
					items = append(items, s)
				}
			}
		}
	}

	return items
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return s != ""
}
