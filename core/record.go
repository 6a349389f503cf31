package core

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// CallRecord captures which provider actually served one agent call.
type CallRecord struct {
	AgentID  string        `json:"agent_id"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Usage    TokenCounts   `json:"usage"`
	Cost     float64       `json:"cost"`
	Latency  time.Duration `json:"latency"`
	Success  bool          `json:"success"`
}

// ExecutionRecord is the immutable historical log of one task outcome and
// the sole input to predictive retraining.
type ExecutionRecord struct {
	ID             string                   `json:"id"`
	TaskID         string                   `json:"task_id"`
	TaskType       string                   `json:"task_type"`
	Topology       Topology                 `json:"topology"`
	AgentIDs       []string                 `json:"agent_ids"`
	AgentDurations map[string]time.Duration `json:"agent_durations"`
	AgentSuccess   map[string]bool          `json:"agent_success"`
	AgentQuality   map[string]float64       `json:"agent_quality,omitempty"`
	Success        bool                     `json:"success"`
	Reason         string                   `json:"reason,omitempty"`
	QualityScore   float64                  `json:"quality_score"`
	Calls          []CallRecord             `json:"calls"`
	Usage          TokenCounts              `json:"usage"`
	Cost           float64                  `json:"cost"`
	Duration       time.Duration            `json:"duration"`
	ParameterKeys  []string                 `json:"parameter_keys,omitempty"`
	StartedAt      time.Time                `json:"started_at"`
	CreatedAt      time.Time                `json:"created_at"`
}

// NewExecutionRecord derives a record from a finished task and its result.
func NewExecutionRecord(task *Task, res ExecutionResult, now time.Time) ExecutionRecord {
	rec := ExecutionRecord{
		ID:             NewID(),
		TaskID:         task.ID,
		TaskType:       task.Descriptor.Type,
		Topology:       res.Topology,
		AgentIDs:       slices.Clone(task.AgentIDs),
		AgentDurations: map[string]time.Duration{},
		AgentSuccess:   map[string]bool{},
		AgentQuality:   map[string]float64{},
		Success:        res.Success,
		Reason:         res.Reason,
		QualityScore:   res.QualityScore,
		Duration:       res.Duration,
		ParameterKeys:  ParameterShape(task.Descriptor.Parameters),
		StartedAt:      task.StartedAt,
		CreatedAt:      now.UTC(),
	}

	if rec.StartedAt.IsZero() {
		rec.StartedAt = task.CreatedAt
	}

	for _, ar := range res.AgentResults {
		if !ar.Status.Ran() {
			continue
		}

		rec.AgentSuccess[ar.AgentID] = ar.Succeeded()

		if ar.HasQuality {
			rec.AgentQuality[ar.AgentID] = ar.Quality
		}
	}

	invocations := res.Invocations
	if len(invocations) == 0 {
		invocations = res.AgentResults
	}

	for _, ar := range invocations {
		if !ar.Status.Ran() {
			continue
		}

		rec.AgentDurations[ar.AgentID] += ar.Duration
		rec.Usage = rec.Usage.Add(ar.Usage)
		rec.Cost += ar.Cost

		if ar.Provider != "" {
			rec.Calls = append(rec.Calls, CallRecord{
				AgentID:  ar.AgentID,
				Provider: ar.Provider,
				Model:    ar.Model,
				Usage:    ar.Usage,
				Cost:     ar.Cost,
				Latency:  ar.Duration,
				Success:  ar.Succeeded(),
			})
		}
	}

	return rec
}

// ParameterShape returns the sorted parameter keys, the feature the
// predictive engine uses instead of raw parameter values.
func ParameterShape(params map[string]any) []string {
	keys := slices.Collect(maps.Keys(params))
	sort.Strings(keys)

	return keys
}

// AgentRecommendation is one ranked agent suggestion.
type AgentRecommendation struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Prediction is an outcome estimate captured once at task creation.
type Prediction struct {
	TaskID             string                `json:"task_id"`
	TaskType           string                `json:"task_type"`
	SuccessProbability float64               `json:"success_probability"`
	EstimatedDuration  time.Duration         `json:"estimated_duration"`
	EstimatedCost      float64               `json:"estimated_cost"`
	EstimatedQuality   float64               `json:"estimated_quality"`
	Confidence         float64               `json:"confidence"`
	RecommendedAgents  []AgentRecommendation `json:"recommended_agents,omitempty"`
	RiskFactors        []string              `json:"risk_factors,omitempty"`
	ModelVersion       int                   `json:"model_version"`
	ColdStart          bool                  `json:"cold_start"`
	CreatedAt          time.Time             `json:"created_at"`
}

// AgentIDs returns the recommended agent IDs in rank order.
func (p Prediction) AgentIDs() []string {
	ids := make([]string, len(p.RecommendedAgents))
	for i, r := range p.RecommendedAgents {
		ids[i] = r.AgentID
	}

	return ids
}

// Clone returns a deep copy.
func (p Prediction) Clone() Prediction {
	p.RecommendedAgents = slices.Clone(p.RecommendedAgents)
	p.RiskFactors = slices.Clone(p.RiskFactors)

	return p
}
