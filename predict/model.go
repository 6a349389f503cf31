package predict

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// bucket is a success counter.
type bucket struct {
	N         int
	Successes int
}

func (b *bucket) add(success bool) {
	b.N++
	if success {
		b.Successes++
	}
}

// rate is the Laplace-smoothed success rate.
func (b bucket) rate() float64 {
	return (float64(b.Successes) + 1) / (float64(b.N) + 2)
}

type agentStats struct {
	bucket
	qualitySum float64
	qualityN   int
	duration   time.Duration
}

func (a *agentStats) quality() float64 {
	if a.qualityN == 0 {
		return core.DefaultQualitySignal
	}

	return a.qualitySum / float64(a.qualityN)
}

type typeStats struct {
	bucket

	durationSum   float64 // seconds
	durationSqSum float64
	costSum       float64
	qualitySum    float64
	qualityN      int

	hours    [24]bucket
	weekend  bucket
	weekday  bucket
	shapes   map[string]*shapeStats
	agents   map[string]*agentStats
	reasons  map[string]int
	recentOK []bool // newest first, at most recentWindow
}

type shapeStats struct {
	bucket
	durationSum float64
}

const recentWindow = 5

func newTypeStats() *typeStats {
	return &typeStats{
		shapes:  map[string]*shapeStats{},
		agents:  map[string]*agentStats{},
		reasons: map[string]int{},
	}
}

func (s *typeStats) meanDuration() time.Duration {
	if s.N == 0 {
		return 0
	}

	return time.Duration(s.durationSum / float64(s.N) * float64(time.Second))
}

// durationCV is the coefficient of variation of task duration.
func (s *typeStats) durationCV() float64 {
	if s.N < 2 || s.durationSum == 0 {
		return 0
	}

	mean := s.durationSum / float64(s.N)
	variance := s.durationSqSum/float64(s.N) - mean*mean

	return math.Sqrt(max(variance, 0)) / mean
}

func (s *typeStats) meanQuality() float64 {
	if s.qualityN == 0 {
		return core.DefaultQualitySignal
	}

	return s.qualitySum / float64(s.qualityN)
}

// Model is one trained, immutable generation of the predictor.
type Model struct {
	Version   int
	TrainedAt time.Time
	Records   int

	types map[string]*typeStats
}

// fit trains a model from records ordered newest first.
func fit(records []core.ExecutionRecord, version int, now time.Time) *Model {
	m := &Model{
		Version:   version,
		TrainedAt: now,
		Records:   len(records),
		types:     map[string]*typeStats{},
	}

	for _, rec := range records {
		key := typeKey(rec.TaskType)

		ts, ok := m.types[key]
		if !ok {
			ts = newTypeStats()
			m.types[key] = ts
		}

		ts.add(rec.Success)

		secs := rec.Duration.Seconds()
		ts.durationSum += secs
		ts.durationSqSum += secs * secs
		ts.costSum += rec.Cost

		if rec.Success || rec.QualityScore > 0 {
			ts.qualitySum += rec.QualityScore
			ts.qualityN++
		}

		at := rec.StartedAt
		if at.IsZero() {
			at = rec.CreatedAt
		}

		ts.hours[at.Hour()].add(rec.Success)

		if isWeekend(at) {
			ts.weekend.add(rec.Success)
		} else {
			ts.weekday.add(rec.Success)
		}

		shape := shapeKey(rec.ParameterKeys)

		ss, ok := ts.shapes[shape]
		if !ok {
			ss = &shapeStats{}
			ts.shapes[shape] = ss
		}

		ss.add(rec.Success)
		ss.durationSum += secs

		if !rec.Success && rec.Reason != "" {
			ts.reasons[rec.Reason]++
		}

		if len(ts.recentOK) < recentWindow {
			ts.recentOK = append(ts.recentOK, rec.Success)
		}

		for agentID, ok := range rec.AgentSuccess {
			as, found := ts.agents[agentID]
			if !found {
				as = &agentStats{}
				ts.agents[agentID] = as
			}

			as.add(ok)
			as.duration += rec.AgentDurations[agentID]

			if q, has := rec.AgentQuality[agentID]; has {
				as.qualitySum += q
				as.qualityN++
			}
		}
	}

	return m
}

// TypeSummary is an exported view of one task type's statistics.
type TypeSummary struct {
	TaskType     string        `json:"task_type"`
	Records      int           `json:"records"`
	SuccessRate  float64       `json:"success_rate"`
	MeanDuration time.Duration `json:"mean_duration"`
	MeanCost     float64       `json:"mean_cost"`
	MeanQuality  float64       `json:"mean_quality"`
}

// Summaries returns per-task-type statistics sorted by task type.
func (m *Model) Summaries() []TypeSummary {
	out := make([]TypeSummary, 0, len(m.types))

	for typ, ts := range m.types {
		out = append(out, TypeSummary{
			TaskType:     typ,
			Records:      ts.N,
			SuccessRate:  float64(ts.Successes) / float64(ts.N),
			MeanDuration: ts.meanDuration(),
			MeanCost:     ts.costSum / float64(ts.N),
			MeanQuality:  ts.meanQuality(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })

	return out
}

func typeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func shapeKey(keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	return strings.Join(sorted, ",")
}

func isWeekend(t time.Time) bool {
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}
