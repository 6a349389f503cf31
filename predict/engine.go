package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/observability"
)

// Risk factors reported on predictions.
const (
	RiskInsufficientHistory = "insufficient_history"
	RiskLowSuccessRate      = "low_historical_success"
	RiskDurationVariance    = "high_duration_variance"
	RiskFrequentTimeouts    = "frequent_timeouts"
	RiskRecentFailures      = "recent_failures"
	RiskUnfamiliarShape     = "unfamiliar_parameters"
	RiskTimeOfDay           = "time_of_day_degradation"
)

// Options configures an Engine.
type Options struct {
	// Source serves historical execution records. Without one, Retrain
	// fails and predictions stay at the cold-start default.
	Source core.RecordSource
	// MinRecords is the per-task-type history needed before the model is
	// trusted.
	MinRecords int
	// Window is the number of most recent records used by RetrainAsync.
	Window int
	// ColdStartSuccess and ColdStartConfidence form the cold-start default.
	ColdStartSuccess    float64
	ColdStartConfidence float64
	// MaxRecommendations caps the ranked agent list.
	MaxRecommendations int
	// BucketMinSamples is the sample count before a time or shape bucket
	// adjusts the base estimate.
	BucketMinSamples int
	Clock            func() time.Time
	Logger           logging.Logger
	Metrics          *observability.Metrics
}

// Request describes the task to predict.
type Request struct {
	TaskID     string
	TaskType   string
	Target     string
	Parameters map[string]any
	// At is the planned start; zero means now.
	At time.Time
}

// Engine produces predictions and retrains in the background.
type Engine struct {
	opts   Options
	logger logging.Logger

	model      atomic.Pointer[Model]
	version    atomic.Int64
	retraining atomic.Bool
	// pending is set by every RetrainAsync request and consumed by the
	// background loop, so requests made during a retrain are not lost.
	pending       atomic.Bool
	pendingWindow atomic.Int64
	wg            sync.WaitGroup

	// trainMu serializes Retrain calls.
	trainMu sync.Mutex
}

// New creates an engine with an empty model.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		MinRecords:          5,
		Window:              500,
		ColdStartSuccess:    0.75,
		ColdStartConfidence: 0.3,
		MaxRecommendations:  5,
		BucketMinSamples:    3,
		Clock:               time.Now,
		Logger:              logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Engine{
		opts:   opts,
		logger: logging.Component(opts.Logger, "predictor"),
	}

	e.model.Store(fit(nil, 0, opts.Clock()))

	return e
}

// Predict returns an outcome estimate. It never fails: task types without
// enough history get the cold-start default.
func (e *Engine) Predict(_ context.Context, req Request) core.Prediction {
	m := e.model.Load()
	now := e.opts.Clock()

	at := req.At
	if at.IsZero() {
		at = now
	}

	p := core.Prediction{
		TaskID:       req.TaskID,
		TaskType:     req.TaskType,
		ModelVersion: m.Version,
		CreatedAt:    now.UTC(),
	}

	ts := m.types[typeKey(req.TaskType)]

	if ts == nil || ts.N < e.opts.MinRecords {
		p.ColdStart = true
		p.SuccessProbability = e.opts.ColdStartSuccess
		p.Confidence = e.opts.ColdStartConfidence
		p.EstimatedQuality = core.DefaultQualitySignal
		p.RiskFactors = []string{RiskInsufficientHistory}

		if ts != nil {
			p.EstimatedDuration = ts.meanDuration()
			p.EstimatedCost = ts.costSum / float64(ts.N)
		}

		return p
	}

	prob := ts.rate()
	duration := ts.meanDuration()
	minN := e.opts.BucketMinSamples

	var risks []string

	if hb := ts.hours[at.Hour()]; hb.N >= minN {
		if hb.rate() < prob-0.2 {
			risks = append(risks, RiskTimeOfDay)
		}

		prob = 0.7*prob + 0.3*hb.rate()
	}

	dayBucket := ts.weekday
	if isWeekend(at) {
		dayBucket = ts.weekend
	}

	if dayBucket.N >= minN {
		prob = 0.8*prob + 0.2*dayBucket.rate()
	}

	shape := shapeKey(core.ParameterShape(req.Parameters))
	if ss, ok := ts.shapes[shape]; ok && ss.N >= minN {
		prob = 0.7*prob + 0.3*ss.rate()
		duration = time.Duration(ss.durationSum / float64(ss.N) * float64(time.Second))
	} else if !ok {
		risks = append(risks, RiskUnfamiliarShape)
	}

	prob = min(max(prob, 0.01), 0.99)

	if prob < 0.6 {
		risks = append(risks, RiskLowSuccessRate)
	}

	if ts.durationCV() > 1 {
		risks = append(risks, RiskDurationVariance)
	}

	if float64(ts.reasons[core.ReasonTimeout])/float64(ts.N) > 0.2 {
		risks = append(risks, RiskFrequentTimeouts)
	}

	if recentFailures(ts.recentOK) >= 3 {
		risks = append(risks, RiskRecentFailures)
	}

	p.SuccessProbability = prob
	p.EstimatedDuration = duration
	p.EstimatedCost = ts.costSum / float64(ts.N)
	p.EstimatedQuality = ts.meanQuality()
	p.Confidence = math.Min(0.95, 0.3+0.65*(1-math.Exp(-float64(ts.N)/20)))
	p.RecommendedAgents = e.rank(ts)
	p.RiskFactors = risks

	return p
}

// rank orders agents by smoothed success weighted by mean quality.
func (e *Engine) rank(ts *typeStats) []core.AgentRecommendation {
	out := make([]core.AgentRecommendation, 0, len(ts.agents))

	for id, as := range ts.agents {
		out = append(out, core.AgentRecommendation{
			AgentID: id,
			Score:   as.rate() * (0.5 + 0.5*as.quality()),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}

		return out[i].AgentID < out[j].AgentID
	})

	if e.opts.MaxRecommendations > 0 && len(out) > e.opts.MaxRecommendations {
		out = out[:e.opts.MaxRecommendations]
	}

	return out
}

func recentFailures(recent []bool) int {
	n := 0

	for _, ok := range recent {
		if ok {
			break
		}

		n++
	}

	return n
}

// Retrain fits a new model on the most recent window records and swaps it in.
// Concurrent calls are serialized; in-flight predictions keep using the
// model they loaded.
func (e *Engine) Retrain(ctx context.Context, window int) error {
	if e.opts.Source == nil {
		return errors.New("no record source configured")
	}

	if window <= 0 {
		window = e.opts.Window
	}

	e.trainMu.Lock()
	defer e.trainMu.Unlock()

	start := time.Now()

	records, err := e.opts.Source.RecentExecutionRecords(ctx, window)
	if err != nil {
		e.opts.Metrics.RecordRetrain(ctx, false)
		return fmt.Errorf("load execution records: %w", err)
	}

	version := int(e.version.Add(1))
	m := fit(records, version, e.opts.Clock())
	e.model.Store(m)

	e.opts.Metrics.RecordRetrain(ctx, true)
	e.logger.Info("Model retrained", "version", version, "records", len(records), "task_types", len(m.types), "duration", time.Since(start))

	return nil
}

// RetrainAsync requests a background retrain and reports whether it started
// a new one. A request made while a retrain is running is queued: the running
// loop retrains once more with the latest window when it finishes, so any
// number of queued requests coalesce into one follow-up.
func (e *Engine) RetrainAsync(window int) bool {
	e.pendingWindow.Store(int64(window))
	e.pending.Store(true)

	if !e.retraining.CompareAndSwap(false, true) {
		return false
	}

	e.wg.Add(1)

	go e.retrainLoop()

	return true
}

func (e *Engine) retrainLoop() {
	defer e.wg.Done()

	for {
		for e.pending.Swap(false) {
			if err := e.Retrain(context.Background(), int(e.pendingWindow.Load())); err != nil {
				e.logger.Warn("Background retrain failed", "error", err)
			}
		}

		e.retraining.Store(false)

		// A request may have arrived between the last swap and the store.
		if !e.pending.Load() || !e.retraining.CompareAndSwap(false, true) {
			return
		}
	}
}

// Wait blocks until background retrains have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Version returns the version of the active model; 0 is the untrained model.
func (e *Engine) Version() int {
	return e.model.Load().Version
}

// Model returns the active model.
func (e *Engine) Model() *Model {
	return e.model.Load()
}
