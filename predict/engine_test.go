package predict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
)

type staticSource struct {
	records []core.ExecutionRecord
	err     error
	gate    chan struct{}
	// loads, when set, receives a value every time records are loaded.
	loads chan struct{}
}

func (s *staticSource) RecentExecutionRecords(ctx context.Context, limit int) ([]core.ExecutionRecord, error) {
	if s.loads != nil {
		s.loads <- struct{}{}
	}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.err != nil {
		return nil, s.err
	}

	if limit > 0 && len(s.records) > limit {
		return s.records[:limit], nil
	}

	return s.records, nil
}

func record(typ string, success bool, at time.Time, agents map[string]bool) core.ExecutionRecord {
	rec := core.ExecutionRecord{
		ID:             core.NewID(),
		TaskType:       typ,
		Success:        success,
		Duration:       10 * time.Second,
		Cost:           0.02,
		ParameterKeys:  []string{"depth"},
		StartedAt:      at,
		CreatedAt:      at,
		AgentSuccess:   agents,
		AgentDurations: map[string]time.Duration{},
		AgentQuality:   map[string]float64{},
	}

	if success {
		rec.QualityScore = 0.9
	} else {
		rec.Reason = core.ReasonThresholdUnmet
	}

	for id, ok := range agents {
		if ok {
			rec.AgentQuality[id] = 0.9
		}
	}

	return rec
}

func TestPredict_ColdStart(t *testing.T) {
	e := New()

	p := e.Predict(context.Background(), Request{TaskID: "t1", TaskType: "security_scan", Target: "example.com"})

	assert.True(t, p.ColdStart)
	assert.Equal(t, 0.75, p.SuccessProbability)
	assert.Equal(t, 0.3, p.Confidence)
	assert.Equal(t, []string{RiskInsufficientHistory}, p.RiskFactors)
	assert.Empty(t, p.RecommendedAgents)
	assert.Equal(t, "t1", p.TaskID)
	assert.Zero(t, p.ModelVersion)
}

func TestPredict_BelowMinRecordsStaysCold(t *testing.T) {
	clock := testutil.NewFakeClock()
	src := &staticSource{records: []core.ExecutionRecord{
		record("research", true, clock.Now(), map[string]bool{"researcher": true}),
		record("research", true, clock.Now(), map[string]bool{"researcher": true}),
	}}

	e := New(func(o *Options) {
		o.Source = src
		o.Clock = clock.Now
	})
	require.NoError(t, e.Retrain(context.Background(), 0))

	p := e.Predict(context.Background(), Request{TaskType: "research"})
	assert.True(t, p.ColdStart)
	assert.Equal(t, 0.75, p.SuccessProbability)
	assert.Equal(t, 10*time.Second, p.EstimatedDuration)
	assert.Equal(t, 1, p.ModelVersion)
}

func TestPredict_TrainedModel(t *testing.T) {
	clock := testutil.NewFakeClock()

	var recs []core.ExecutionRecord

	for i := range 20 {
		recs = append(recs, record("security_scan", i%5 != 0, clock.Now(), map[string]bool{
			"security_analyst": true,
			"recon_specialist": i%2 == 0,
		}))
	}

	e := New(func(o *Options) {
		o.Source = &staticSource{records: recs}
		o.Clock = clock.Now
	})
	require.NoError(t, e.Retrain(context.Background(), 0))

	p := e.Predict(context.Background(), Request{TaskType: "Security_Scan", Parameters: map[string]any{"depth": 3}})

	assert.False(t, p.ColdStart)
	assert.InDelta(t, 0.77, p.SuccessProbability, 0.05)
	assert.Greater(t, p.Confidence, 0.3)
	assert.LessOrEqual(t, p.Confidence, 0.95)
	assert.Equal(t, 10*time.Second, p.EstimatedDuration)
	assert.InDelta(t, 0.02, p.EstimatedCost, 1e-9)
	require.Len(t, p.RecommendedAgents, 2)
	assert.Equal(t, "security_analyst", p.RecommendedAgents[0].AgentID)
	assert.Equal(t, []string{"security_analyst", "recon_specialist"}, p.AgentIDs())
	assert.NotContains(t, p.RiskFactors, RiskUnfamiliarShape)

	p = e.Predict(context.Background(), Request{TaskType: "security_scan", Parameters: map[string]any{"ports": "1-1024"}})
	assert.Contains(t, p.RiskFactors, RiskUnfamiliarShape)
}

func TestPredict_RiskFactors(t *testing.T) {
	clock := testutil.NewFakeClock()

	var recs []core.ExecutionRecord

	for i := range 10 {
		rec := record("research", i >= 6, clock.Now(), nil)
		if !rec.Success {
			rec.Reason = core.ReasonTimeout
		}

		recs = append(recs, rec)
	}

	e := New(func(o *Options) {
		o.Source = &staticSource{records: recs}
		o.Clock = clock.Now
	})
	require.NoError(t, e.Retrain(context.Background(), 0))

	p := e.Predict(context.Background(), Request{TaskType: "research", Parameters: map[string]any{"depth": 1}})

	assert.Contains(t, p.RiskFactors, RiskLowSuccessRate)
	assert.Contains(t, p.RiskFactors, RiskFrequentTimeouts)
	assert.Contains(t, p.RiskFactors, RiskRecentFailures)
}

func TestRetrain_Errors(t *testing.T) {
	e := New()
	require.Error(t, e.Retrain(context.Background(), 10))

	e = New(func(o *Options) { o.Source = &staticSource{err: errors.New("db down")} })
	require.Error(t, e.Retrain(context.Background(), 10))
	assert.Zero(t, e.Version())
}

func TestRetrainAsync_DoesNotBlockPredict(t *testing.T) {
	clock := testutil.NewFakeClock()

	var recs []core.ExecutionRecord
	for range 10 {
		recs = append(recs, record("research", true, clock.Now(), map[string]bool{"researcher": true}))
	}

	src := &staticSource{records: recs, gate: make(chan struct{}), loads: make(chan struct{}, 8)}

	e := New(func(o *Options) {
		o.Source = src
		o.Clock = clock.Now
	})

	require.True(t, e.RetrainAsync(0))
	<-src.loads

	// Retrain is parked on the gate; predictions keep being served.
	done := make(chan core.Prediction, 1)
	go func() { done <- e.Predict(context.Background(), Request{TaskType: "research"}) }()

	select {
	case p := <-done:
		assert.True(t, p.ColdStart)
	case <-time.After(time.Second):
		t.Fatal("predict blocked by retrain")
	}

	close(src.gate)
	e.Wait()

	assert.Equal(t, 1, e.Version())

	p := e.Predict(context.Background(), Request{TaskType: "research"})
	assert.False(t, p.ColdStart)
	assert.Equal(t, 1, p.ModelVersion)

	assert.True(t, e.RetrainAsync(0))
	e.Wait()
	assert.Equal(t, 2, e.Version())
}

func TestRetrainAsync_QueuesRequestsDuringRetrain(t *testing.T) {
	clock := testutil.NewFakeClock()

	src := &staticSource{
		records: []core.ExecutionRecord{record("research", true, clock.Now(), nil)},
		gate:    make(chan struct{}),
		loads:   make(chan struct{}, 8),
	}

	e := New(func(o *Options) {
		o.Source = src
		o.Clock = clock.Now
	})

	require.True(t, e.RetrainAsync(0))
	<-src.loads

	// Requests during the running retrain coalesce into one follow-up.
	assert.False(t, e.RetrainAsync(0), "single flight")
	assert.False(t, e.RetrainAsync(0), "single flight")
	assert.False(t, e.RetrainAsync(0), "single flight")

	close(src.gate)
	e.Wait()

	assert.Equal(t, 2, e.Version())
	assert.Len(t, src.loads, 1)
}

func TestModelSummaries(t *testing.T) {
	clock := testutil.NewFakeClock()
	src := &staticSource{records: []core.ExecutionRecord{
		record("b", true, clock.Now(), nil),
		record("a", false, clock.Now(), nil),
		record("a", true, clock.Now(), nil),
	}}

	e := New(func(o *Options) { o.Source = src })
	require.NoError(t, e.Retrain(context.Background(), 0))

	sums := e.Model().Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "a", sums[0].TaskType)
	assert.Equal(t, 2, sums[0].Records)
	assert.InDelta(t, 0.5, sums[0].SuccessRate, 1e-9)
}
