package provider

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
)

func unavailable(id string) error {
	return core.NewProviderError(id, 503, errors.New("service unavailable"))
}

func rateLimited(id string) error {
	return core.NewProviderError(id, 429, errors.New("too many requests"))
}

func newRouter(t *testing.T, clock *testutil.FakeClock, eps []Endpoint, optFns ...func(o *Options)) *Router {
	t.Helper()

	fns := append([]func(o *Options){func(o *Options) {
		o.Strategy = StrategyPriority
		o.Clock = clock.Now
	}}, optFns...)

	r, err := New(eps, fns...)
	require.NoError(t, err)

	return r
}

func TestRouter_FallsBackToFirstHealthyEndpoint(t *testing.T) {
	clock := testutil.NewFakeClock()

	m1 := model.NewMockModel("m1", "mock").FailAlways(unavailable("e1"))
	m2 := model.NewMockModel("m2", "mock").FailAlways(unavailable("e2"))
	m3 := model.NewMockModel("m3", "mock").AddResponse("scan", "third answers")

	r := newRouter(t, clock, []Endpoint{
		{ID: "e1", Priority: 1, Model: m1},
		{ID: "e2", Priority: 2, Model: m2},
		{ID: "e3", Priority: 3, Model: m3},
	})

	res, err := r.Call(context.Background(), Request{Prompt: "scan example.com"})
	require.NoError(t, err)

	assert.Equal(t, "third answers", res.Content)
	assert.Equal(t, "e3", res.Endpoint)
	require.Len(t, res.Attempts, 3)

	failed := 0

	for _, a := range res.Attempts[:2] {
		assert.False(t, a.Success)
		assert.Equal(t, core.KindTransient, a.Kind)
		failed++
	}

	assert.Equal(t, 2, failed)
	assert.True(t, res.Attempts[2].Success)
}

func TestRouter_AllEndpointsFail(t *testing.T) {
	clock := testutil.NewFakeClock()

	models := []*model.MockModel{
		model.NewMockModel("m1", "mock").FailAlways(unavailable("e1")),
		model.NewMockModel("m2", "mock").FailAlways(errors.New("connection reset")),
	}

	r := newRouter(t, clock, []Endpoint{
		{ID: "e1", Priority: 1, Model: models[0]},
		{ID: "e2", Priority: 1, Model: models[1]},
	})

	res, err := r.Call(context.Background(), Request{Prompt: "x"})
	assert.Nil(t, res)
	require.ErrorIs(t, err, core.ErrAllProvidersExhausted)

	var exhausted *core.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempts, 2)

	for _, m := range models {
		assert.Equal(t, 1, m.Calls())
	}
}

func TestRouter_LogsModelCalls(t *testing.T) {
	var buf bytes.Buffer

	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text", Output: &buf})

	r := newRouter(t, testutil.NewFakeClock(), []Endpoint{
		{ID: "e1", Priority: 1, Model: model.NewMockModel("m1", "mock").FailAlways(unavailable("e1"))},
		{ID: "e2", Priority: 2, Model: model.NewMockModel("m2", "mock")},
	}, func(o *Options) {
		o.Logger = logger
	})

	_, err := r.Call(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `msg="Model call failed" component=router endpoint=e1`)
	assert.Contains(t, out, "kind=transient")
	assert.Contains(t, out, `msg="Model call completed" component=router endpoint=e2`)
}

func TestRouter_NoEndpoints(t *testing.T) {
	r := newRouter(t, testutil.NewFakeClock(), nil)

	_, err := r.Call(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, core.ErrAllProvidersExhausted)
}

func TestRouter_CircuitBreaker(t *testing.T) {
	clock := testutil.NewFakeClock()
	m := model.NewMockModel("m1", "mock").FailAlways(unavailable("e1"))

	r := newRouter(t, clock, []Endpoint{{ID: "e1", Model: m}}, func(o *Options) {
		o.FailureThreshold = 3
		o.CircuitBaseBackoff = 10 * time.Minute
	})

	for range 3 {
		_, err := r.Call(context.Background(), Request{Prompt: "x"})
		require.ErrorIs(t, err, core.ErrAllProvidersExhausted)
	}

	assert.Equal(t, 3, m.Calls())
	assert.Equal(t, StateCircuitOpen, r.Endpoints()[0].State)

	// Open circuit: no call reaches the endpoint until the backoff expires.
	for range 5 {
		_, err := r.Call(context.Background(), Request{Prompt: "x"})

		var exhausted *core.ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.True(t, exhausted.Attempts[0].Skipped)
	}

	assert.Equal(t, 3, m.Calls())

	// Half-open trial fails: reopened with doubled backoff.
	clock.Advance(10 * time.Minute)

	_, err := r.Call(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, 4, m.Calls())
	assert.Equal(t, 2, r.Endpoints()[0].Opens)

	clock.Advance(10 * time.Minute)

	_, err = r.Call(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, 4, m.Calls(), "doubled backoff has not elapsed")

	// Trial succeeds: circuit closes.
	clock.Advance(10 * time.Minute)
	m.FailAlways(nil)

	res, err := r.Call(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "e1", res.Endpoint)
	assert.Equal(t, 5, m.Calls())

	status := r.Endpoints()[0]
	assert.NotEqual(t, StateCircuitOpen, status.State)
	assert.Zero(t, status.Opens)
}

func TestRouter_ConcurrentFailuresOpenCircuitOnce(t *testing.T) {
	clock := testutil.NewFakeClock()

	var calls atomic.Int32

	arrived := make(chan struct{}, 4)
	gate := make(chan struct{})

	m := model.NewFuncModel(model.Info{Name: "m1", Provider: "mock"}, func(_ context.Context, _ model.Request) (*model.Response, error) {
		calls.Add(1)
		arrived <- struct{}{}
		<-gate

		return nil, unavailable("e1")
	})

	r := newRouter(t, clock, []Endpoint{{ID: "e1", Model: m}}, func(o *Options) {
		o.FailureThreshold = 2
		o.CircuitBaseBackoff = 10 * time.Minute
	})

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := r.Call(context.Background(), Request{Prompt: "x"})
			assert.ErrorIs(t, err, core.ErrAllProvidersExhausted)
		}()
	}

	for range 4 {
		<-arrived
	}

	close(gate)
	wg.Wait()

	status := r.Endpoints()[0]
	assert.Equal(t, StateCircuitOpen, status.State)
	assert.Equal(t, 1, status.Opens, "late failures must not reopen the circuit")
	assert.Equal(t, int64(4), status.Failures)
	assert.Equal(t, clock.Now().Add(10*time.Minute), status.OpenUntil)

	_, err := r.Call(context.Background(), Request{Prompt: "x"})

	var exhausted *core.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.Attempts[0].Skipped)
	assert.EqualValues(t, 4, calls.Load())
}

func TestRouter_LateSuccessDoesNotCloseCircuit(t *testing.T) {
	clock := testutil.NewFakeClock()

	arrived := make(chan struct{}, 1)
	gate := make(chan struct{})

	m := model.NewFuncModel(model.Info{Name: "m1", Provider: "mock"}, func(_ context.Context, req model.Request) (*model.Response, error) {
		if req.Prompt != "slow" {
			return nil, unavailable("e1")
		}

		arrived <- struct{}{}
		<-gate

		return &model.Response{Content: "late"}, nil
	})

	r := newRouter(t, clock, []Endpoint{{ID: "e1", Model: m}}, func(o *Options) {
		o.FailureThreshold = 1
	})

	done := make(chan error, 1)

	go func() {
		_, err := r.Call(context.Background(), Request{Prompt: "slow"})
		done <- err
	}()

	<-arrived

	_, err := r.Call(context.Background(), Request{Prompt: "fast"})
	require.Error(t, err)
	require.Equal(t, StateCircuitOpen, r.Endpoints()[0].State)

	close(gate)
	require.NoError(t, <-done)

	status := r.Endpoints()[0]
	assert.Equal(t, StateCircuitOpen, status.State)
	assert.Equal(t, 1, status.Opens)
	assert.Equal(t, int64(1), status.Successes)
}

func TestRouter_CancelledCallKeepsTrialSlot(t *testing.T) {
	clock := testutil.NewFakeClock()

	var calls atomic.Int32

	arrived := make(chan string, 2)
	trialGate := make(chan struct{})

	m := model.NewFuncModel(model.Info{Name: "m1", Provider: "mock"}, func(ctx context.Context, req model.Request) (*model.Response, error) {
		calls.Add(1)

		switch req.Prompt {
		case "stale":
			arrived <- req.Prompt
			<-ctx.Done()

			return nil, ctx.Err()
		case "trial":
			arrived <- req.Prompt
			<-trialGate
		}

		return nil, unavailable("e1")
	})

	r := newRouter(t, clock, []Endpoint{{ID: "e1", Model: m}}, func(o *Options) {
		o.FailureThreshold = 1
		o.CircuitBaseBackoff = 10 * time.Minute
	})

	staleCtx, cancelStale := context.WithCancel(context.Background())
	defer cancelStale()

	staleDone := make(chan error, 1)

	go func() {
		_, err := r.Call(staleCtx, Request{Prompt: "stale"})
		staleDone <- err
	}()

	require.Equal(t, "stale", <-arrived)

	_, err := r.Call(context.Background(), Request{Prompt: "open"})
	require.Error(t, err)
	require.Equal(t, StateCircuitOpen, r.Endpoints()[0].State)

	clock.Advance(10 * time.Minute)

	trialDone := make(chan error, 1)

	go func() {
		_, err := r.Call(context.Background(), Request{Prompt: "trial"})
		trialDone <- err
	}()

	require.Equal(t, "trial", <-arrived)

	cancelStale()
	require.ErrorIs(t, <-staleDone, context.Canceled)

	// The trial is still in flight: a second caller is skipped.
	_, err = r.Call(context.Background(), Request{Prompt: "second"})

	var exhausted *core.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.Attempts[0].Skipped)
	assert.EqualValues(t, 3, calls.Load())

	close(trialGate)
	require.Error(t, <-trialDone)

	status := r.Endpoints()[0]
	assert.Equal(t, StateCircuitOpen, status.State)
	assert.Equal(t, 2, status.Opens)
}

func TestRouter_FailureWindowResetsStreak(t *testing.T) {
	clock := testutil.NewFakeClock()
	m := model.NewMockModel("m1", "mock").FailAlways(unavailable("e1"))

	r := newRouter(t, clock, []Endpoint{{ID: "e1", Model: m}}, func(o *Options) {
		o.FailureThreshold = 2
		o.FailureWindow = time.Minute
	})

	_, _ = r.Call(context.Background(), Request{Prompt: "x"})
	clock.Advance(2 * time.Minute)
	_, _ = r.Call(context.Background(), Request{Prompt: "x"})

	assert.Equal(t, StateDegraded, r.Endpoints()[0].State)

	_, _ = r.Call(context.Background(), Request{Prompt: "x"})
	assert.Equal(t, StateCircuitOpen, r.Endpoints()[0].State)
}

func TestRouter_RateLimitCooldown(t *testing.T) {
	clock := testutil.NewFakeClock()

	limited := model.NewMockModel("m1", "mock").FailAlways(rateLimited("e1"))
	backup := model.NewMockModel("m2", "mock")

	r := newRouter(t, clock, []Endpoint{
		{ID: "e1", Priority: 1, Model: limited},
		{ID: "e2", Priority: 2, Model: backup},
	}, func(o *Options) {
		o.FailureThreshold = 2
		o.FailureWindow = time.Hour
		o.RateLimitCooldown = 5 * time.Minute
	})

	res, err := r.Call(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "e2", res.Endpoint)
	assert.Equal(t, core.KindRateLimited, res.Attempts[0].Kind)

	// Within the cooldown e1 is skipped without a call.
	res, err = r.Call(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, limited.Calls())
	assert.True(t, res.Attempts[0].Skipped)

	// Three rate limits weigh less than two hard failures.
	clock.Advance(5 * time.Minute)
	_, _ = r.Call(context.Background(), Request{Prompt: "x"})
	clock.Advance(5 * time.Minute)
	_, _ = r.Call(context.Background(), Request{Prompt: "x"})

	status := r.Endpoints()[0]
	assert.Equal(t, 3, limited.Calls())
	assert.Equal(t, int64(3), status.RateLimited)
	assert.Equal(t, StateDegraded, status.State)
}

func TestRouter_RetryAfterOverridesCooldown(t *testing.T) {
	clock := testutil.NewFakeClock()

	pe := core.NewProviderError("e1", 429, errors.New("slow down"))
	pe.RetryAfter = 30 * time.Second

	limited := model.NewMockModel("m1", "mock").FailNext(pe)
	r := newRouter(t, clock, []Endpoint{{ID: "e1", Model: limited}})

	_, err := r.Call(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)

	clock.Advance(31 * time.Second)

	_, err = r.Call(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
}

func TestRouter_ModelPreference(t *testing.T) {
	clock := testutil.NewFakeClock()

	gpt := model.NewMockModel("gpt-4o-mini", "openai")
	claude := model.NewMockModel("claude-sonnet-4-20250514", "anthropic")

	r := newRouter(t, clock, []Endpoint{
		{ID: "openai", Priority: 1, Model: gpt},
		{ID: "anthropic", Priority: 2, Model: claude},
	})

	res, err := r.Call(context.Background(), Request{ModelPreference: "claude-sonnet-4", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Endpoint)
	assert.Equal(t, "anthropic", res.Provider)

	res, err = r.Call(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Endpoint)

	res, err = r.Call(context.Background(), Request{ModelPreference: "unknown-model", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Endpoint)
}

func TestRouter_RoundRobin(t *testing.T) {
	clock := testutil.NewFakeClock()

	r := newRouter(t, clock, []Endpoint{
		{ID: "a", Model: model.NewMockModel("a", "mock")},
		{ID: "b", Model: model.NewMockModel("b", "mock")},
	}, func(o *Options) { o.Strategy = StrategyRoundRobin })

	var got []string

	for range 4 {
		res, err := r.Call(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err)

		got = append(got, res.Endpoint)
	}

	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestRouter_LowestLatency(t *testing.T) {
	clock := testutil.NewFakeClock()

	r := newRouter(t, clock, []Endpoint{
		{ID: "slow", Model: model.NewMockModel("slow", "mock").WithDelay(30 * time.Millisecond)},
		{ID: "fast", Model: model.NewMockModel("fast", "mock")},
	}, func(o *Options) { o.Strategy = StrategyLowestLatency })

	var got []string

	for range 3 {
		res, err := r.Call(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err)

		got = append(got, res.Endpoint)
	}

	assert.Equal(t, []string{"slow", "fast", "fast"}, got)
}

func TestRouter_WeightedPrefersHealthyEndpoints(t *testing.T) {
	clock := testutil.NewFakeClock()

	flaky := model.NewMockModel("flaky", "mock").FailAlways(unavailable("flaky"))
	healthy := model.NewMockModel("healthy", "mock")

	r := newRouter(t, clock, []Endpoint{
		{ID: "flaky", Model: flaky},
		{ID: "healthy", Model: healthy},
	}, func(o *Options) {
		o.Strategy = StrategyWeighted
		o.FailureThreshold = 1000
		o.Rand = rand.New(rand.NewPCG(1, 2))
	})

	firstHealthy := 0

	for range 50 {
		res, err := r.Call(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, "healthy", res.Endpoint)

		if len(res.Attempts) == 1 {
			firstHealthy++
		}
	}

	assert.GreaterOrEqual(t, firstHealthy, 40)
}

func TestRouter_PerCallTimeoutIsTransient(t *testing.T) {
	clock := testutil.NewFakeClock()

	r := newRouter(t, clock, []Endpoint{
		{ID: "hang", Priority: 1, Model: model.NewMockModel("hang", "mock").WithDelay(time.Minute)},
		{ID: "ok", Priority: 2, Model: model.NewMockModel("ok", "mock")},
	}, func(o *Options) { o.CallTimeout = 20 * time.Millisecond })

	res, err := r.Call(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Endpoint)
	assert.Equal(t, core.KindTransient, res.Attempts[0].Kind)
}

func TestRouter_CallerCancellationDoesNotPenalize(t *testing.T) {
	clock := testutil.NewFakeClock()
	slow := model.NewMockModel("slow", "mock").WithDelay(time.Minute)

	r := newRouter(t, clock, []Endpoint{{ID: "slow", Model: slow}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Call(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, core.ErrAllProvidersExhausted)
	assert.Zero(t, r.Endpoints()[0].Failures)

	_, err = r.Call(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, slow.Calls())
}

func TestNew_Validation(t *testing.T) {
	m := model.NewMockModel("m", "mock")

	_, err := New([]Endpoint{{Model: m}})
	assert.Error(t, err)

	_, err = New([]Endpoint{{ID: "a"}})
	assert.Error(t, err)

	_, err = New([]Endpoint{{ID: "a", Model: m}, {ID: "a", Model: m}})
	assert.Error(t, err)

	_, err = New([]Endpoint{{ID: "a", Model: m}}, func(o *Options) { o.FailureThreshold = 0 })
	assert.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyWeighted, s)

	s, err = ParseStrategy("round-robin")
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, s)

	_, err = ParseStrategy("random")
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Minute, backoff(10*time.Minute, time.Hour, 1))
	assert.Equal(t, 40*time.Minute, backoff(10*time.Minute, time.Hour, 3))
	assert.Equal(t, time.Hour, backoff(10*time.Minute, time.Hour, 10))
}
