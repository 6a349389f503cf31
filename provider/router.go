package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/observability"
)

// Options configures the router.
type Options struct {
	Strategy          Strategy
	CallTimeout       time.Duration
	RateLimitCooldown time.Duration
	// RateLimitPenalty is the streak penalty of a 429 relative to a hard failure.
	RateLimitPenalty   float64
	FailureThreshold   int
	FailureWindow      time.Duration
	CircuitBaseBackoff time.Duration
	CircuitMaxBackoff  time.Duration
	DegradedErrorRate  float64
	EWMAAlpha          float64

	// Clock drives cooldown and circuit timers.
	Clock func() time.Time
	// Rand drives weighted selection; nil uses the global source.
	Rand *rand.Rand

	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// DefaultOptions returns the router defaults.
func DefaultOptions() Options {
	return Options{
		Strategy:           StrategyWeighted,
		CallTimeout:        30 * time.Second,
		RateLimitCooldown:  5 * time.Minute,
		RateLimitPenalty:   0.5,
		FailureThreshold:   5,
		FailureWindow:      5 * time.Minute,
		CircuitBaseBackoff: 10 * time.Minute,
		CircuitMaxBackoff:  4 * time.Hour,
		DegradedErrorRate:  0.25,
		EWMAAlpha:          0.2,
		Clock:              time.Now,
		Logger:             logging.NoOpLogger{},
	}
}

// Request is one model call.
type Request struct {
	// ModelPreference moves endpoints whose ID or model name matches it
	// (case-insensitive prefix) ahead of all others.
	ModelPreference string
	Prompt          string
	SystemPrompt    string
	MaxTokens       int
	Temperature     *float64
}

// Result is a successful call plus the attempts it took.
type Result struct {
	Content  string
	Endpoint string
	Provider string
	Model    string
	Usage    model.TokenUsage
	Cost     float64
	Latency  time.Duration
	Attempts []core.Attempt
}

// Router executes model calls with fallback and circuit breaking.
type Router struct {
	endpoints []*endpointState
	opts      Options
	rnd       *lockedRand
	rr        atomic.Uint64
	logger    logging.Logger
	tracer    trace.Tracer
}

// New creates a router over endpoints.
func New(endpoints []Endpoint, optFns ...func(o *Options)) (*Router, error) {
	opts := DefaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Strategy == "" {
		opts.Strategy = StrategyWeighted
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer()
	}

	if opts.FailureThreshold < 1 {
		return nil, fmt.Errorf("failure threshold must be at least 1, got %d", opts.FailureThreshold)
	}

	seen := map[string]bool{}
	states := make([]*endpointState, 0, len(endpoints))

	for _, ep := range endpoints {
		if ep.ID == "" {
			return nil, errors.New("endpoint id is required")
		}

		if ep.Model == nil {
			return nil, fmt.Errorf("endpoint %s: model is required", ep.ID)
		}

		if seen[ep.ID] {
			return nil, fmt.Errorf("duplicate endpoint id %q", ep.ID)
		}

		seen[ep.ID] = true
		states = append(states, newEndpointState(ep))
	}

	r := &Router{
		endpoints: states,
		opts:      opts,
		logger:    logging.Component(opts.Logger, "router"),
		tracer:    opts.Tracer,
	}

	if opts.Rand != nil {
		r.rnd = &lockedRand{r: opts.Rand}
	}

	return r, nil
}

// Call runs req against the endpoint chain. It returns a *core.ExhaustedError
// (matching core.ErrAllProvidersExhausted) once every endpoint was tried or
// skipped, or the context error if the caller gave up first.
func (r *Router) Call(ctx context.Context, req Request) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "router.call", trace.WithAttributes(attribute.String("model_preference", req.ModelPreference)))
	defer span.End()

	var attempts []core.Attempt

	for _, ep := range r.order(req.ModelPreference) {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}

		now := r.opts.Clock()

		ok, trial, reason := ep.admit(now)
		if !ok {
			attempts = append(attempts, core.Attempt{Endpoint: ep.cfg.ID, Model: ep.info.Name, Skipped: true, Reason: reason, At: now})
			r.opts.Metrics.RecordAttempt(ctx, ep.cfg.ID, "skipped", 0)
			r.logger.Debug("Endpoint skipped", "endpoint", ep.cfg.ID, "reason", reason)

			continue
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		resp, err := ep.cfg.Model.Generate(callCtx, model.Request{
			SystemPrompt: req.SystemPrompt,
			Prompt:       req.Prompt,
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
		})
		cancel()

		latency := time.Since(start)

		if err == nil && resp == nil {
			err = core.NewProviderError(ep.cfg.ID, 0, errors.New("empty response"))
		}

		if err == nil {
			if ep.recordSuccess(latency, trial, &r.opts) {
				r.logger.Info("Circuit closed", "endpoint", ep.cfg.ID)
			}

			attempts = append(attempts, core.Attempt{Endpoint: ep.cfg.ID, Model: ep.info.Name, Success: true, Latency: latency, At: now})
			r.opts.Metrics.RecordAttempt(ctx, ep.cfg.ID, "success", latency)
			logging.ModelCall(r.logger, ep.cfg.ID, ep.info.Name, resp.Usage.TotalTokens, latency, nil)
			span.SetAttributes(attribute.String("endpoint", ep.cfg.ID), attribute.Int("attempts", len(attempts)))

			modelName := resp.Model
			if modelName == "" {
				modelName = ep.info.Name
			}

			return &Result{
				Content:  resp.Content,
				Endpoint: ep.cfg.ID,
				Provider: ep.info.Provider,
				Model:    modelName,
				Usage:    resp.Usage,
				Cost:     model.Cost(modelName, resp.Usage),
				Latency:  latency,
				Attempts: attempts,
			}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			ep.release(trial)
			span.SetStatus(codes.Error, "cancelled")

			return nil, ctxErr
		}

		kind, retryAfter := classify(err)
		opened := ep.recordFailure(r.opts.Clock(), kind, retryAfter, err, trial, &r.opts)

		attempts = append(attempts, core.Attempt{Endpoint: ep.cfg.ID, Model: ep.info.Name, Kind: kind, Error: err.Error(), Latency: latency, At: now})
		r.opts.Metrics.RecordAttempt(ctx, ep.cfg.ID, string(kind), latency)
		logging.ModelCall(r.logger, ep.cfg.ID, ep.info.Name, 0, latency, err, "kind", kind)

		if opened {
			r.opts.Metrics.RecordCircuitOpen(ctx, ep.cfg.ID)
			r.logger.Warn("Circuit opened", "endpoint", ep.cfg.ID)
		}
	}

	r.opts.Metrics.RecordExhausted(ctx)

	exhausted := &core.ExhaustedError{Attempts: attempts}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "all providers exhausted")
	r.logger.Error("All providers exhausted", "attempts", len(attempts), "error", exhausted)

	return nil, exhausted
}

// classify maps an adapter error onto an error kind. Unclassified errors and
// per-attempt deadlines count as transient.
func classify(err error) (core.ErrorKind, time.Duration) {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, pe.RetryAfter
	}

	return core.KindTransient, 0
}

// order returns the attempt order for one call: preferred endpoints first,
// then by priority tier, each tier ordered by strategy.
func (r *Router) order(preference string) []*endpointState {
	var preferred, rest []*endpointState

	pref := strings.ToLower(strings.TrimSpace(preference))

	for _, ep := range r.endpoints {
		if pref != "" && (strings.EqualFold(ep.cfg.ID, pref) || strings.HasPrefix(strings.ToLower(ep.info.Name), pref)) {
			preferred = append(preferred, ep)
		} else {
			rest = append(rest, ep)
		}
	}

	rr := r.rr.Add(1) - 1

	out := make([]*endpointState, 0, len(r.endpoints))
	out = append(out, r.orderTiers(preferred, rr)...)
	out = append(out, r.orderTiers(rest, rr)...)

	return out
}

func (r *Router) orderTiers(eps []*endpointState, rr uint64) []*endpointState {
	tiers := map[int][]*endpointState{}

	var keys []int

	for _, ep := range eps {
		if _, ok := tiers[ep.cfg.Priority]; !ok {
			keys = append(keys, ep.cfg.Priority)
		}

		tiers[ep.cfg.Priority] = append(tiers[ep.cfg.Priority], ep)
	}

	sort.Ints(keys)

	out := make([]*endpointState, 0, len(eps))
	for _, k := range keys {
		out = append(out, orderTier(tiers[k], r.opts.Strategy, rr, r.rnd)...)
	}

	return out
}

// Endpoints returns a health snapshot of every endpoint in configuration order.
func (r *Router) Endpoints() []EndpointStatus {
	out := make([]EndpointStatus, len(r.endpoints))
	for i, ep := range r.endpoints {
		out[i] = ep.status()
	}

	return out
}

// Strategy returns the configured selection strategy.
func (r *Router) Strategy() Strategy {
	return r.opts.Strategy
}
