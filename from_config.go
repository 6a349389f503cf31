package taskmesh

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/taskmesh/config"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/model/anthropic"
	"github.com/hupe1980/taskmesh/model/openai"
	"github.com/hupe1980/taskmesh/observability"
	"github.com/hupe1980/taskmesh/orchestrator"
	"github.com/hupe1980/taskmesh/predict"
	"github.com/hupe1980/taskmesh/provider"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/store/sqlite"
)

// NewFromConfig wires a TaskMesh from configuration: provider endpoints,
// stores, catalog (optionally hot reloaded), logging and telemetry. optFns
// run after the configuration is applied.
func NewFromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*TaskMesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := NewLogger(cfg.Logging)

	var closers []func() error

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	var obs *observability.Observability

	if cfg.Observability.Enabled {
		ocfg := observability.DefaultConfig(cfg.Observability.ServiceName)
		ocfg.Environment = cfg.Observability.Environment
		ocfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
		ocfg.OTLPInsecure = cfg.Observability.OTLPInsecure

		var err error

		obs, err = observability.Setup(ctx, ocfg)
		if err != nil {
			return nil, fmt.Errorf("setup observability: %w", err)
		}

		closers = append(closers, func() error { return obs.Shutdown(context.Background()) })
	}

	endpoints, err := BuildEndpoints(ctx, cfg.Providers)
	if err != nil {
		cleanup()
		return nil, err
	}

	strategy, _ := provider.ParseStrategy(cfg.Router.Strategy)

	var catalog *registry.Catalog

	if cfg.Catalog.Path != "" {
		catalog, err = registry.LoadCatalog(cfg.Catalog.Path)
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	opts := []func(o *Options){func(o *Options) {
		o.Endpoints = endpoints
		o.Catalog = catalog
		o.Logger = logger

		if obs != nil {
			o.Metrics = obs.Metrics
			o.Tracer = obs.Tracer
		}

		o.Router = func(ro *provider.Options) {
			ro.Strategy = strategy
			ro.CallTimeout = cfg.Router.CallTimeout
			ro.RateLimitCooldown = cfg.Router.RateLimitCooldown
			ro.RateLimitPenalty = cfg.Router.RateLimitPenalty
			ro.FailureThreshold = cfg.Router.FailureThreshold
			ro.FailureWindow = cfg.Router.FailureWindow
			ro.CircuitBaseBackoff = cfg.Router.CircuitBaseBackoff
			ro.CircuitMaxBackoff = cfg.Router.CircuitMaxBackoff
		}

		o.Predictor = func(po *predict.Options) {
			po.MinRecords = cfg.Predictor.MinRecords
			po.Window = cfg.Predictor.Window
			po.ColdStartSuccess = cfg.Predictor.ColdStartSuccess
			po.ColdStartConfidence = cfg.Predictor.ColdStartConfidence
			po.MaxRecommendations = cfg.Predictor.MaxRecommendations
		}

		o.Orchestrator = func(oo *orchestrator.Options) {
			oo.DefaultTimeout = cfg.Orchestrator.DefaultTimeout
			oo.MaxInFlight = cfg.Orchestrator.MaxInFlight
			oo.ContextTTL = cfg.Orchestrator.ContextTTL
			oo.RetrainEvery = cfg.Orchestrator.RetrainEvery
			oo.RetrainWindow = cfg.Orchestrator.RetrainWindow
			oo.CacheTTL = cfg.Cache.TTL
		}

		if cfg.Cache.Enabled {
			o.Cache = store.NewInMemoryCache(nil)
		}
	}}

	if cfg.Store.Driver == "sqlite" {
		db, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			cleanup()
			return nil, err
		}

		closers = append(closers, db.Close)
		opts = append(opts, func(o *Options) {
			o.Tasks = db
			o.Records = db
		})
	}

	m, err := New(append(opts, optFns...)...)
	if err != nil {
		cleanup()
		return nil, err
	}

	if cfg.Catalog.Path != "" && cfg.Catalog.Watch {
		w, err := registry.WatchCatalog(ctx, cfg.Catalog.Path, m.registry, logger)
		if err != nil {
			_ = m.Close()
			cleanup()

			return nil, err
		}

		closers = append(closers, w.Close)
	}

	m.closers = closers
	m.obs = obs

	if cfg.Predictor.TrainOnStart {
		if err := m.Train(ctx); err != nil {
			logger.Warn("Initial predictor training failed", "error", err)
		}
	}

	return m, nil
}

// NewLogger builds the structured logger described by cfg.
func NewLogger(cfg config.LoggingConfig) logging.Logger {
	lc := logging.DefaultLoggerConfig()
	lc.Level = logging.ParseLevel(cfg.Level)

	if cfg.Format != "" {
		lc.Format = cfg.Format
	}

	return logging.NewLogger(lc)
}

// BuildEndpoints creates router endpoints from provider configuration.
func BuildEndpoints(ctx context.Context, providers []config.ProviderConfig) ([]provider.Endpoint, error) {
	endpoints := make([]provider.Endpoint, 0, len(providers))

	for _, p := range providers {
		m, err := buildModel(ctx, p)
		if err != nil {
			return nil, err
		}

		endpoints = append(endpoints, provider.Endpoint{ID: p.ID, Priority: p.Priority, Model: m})
	}

	return endpoints, nil
}

func buildModel(ctx context.Context, p config.ProviderConfig) (model.Model, error) {
	typ := strings.ToLower(p.Type)

	switch typ {
	case config.ProviderAnthropic, config.ProviderBedrock:
		apply := func(o *anthropic.Options) {
			o.Name = p.ID
			o.APIKey = p.APIKey
			o.BaseURL = p.BaseURL

			if p.Model != "" {
				o.Model = p.Model
			}

			if p.Temperature != nil {
				o.Temperature = *p.Temperature
			}

			if p.MaxTokens > 0 {
				o.MaxTokens = p.MaxTokens
			}
		}

		if typ == config.ProviderBedrock {
			return anthropic.NewBedrockModel(ctx, anthropic.BedrockOptions{Region: p.Region, Profile: p.Profile}, apply), nil
		}

		return anthropic.NewModel(apply), nil
	case config.ProviderOpenAI, config.ProviderOpenAICompatible:
		return openai.NewModel(func(o *openai.Options) {
			o.Name = p.ID
			o.APIKey = p.APIKey
			o.BaseURL = p.BaseURL

			if p.Model != "" {
				o.Model = p.Model
			}

			if p.Temperature != nil {
				o.Temperature = *p.Temperature
			}

			if p.MaxTokens > 0 {
				o.MaxCompletionTokens = p.MaxTokens
			}
		}), nil
	case config.ProviderMock:
		name := p.Model
		if name == "" {
			name = "mock"
		}

		return model.NewMockModel(name, "mock"), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
	}
}
