// Package config loads taskmesh configuration from a YAML file, TASKMESH_*
// environment variables and built-in defaults, in that order of precedence
// (environment highest).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/taskmesh/provider"
)

// EnvPrefix prefixes environment overrides, e.g. TASKMESH_ROUTER_STRATEGY.
const EnvPrefix = "TASKMESH"

// Provider types understood by the façade.
const (
	ProviderAnthropic        = "anthropic"
	ProviderBedrock          = "bedrock"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderMock             = "mock"
)

// Config holds all configuration for taskmesh.
type Config struct {
	Providers     []ProviderConfig    `mapstructure:"providers"`
	Router        RouterConfig        `mapstructure:"router"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Predictor     PredictorConfig     `mapstructure:"predictor"`
	Store         StoreConfig         `mapstructure:"store"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
}

// ProviderConfig describes one model endpoint.
type ProviderConfig struct {
	// ID is unique per router; defaults to Type.
	ID       string `mapstructure:"id"`
	Type     string `mapstructure:"type"`
	Model    string `mapstructure:"model"`
	Priority int    `mapstructure:"priority"`
	// APIKey may reference the environment as ${VAR}.
	APIKey      string   `mapstructure:"api_key"`
	BaseURL     string   `mapstructure:"base_url"`
	Region      string   `mapstructure:"region"`
	Profile     string   `mapstructure:"profile"`
	Temperature *float64 `mapstructure:"temperature"`
	MaxTokens   int64    `mapstructure:"max_tokens"`
}

// RouterConfig holds provider router settings.
type RouterConfig struct {
	Strategy           string        `mapstructure:"strategy"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	RateLimitCooldown  time.Duration `mapstructure:"rate_limit_cooldown"`
	RateLimitPenalty   float64       `mapstructure:"rate_limit_penalty"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	FailureWindow      time.Duration `mapstructure:"failure_window"`
	CircuitBaseBackoff time.Duration `mapstructure:"circuit_base_backoff"`
	CircuitMaxBackoff  time.Duration `mapstructure:"circuit_max_backoff"`
}

// OrchestratorConfig holds task execution settings.
type OrchestratorConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxInFlight    int           `mapstructure:"max_in_flight"`
	ContextTTL     time.Duration `mapstructure:"context_ttl"`
	RetrainEvery   int           `mapstructure:"retrain_every"`
	RetrainWindow  int           `mapstructure:"retrain_window"`
}

// PredictorConfig holds predictive engine settings.
type PredictorConfig struct {
	MinRecords          int     `mapstructure:"min_records"`
	Window              int     `mapstructure:"window"`
	ColdStartSuccess    float64 `mapstructure:"cold_start_success"`
	ColdStartConfidence float64 `mapstructure:"cold_start_confidence"`
	MaxRecommendations  int     `mapstructure:"max_recommendations"`
	// TrainOnStart fits the model from stored records at startup.
	TrainOnStart bool `mapstructure:"train_on_start"`
}

// StoreConfig selects the task store and record sink.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// CacheConfig controls the task snapshot cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

// CatalogConfig points at an optional agent catalog file.
type CatalogConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// Load reads configuration from path (optional), the environment and
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))

		if p.ID == "" {
			p.ID = p.Type
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("router.strategy", d.Router.Strategy)
	v.SetDefault("router.call_timeout", d.Router.CallTimeout)
	v.SetDefault("router.rate_limit_cooldown", d.Router.RateLimitCooldown)
	v.SetDefault("router.rate_limit_penalty", d.Router.RateLimitPenalty)
	v.SetDefault("router.failure_threshold", d.Router.FailureThreshold)
	v.SetDefault("router.failure_window", d.Router.FailureWindow)
	v.SetDefault("router.circuit_base_backoff", d.Router.CircuitBaseBackoff)
	v.SetDefault("router.circuit_max_backoff", d.Router.CircuitMaxBackoff)

	v.SetDefault("orchestrator.default_timeout", d.Orchestrator.DefaultTimeout)
	v.SetDefault("orchestrator.max_in_flight", d.Orchestrator.MaxInFlight)
	v.SetDefault("orchestrator.context_ttl", d.Orchestrator.ContextTTL)
	v.SetDefault("orchestrator.retrain_every", d.Orchestrator.RetrainEvery)
	v.SetDefault("orchestrator.retrain_window", d.Orchestrator.RetrainWindow)

	v.SetDefault("predictor.min_records", d.Predictor.MinRecords)
	v.SetDefault("predictor.window", d.Predictor.Window)
	v.SetDefault("predictor.cold_start_success", d.Predictor.ColdStartSuccess)
	v.SetDefault("predictor.cold_start_confidence", d.Predictor.ColdStartConfidence)
	v.SetDefault("predictor.max_recommendations", d.Predictor.MaxRecommendations)
	v.SetDefault("predictor.train_on_start", d.Predictor.TrainOnStart)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("observability.enabled", d.Observability.Enabled)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
	v.SetDefault("observability.environment", d.Observability.Environment)
	v.SetDefault("observability.otlp_endpoint", d.Observability.OTLPEndpoint)
	v.SetDefault("observability.otlp_insecure", d.Observability.OTLPInsecure)
	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)

	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.watch", d.Catalog.Watch)
}

// Default returns a Config with default values and no providers.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Strategy:           string(provider.StrategyWeighted),
			CallTimeout:        30 * time.Second,
			RateLimitCooldown:  5 * time.Minute,
			RateLimitPenalty:   0.5,
			FailureThreshold:   5,
			FailureWindow:      5 * time.Minute,
			CircuitBaseBackoff: 10 * time.Minute,
			CircuitMaxBackoff:  4 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			DefaultTimeout: 10 * time.Minute,
			ContextTTL:     24 * time.Hour,
			RetrainEvery:   20,
			RetrainWindow:  500,
		},
		Predictor: PredictorConfig{
			MinRecords:          5,
			Window:              500,
			ColdStartSuccess:    0.75,
			ColdStartConfidence: 0.3,
			MaxRecommendations:  5,
			TrainOnStart:        true,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "taskmesh.db",
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			ServiceName:  "taskmesh",
			Environment:  "development",
			OTLPInsecure: true,
		},
	}
}

// Validate reports every structural problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := provider.ParseStrategy(c.Router.Strategy); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]bool{}

	for i, p := range c.Providers {
		switch p.Type {
		case ProviderAnthropic, ProviderBedrock, ProviderOpenAI, ProviderMock:
		case ProviderOpenAICompatible:
			if p.BaseURL == "" {
				errs = append(errs, fmt.Errorf("providers[%d]: base_url is required for %s", i, p.Type))
			}
		default:
			errs = append(errs, fmt.Errorf("providers[%d]: unknown type %q", i, p.Type))
		}

		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}

		seen[p.ID] = true
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store: path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}

	if c.Orchestrator.RetrainEvery <= 0 {
		errs = append(errs, errors.New("orchestrator: retrain_every must be positive"))
	}

	if c.Orchestrator.MaxInFlight < 0 {
		errs = append(errs, errors.New("orchestrator: max_in_flight must not be negative"))
	}

	if s := c.Predictor.ColdStartSuccess; s < 0 || s > 1 {
		errs = append(errs, errors.New("predictor: cold_start_success must be within [0,1]"))
	}

	return errors.Join(errs...)
}
