package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "weighted", cfg.Router.Strategy)
	assert.Equal(t, 20, cfg.Orchestrator.RetrainEvery)
	assert.Equal(t, 0.75, cfg.Predictor.ColdStartSuccess)
	assert.Empty(t, cfg.Providers)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test")

	path := writeConfig(t, `
providers:
  - type: anthropic
    api_key: ${TEST_ANTHROPIC_KEY}
    priority: 0
  - id: gateway
    type: openai_compatible
    base_url: http://localhost:8080/v1
    model: llama3
    priority: 1
router:
  strategy: round_robin
  call_timeout: 10s
  failure_threshold: 3
orchestrator:
  max_in_flight: 4
store:
  driver: sqlite
  path: /tmp/tm.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "anthropic", cfg.Providers[0].ID)
	assert.Equal(t, "sk-test", cfg.Providers[0].APIKey)
	assert.Equal(t, "gateway", cfg.Providers[1].ID)
	assert.Equal(t, 1, cfg.Providers[1].Priority)

	assert.Equal(t, "round_robin", cfg.Router.Strategy)
	assert.Equal(t, 10*time.Second, cfg.Router.CallTimeout)
	assert.Equal(t, 3, cfg.Router.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Router.FailureWindow)
	assert.Equal(t, 4, cfg.Orchestrator.MaxInFlight)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKMESH_ROUTER_STRATEGY", "lowest_latency")
	t.Setenv("TASKMESH_ORCHESTRATOR_RETRAIN_EVERY", "7")
	t.Setenv("TASKMESH_LOGGING_LEVEL", "debug")

	path := writeConfig(t, "router:\n  strategy: priority\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lowest_latency", cfg.Router.Strategy)
	assert.Equal(t, 7, cfg.Orchestrator.RetrainEvery)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
providers:
  - type: anthropic
  - type: anthropic
  - type: carrier_pigeon
  - type: openai_compatible
    id: gw
router:
  strategy: fastest
store:
  driver: postgres
`)

	_, err := Load(path)
	require.Error(t, err)

	for _, want := range []string{"duplicate id", "unknown type", "base_url is required", "unknown driver", "fastest"} {
		assert.Contains(t, err.Error(), want)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
