package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkflowConfigIsValid(t *testing.T) {
	cfg := DefaultWorkflowConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Minute, cfg.WorkflowTimeout())
	assert.Len(t, cfg.StageCatalog(), len(DefaultStages()))
}

func TestZeroRetryDelaysAreValid(t *testing.T) {
	cfg := DefaultWorkflowConfig()
	cfg.Retry = RetrySettings{}
	assert.NoError(t, cfg.Validate())
}

func TestWorkflowTimeoutDerivedFromStages(t *testing.T) {
	cfg := DefaultWorkflowConfig()
	cfg.WorkflowTimeoutMs = 0
	cfg.Stages = []StageDefinition{
		{Name: "a", TimeoutMs: 1000, MaxRetries: 2},
		{Name: "b", TimeoutMs: 500, MaxRetries: 0},
	}
	assert.Equal(t, 3500*time.Millisecond, cfg.WorkflowTimeout())
}

func TestBreakerForOverride(t *testing.T) {
	cfg := DefaultWorkflowConfig()
	plain := BackendConfig{Name: "a"}
	custom := BackendConfig{Name: "b", Breaker: &BreakerSettings{FailureThreshold: 2, CooldownMs: 500}}

	assert.Equal(t, cfg.Breaker, cfg.BreakerFor(plain))
	assert.Equal(t, 2, cfg.BreakerFor(custom).FailureThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.BreakerFor(custom).Cooldown())
}

func TestWorkflowConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WorkflowConfig)
		field  string
	}{
		{"zero transitions", func(c *WorkflowConfig) { c.MaxTransitions = 0 }, "max_transitions"},
		{"base above max", func(c *WorkflowConfig) { c.Retry.BaseDelayMs = 50000 }, "retry.base_delay_ms"},
		{"base with zero max", func(c *WorkflowConfig) { c.Retry.MaxDelayMs = 0 }, "retry.base_delay_ms"},
		{"unknown mode", func(c *WorkflowConfig) { c.Routing.Mode = "random" }, "routing.mode"},
		{"missing primary", func(c *WorkflowConfig) { c.Routing.Primary = "" }, "routing.primary"},
		{"zero todo attempts", func(c *WorkflowConfig) { c.Todo.MaxAttempts = 0 }, "todo.max_attempts"},
		{"duplicate backend", func(c *WorkflowConfig) {
			c.Backends = []BackendConfig{{Name: "primary"}, {Name: "primary"}}
		}, "backends"},
		{"unconfigured fallback", func(c *WorkflowConfig) {
			c.Backends = []BackendConfig{{Name: "primary"}}
			c.Routing.Fallback = "other"
		}, "routing.fallback"},
		{"unconfigured keyword backend", func(c *WorkflowConfig) {
			c.Backends = []BackendConfig{{Name: "primary"}}
			c.Routing.KeywordRules = []KeywordRule{{Backend: "tools", Keywords: []string{"file"}}}
		}, "routing.keyword_rules"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultWorkflowConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := WrapConfigError("routing", inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "configuration error: routing: boom", err.Error())
	assert.False(t, IsConfigError(inner))
}

const sampleYAML = `
name: test-flow
retry:
  base_delay_ms: 10
  max_delay_ms: 100
max_transitions: 12
routing:
  mode: hybrid
  primary: reasoning
  fallback: tools
  keyword_rules:
    - backend: tools
      keywords: [file, browser]
backends:
  - name: reasoning
    base_url: http://localhost:4000/v1
    model: gpt-4o-mini
  - name: tools
    base_url: http://localhost:4001/v1
    model: tool-runner
    rate_limit: 5
    burst: 2
`

func TestLoadBytesMergesYAMLAndDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-flow", cfg.Name)
	assert.Equal(t, int64(10), cfg.Retry.BaseDelayMs)
	assert.Equal(t, 12, cfg.MaxTransitions)
	assert.Equal(t, RoutingHybrid, cfg.Routing.Mode)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, 5.0, cfg.Backends[1].RateLimit)
	require.Len(t, cfg.Routing.KeywordRules, 1)
	assert.Equal(t, []string{"file", "browser"}, cfg.Routing.KeywordRules[0].Keywords)

	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.Todo.MaxAttempts)
	assert.Equal(t, int64(1800000), cfg.WorkflowTimeoutMs)
}

func TestLoadBytesEnvOverrides(t *testing.T) {
	t.Setenv("STAGEFLOW_MAX_TRANSITIONS", "40")
	t.Setenv("STAGEFLOW_ROUTING__FALLBACK", "reasoning")
	t.Setenv("STAGEFLOW_LOGGING__LEVEL", "debug")

	cfg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.MaxTransitions)
	assert.Equal(t, "reasoning", cfg.Routing.Fallback)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadBytesInvalid(t *testing.T) {
	_, err := LoadBytes([]byte("max_transitions: 0\n"))
	assert.True(t, IsConfigError(err))

	_, err = LoadBytes([]byte("routing: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stageflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-flow", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "stageflow", cfg.Name)
}
