package config

import (
	"strings"
	"time"
)

// =============================================================================
// ROUTING
// =============================================================================

// Routing modes.
const (
	RoutingSingle = "single"
	RoutingHybrid = "hybrid"
)

// KeywordRule sends input containing any keyword to Backend in hybrid mode.
type KeywordRule struct {
	Backend  string   `json:"backend" koanf:"backend"`
	Keywords []string `json:"keywords" koanf:"keywords"`
}

// RoutingConfig selects backends. KeywordRules are checked in order, so the
// fast-path backend is listed before the deep-reasoning backend.
type RoutingConfig struct {
	Mode         string        `json:"mode" koanf:"mode"`
	Primary      string        `json:"primary" koanf:"primary"`
	Fallback     string        `json:"fallback" koanf:"fallback"`
	KeywordRules []KeywordRule `json:"keyword_rules" koanf:"keyword_rules"`
}

// BreakerSettings are circuit breaker thresholds in config units.
type BreakerSettings struct {
	FailureThreshold int   `json:"failure_threshold" koanf:"failure_threshold"`
	CooldownMs       int64 `json:"cooldown_ms" koanf:"cooldown_ms"`
}

// Cooldown returns CooldownMs as a Duration.
func (b BreakerSettings) Cooldown() time.Duration {
	return time.Duration(b.CooldownMs) * time.Millisecond
}

// BackendConfig describes one OpenAI-compatible backend.
type BackendConfig struct {
	Name        string  `json:"name" koanf:"name"`
	BaseURL     string  `json:"base_url" koanf:"base_url"`
	Model       string  `json:"model" koanf:"model"`
	APIKeyEnv   string  `json:"api_key_env" koanf:"api_key_env"`
	Temperature float32 `json:"temperature" koanf:"temperature"`
	MaxTokens   int     `json:"max_tokens" koanf:"max_tokens"`

	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `json:"rate_limit" koanf:"rate_limit"`
	Burst     int     `json:"burst" koanf:"burst"`

	// Breaker overrides the global breaker settings when non-zero.
	Breaker *BreakerSettings `json:"breaker,omitempty" koanf:"breaker"`
}

// =============================================================================
// WORKFLOW
// =============================================================================

// RetrySettings feed the backoff policy for stage retries.
// A zero max_delay_ms caps every delay at zero, so base_delay_ms must be zero too.
type RetrySettings struct {
	BaseDelayMs int64 `json:"base_delay_ms" koanf:"base_delay_ms"`
	MaxDelayMs  int64 `json:"max_delay_ms" koanf:"max_delay_ms"`
}

// TodoSettings bound execution of planned items.
type TodoSettings struct {
	MaxAttempts int `json:"max_attempts" koanf:"max_attempts"`
	MaxParallel int `json:"max_parallel" koanf:"max_parallel"`
}

// ServerSettings hold listen addresses.
type ServerSettings struct {
	GRPCAddr string `json:"grpc_addr" koanf:"grpc_addr"`
	HTTPAddr string `json:"http_addr" koanf:"http_addr"`
}

// EventSettings configure the NATS history sink. Empty URL disables it.
type EventSettings struct {
	NATSURL       string `json:"nats_url" koanf:"nats_url"`
	SubjectPrefix string `json:"subject_prefix" koanf:"subject_prefix"`
}

// LoggingSettings select level and encoding.
type LoggingSettings struct {
	Level  string `json:"level" koanf:"level"`
	Format string `json:"format" koanf:"format"`
}

// TracingSettings configure OTLP export. Empty endpoint disables it.
type TracingSettings struct {
	Endpoint    string `json:"endpoint" koanf:"endpoint"`
	ServiceName string `json:"service_name" koanf:"service_name"`
}

// WorkflowConfig is the immutable process configuration, built once at startup.
type WorkflowConfig struct {
	Name string `json:"name" koanf:"name"`

	Retry             RetrySettings `json:"retry" koanf:"retry"`
	WorkflowTimeoutMs int64         `json:"workflow_timeout_ms" koanf:"workflow_timeout_ms"` // 0 derives from stage budgets
	MaxTransitions    int           `json:"max_transitions" koanf:"max_transitions"`
	MaxRetryCycles    int           `json:"max_retry_cycles" koanf:"max_retry_cycles"`

	Routing  RoutingConfig   `json:"routing" koanf:"routing"`
	Breaker  BreakerSettings `json:"breaker" koanf:"breaker"`
	Backends []BackendConfig `json:"backends" koanf:"backends"`
	Todo     TodoSettings    `json:"todo" koanf:"todo"`

	// Stages overrides the default catalog when non-empty.
	Stages []StageDefinition `json:"stages,omitempty" koanf:"stages"`

	Server  ServerSettings  `json:"server" koanf:"server"`
	Events  EventSettings   `json:"events" koanf:"events"`
	Logging LoggingSettings `json:"logging" koanf:"logging"`
	Tracing TracingSettings `json:"tracing" koanf:"tracing"`
}

// DefaultWorkflowConfig returns production defaults.
func DefaultWorkflowConfig() *WorkflowConfig {
	return &WorkflowConfig{
		Name:              "stageflow",
		Retry:             RetrySettings{BaseDelayMs: 1000, MaxDelayMs: 30000},
		WorkflowTimeoutMs: 1800000,
		MaxTransitions:    25,
		MaxRetryCycles:    3,
		Routing: RoutingConfig{
			Mode:    RoutingSingle,
			Primary: "primary",
		},
		Breaker: BreakerSettings{FailureThreshold: 5, CooldownMs: 60000},
		Todo:    TodoSettings{MaxAttempts: 3, MaxParallel: 4},
		Server:  ServerSettings{GRPCAddr: ":50051", HTTPAddr: ":8080"},
		Events:  EventSettings{SubjectPrefix: "stageflow"},
		Logging: LoggingSettings{Level: "info", Format: "json"},
		Tracing: TracingSettings{ServiceName: "stageflow"},
	}
}

// StageCatalog returns the configured stages, or the default catalog.
func (c *WorkflowConfig) StageCatalog() []StageDefinition {
	if len(c.Stages) > 0 {
		out := make([]StageDefinition, len(c.Stages))
		copy(out, c.Stages)
		return out
	}
	return DefaultStages()
}

// WorkflowTimeout returns the wall-clock ceiling. When WorkflowTimeoutMs is 0
// it is the sum of every stage's full retry budget.
func (c *WorkflowConfig) WorkflowTimeout() time.Duration {
	if c.WorkflowTimeoutMs > 0 {
		return time.Duration(c.WorkflowTimeoutMs) * time.Millisecond
	}
	var total time.Duration
	for _, s := range c.StageCatalog() {
		total += s.Timeout() * time.Duration(s.MaxRetries+1)
	}
	return total
}

// BreakerFor returns the effective breaker settings for a backend.
func (c *WorkflowConfig) BreakerFor(b BackendConfig) BreakerSettings {
	if b.Breaker != nil && (b.Breaker.FailureThreshold != 0 || b.Breaker.CooldownMs != 0) {
		return *b.Breaker
	}
	return c.Breaker
}

// Validate checks settings the engine and router cannot run without.
// Stage-level validation is done by the stage registry.
func (c *WorkflowConfig) Validate() error {
	if c.Name == "" {
		return NewConfigError("name", "is required")
	}
	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < 0 {
		return NewConfigError("retry", "delays must be >= 0")
	}
	if c.Retry.BaseDelayMs > c.Retry.MaxDelayMs {
		return NewConfigError("retry.base_delay_ms", "exceeds max_delay_ms")
	}
	if c.WorkflowTimeoutMs < 0 {
		return NewConfigError("workflow_timeout_ms", "must be >= 0")
	}
	if c.MaxTransitions <= 0 {
		return NewConfigError("max_transitions", "must be > 0, got %d", c.MaxTransitions)
	}
	if c.MaxRetryCycles < 0 {
		return NewConfigError("max_retry_cycles", "must be >= 0")
	}
	if c.Todo.MaxAttempts <= 0 {
		return NewConfigError("todo.max_attempts", "must be > 0")
	}
	if c.Todo.MaxParallel <= 0 {
		return NewConfigError("todo.max_parallel", "must be > 0")
	}

	switch strings.ToLower(c.Routing.Mode) {
	case RoutingSingle, RoutingHybrid:
	default:
		return NewConfigError("routing.mode", "unknown mode %q", c.Routing.Mode)
	}
	if c.Routing.Primary == "" {
		return NewConfigError("routing.primary", "is required")
	}

	names := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return NewConfigError("backends.name", "is required")
		}
		if names[b.Name] {
			return NewConfigError("backends", "duplicate backend %q", b.Name)
		}
		names[b.Name] = true
		if b.RateLimit < 0 {
			return NewConfigError("backends."+b.Name+".rate_limit", "must be >= 0")
		}
	}
	if len(names) > 0 {
		if !names[c.Routing.Primary] {
			return NewConfigError("routing.primary", "backend %q is not configured", c.Routing.Primary)
		}
		if c.Routing.Fallback != "" && !names[c.Routing.Fallback] {
			return NewConfigError("routing.fallback", "backend %q is not configured", c.Routing.Fallback)
		}
		for _, rule := range c.Routing.KeywordRules {
			if !names[rule.Backend] {
				return NewConfigError("routing.keyword_rules", "backend %q is not configured", rule.Backend)
			}
		}
	}
	return nil
}
