// Package routing selects a backend for each unit of work, executes it behind
// that backend's circuit breaker, and falls back to an alternate backend on failure.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
)

var tracer = otel.Tracer("stageflow/routing")

// Logger is the kv logger the router reports through.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// TYPES
// =============================================================================

// Options carry routing hints and generation parameters for one call.
type Options struct {
	ForceBackend string
	Model        string
	Temperature  *float32
	MaxTokens    int
	System       string
	Metadata     map[string]string
}

// ExecuteFunc is a backend provider call. Latency is measured by the router.
type ExecuteFunc func(ctx context.Context, input string, opts Options) (string, error)

// BackendDescriptor identifies a backend and its protection settings.
type BackendDescriptor struct {
	Name    string
	Breaker resilience.BreakerConfig
	// RateLimit is calls per second; 0 disables limiting.
	RateLimit float64
	Burst     int
}

// Response is a successful routed call.
type Response struct {
	Result          string `json:"result"`
	Backend         string `json:"backend"`
	LatencyMs       int64  `json:"latency_ms"`
	FallbackUsed    bool   `json:"fallback_used"`
	OriginalBackend string `json:"original_backend,omitempty"`
	OriginalError   string `json:"original_error,omitempty"`
}

// Metrics are the raw per-backend counters.
type Metrics struct {
	Requests       int64 `json:"requests"`
	Errors         int64 `json:"errors"`
	TotalLatencyMs int64 `json:"total_latency_ms"`
}

// MetricsView adds read-time aggregates to Metrics.
type MetricsView struct {
	Metrics
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	ErrorRatePercent float64 `json:"error_rate_percent"`
}

// BackendStatus is the health view of one backend.
type BackendStatus struct {
	Name    string              `json:"name"`
	Breaker resilience.Snapshot `json:"breaker"`
	Metrics MetricsView         `json:"metrics"`
}

type backend struct {
	desc    BackendDescriptor
	fn      ExecuteFunc
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter

	mu      sync.Mutex
	metrics Metrics
}

func (b *backend) recordSuccess(latencyMs int64) {
	b.mu.Lock()
	b.metrics.Requests++
	b.metrics.TotalLatencyMs += latencyMs
	b.mu.Unlock()
}

func (b *backend) recordError() {
	b.mu.Lock()
	b.metrics.Errors++
	b.mu.Unlock()
}

func (b *backend) view() MetricsView {
	b.mu.Lock()
	m := b.metrics
	b.mu.Unlock()

	v := MetricsView{Metrics: m}
	if m.Requests > 0 {
		v.AvgLatencyMs = float64(m.TotalLatencyMs) / float64(m.Requests)
	}
	if total := m.Requests + m.Errors; total > 0 {
		v.ErrorRatePercent = float64(m.Errors) / float64(total) * 100
	}
	return v
}

// =============================================================================
// ROUTER
// =============================================================================

// Router owns the registered backends. Safe for concurrent use by many workflows.
type Router struct {
	cfg    config.RoutingConfig
	clock  resilience.Clock
	logger Logger

	mu       sync.RWMutex
	backends map[string]*backend
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock used for breakers and latency.
func WithClock(c resilience.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// NewRouter creates a router with no backends.
func NewRouter(cfg config.RoutingConfig, logger Logger, opts ...Option) *Router {
	cfg.Mode = strings.ToLower(cfg.Mode)
	r := &Router{
		cfg:      cfg,
		clock:    resilience.SystemClock,
		logger:   logger,
		backends: make(map[string]*backend),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterBackend adds a backend with its own breaker. Names must be unique.
func (r *Router) RegisterBackend(desc BackendDescriptor, fn ExecuteFunc) error {
	if desc.Name == "" {
		return config.NewConfigError("backend.name", "is required")
	}
	if fn == nil {
		return config.NewConfigError("backend."+desc.Name, "execute function is required")
	}

	b := &backend{desc: desc, fn: fn}
	b.breaker = resilience.NewCircuitBreaker(desc.Name, desc.Breaker,
		resilience.WithClock(r.clock),
		resilience.WithStateChange(r.onBreakerChange),
	)
	if desc.RateLimit > 0 {
		burst := desc.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(desc.RateLimit), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[desc.Name]; exists {
		return config.NewConfigError("backend."+desc.Name, "already registered")
	}
	r.backends[desc.Name] = b
	observability.SetBreakerState(desc.Name, int(resilience.StateClosed))

	r.logger.Info("backend_registered",
		"backend", desc.Name,
		"threshold", desc.Breaker.Threshold,
		"cooldown_ms", desc.Breaker.Cooldown.Milliseconds(),
		"rate_limit", desc.RateLimit,
	)
	return nil
}

// Validate checks that every backend named by the routing config is registered.
func (r *Router) Validate() error {
	if _, ok := r.lookup(r.cfg.Primary); !ok {
		return config.NewConfigError("routing.primary", "backend %q is not registered", r.cfg.Primary)
	}
	if r.cfg.Fallback != "" {
		if _, ok := r.lookup(r.cfg.Fallback); !ok {
			return config.NewConfigError("routing.fallback", "backend %q is not registered", r.cfg.Fallback)
		}
	}
	return nil
}

// SelectBackend picks the backend for input.
//
// A forced backend always wins. In hybrid mode keyword rules are checked in
// order with case-insensitive substring matching, skipping backends that are
// not registered. Otherwise the primary is used.
func (r *Router) SelectBackend(input string, opts Options) (string, error) {
	if opts.ForceBackend != "" {
		if _, ok := r.lookup(opts.ForceBackend); !ok {
			return "", config.WrapConfigError("force_backend", fmt.Errorf("%w: %s", ErrUnknownBackend, opts.ForceBackend))
		}
		return opts.ForceBackend, nil
	}
	if r.cfg.Mode != config.RoutingHybrid {
		return r.cfg.Primary, nil
	}

	lower := strings.ToLower(input)
	for _, rule := range r.cfg.KeywordRules {
		if _, ok := r.lookup(rule.Backend); !ok {
			continue
		}
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return rule.Backend, nil
			}
		}
	}
	return r.cfg.Primary, nil
}

// Execute routes input to a backend and falls back once on failure.
//
// Unregistered backends are configuration errors. A breaker that refuses the
// call counts as a failure of that backend. Cancellation is never recorded
// against a breaker and never triggers the fallback.
func (r *Router) Execute(ctx context.Context, input string, opts Options) (*Response, error) {
	name, err := r.SelectBackend(input, opts)
	if err != nil {
		return nil, err
	}
	selected, ok := r.lookup(name)
	if !ok {
		return nil, config.WrapConfigError("routing.primary", fmt.Errorf("%w: %s", ErrUnknownBackend, name))
	}

	ctx, span := tracer.Start(ctx, "routing.execute")
	defer span.End()
	span.SetAttributes(attribute.String("backend.selected", name))

	result, latency, err := r.call(ctx, selected, input, opts)
	if err == nil {
		span.SetAttributes(attribute.Bool("backend.fallback_used", false))
		return &Response{Result: result, Backend: name, LatencyMs: latency}, nil
	}
	if ctx.Err() != nil || isRateWait(err) {
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}

	fallbackName := r.cfg.Fallback
	fallback, registered := r.lookup(fallbackName)
	if fallbackName == "" || fallbackName == name || !registered {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r.logger.Warn("backend_fallback",
		"from", name,
		"to", fallbackName,
		"error", err.Error(),
	)
	observability.RecordFallback(name, fallbackName)

	result, latency, fbErr := r.call(ctx, fallback, input, opts)
	if fbErr != nil {
		combined := &BothBackendsFailedError{
			Primary:     name,
			Fallback:    fallbackName,
			PrimaryErr:  err,
			FallbackErr: fbErr,
		}
		span.RecordError(combined)
		span.SetStatus(codes.Error, combined.Error())
		return nil, combined
	}

	span.SetAttributes(
		attribute.Bool("backend.fallback_used", true),
		attribute.String("backend.used", fallbackName),
	)
	return &Response{
		Result:          result,
		Backend:         fallbackName,
		LatencyMs:       latency,
		FallbackUsed:    true,
		OriginalBackend: name,
		OriginalError:   err.Error(),
	}, nil
}

// call runs one backend behind its limiter and breaker.
func (r *Router) call(ctx context.Context, b *backend, input string, opts Options) (string, int64, error) {
	name := b.desc.Name

	if b.limiter != nil {
		// With burst >= 1 every Wait error is context driven: done, or the
		// deadline falls before the next token.
		if err := b.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", 0, ctx.Err()
			}
			return "", 0, &rateWaitError{backend: name, err: err}
		}
	}

	ticket, ok := b.breaker.CanAttempt()
	if !ok {
		b.recordError()
		b.breaker.RecordRejection()
		observability.RecordBackendCall(name, "rejected", 0)
		openErr := b.breaker.OpenError()
		r.logger.Debug("backend_rejected", "backend", name, "retry_after_ms", openErr.RetryAfter.Milliseconds())
		return "", 0, openErr
	}

	start := r.clock.Now()
	out, err := func() (string, error) {
		defer b.breaker.FailOnPanic(ticket)
		return b.fn(ctx, input, opts)
	}()
	latency := r.clock.Now().Sub(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			b.breaker.Release(ticket)
			return "", latency, ctx.Err()
		}
		b.recordError()
		b.breaker.RecordFailure(ticket)
		observability.RecordBackendCall(name, "error", latency)
		r.logger.Warn("backend_call_failed", "backend", name, "latency_ms", latency, "error", err.Error())
		return "", latency, &CallError{Backend: name, Err: err}
	}

	b.recordSuccess(latency)
	b.breaker.RecordSuccess(ticket)
	observability.RecordBackendCall(name, "success", latency)
	return out, latency, nil
}

// =============================================================================
// INTROSPECTION AND ADMIN
// =============================================================================

// GetMetrics returns per-backend counters with aggregates computed now.
func (r *Router) GetMetrics() map[string]MetricsView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]MetricsView, len(r.backends))
	for name, b := range r.backends {
		out[name] = b.view()
	}
	return out
}

// Backends returns the status of every backend ordered by name.
func (r *Router) Backends() []BackendStatus {
	r.mu.RLock()
	list := make([]*backend, 0, len(r.backends))
	for _, b := range r.backends {
		list = append(list, b)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].desc.Name < list[j].desc.Name })
	out := make([]BackendStatus, 0, len(list))
	for _, b := range list {
		out = append(out, BackendStatus{Name: b.desc.Name, Breaker: b.breaker.Snapshot(), Metrics: b.view()})
	}
	return out
}

// ResetMetrics zeroes the counters of one backend.
func (r *Router) ResetMetrics(name string) error {
	b, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	b.mu.Lock()
	b.metrics = Metrics{}
	b.mu.Unlock()
	r.logger.Info("backend_metrics_reset", "backend", name)
	return nil
}

// ResetBreaker forces one backend's breaker CLOSED.
func (r *Router) ResetBreaker(name string) error {
	b, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	b.breaker.Reset()
	r.logger.Info("backend_breaker_reset", "backend", name)
	return nil
}

// Breaker returns the breaker guarding name.
func (r *Router) Breaker(name string) (*resilience.CircuitBreaker, bool) {
	b, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return b.breaker, true
}

func (r *Router) lookup(name string) (*backend, bool) {
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

func (r *Router) onBreakerChange(target string, from, to resilience.State) {
	observability.RecordBreakerTransition(target, from.String(), to.String(), int(to))
	kv := []any{"backend", target, "from", from.String(), "to", to.String()}
	if to == resilience.StateOpen {
		r.logger.Warn("breaker_state_changed", kv...)
		return
	}
	r.logger.Info("breaker_state_changed", kv...)
}
