// Package grpc exposes process and backend health over the standard
// grpc.health.v1 protocol.
//
// The overall service ("") is SERVING while the process is up. Each routed
// backend is reported as its own service, "backend/<name>", and is
// NOT_SERVING while its circuit breaker is OPEN.
package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/routing"
)

// ServicePrefix namespaces per-backend health services.
const ServicePrefix = "backend/"

// Logger is the kv logger used by the server and interceptors.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// BackendSource reports backend status. *routing.Router implements it.
type BackendSource interface {
	Backends() []routing.BackendStatus
}

// HealthService is a health.Server whose backend statuses follow breaker state.
type HealthService struct {
	*health.Server

	source BackendSource
	logger Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthService creates a service and syncs it once.
func NewHealthService(source BackendSource, logger Logger) *HealthService {
	h := &HealthService{
		Server: health.NewServer(),
		source: source,
		logger: logger,
		last:   make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	h.Server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.Sync()
	return h
}

// ServiceName returns the health service name for a backend.
func ServiceName(backend string) string {
	return ServicePrefix + backend
}

// Sync copies the current breaker states into the health server.
func (h *HealthService) Sync() {
	if h.source == nil {
		return
	}
	for _, b := range h.source.Backends() {
		status := healthpb.HealthCheckResponse_SERVING
		if b.Breaker.State == resilience.StateOpen.String() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.set(ServiceName(b.Name), status)
	}
}

func (h *HealthService) set(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	prev, seen := h.last[service]
	h.last[service] = status
	h.mu.Unlock()

	if seen && prev == status {
		return
	}
	h.Server.SetServingStatus(service, status)
	if seen && h.logger != nil {
		h.logger.Info("health_status_changed", "service", service, "from", prev.String(), "to", status.String())
	}
}

// Check syncs before answering so probes never see a stale breaker.
func (h *HealthService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	h.Sync()
	return h.Server.Check(ctx, req)
}

// Run keeps Watch streams current by syncing every interval until ctx is done.
func (h *HealthService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sync()
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthService) Shutdown() {
	h.Server.Shutdown()
}
