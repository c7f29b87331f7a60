// Package admin provides the operator HTTP API: liveness, Prometheus
// metrics, backend inspection and reset, the stage catalog, and workflow
// submission and control.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/runtime"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

// Backends is the router surface the API exposes. *routing.Router implements it.
type Backends interface {
	Backends() []routing.BackendStatus
	ResetBreaker(name string) error
	ResetMetrics(name string) error
}

// Workflows is the workflow host surface. *runtime.Manager implements it.
type Workflows interface {
	SubmitWithID(requestID, input string) (string, error)
	Submit(input string) (string, error)
	Get(requestID string) (workflow.Snapshot, bool)
	Cancel(requestID string) error
	List() []workflow.Snapshot
}

// StageCatalog lists stage definitions. *stages.Registry implements it.
type StageCatalog interface {
	Stages() []*config.StageDefinition
}

// Server is the admin HTTP API.
type Server struct {
	echo      *echo.Echo
	backends  Backends
	workflows Workflows
	catalog   StageCatalog
	logger    logging.Logger
	version   string
}

// NewServer builds the API. Routes whose dependency is nil answer 503.
func NewServer(backends Backends, workflows Workflows, catalog StageCatalog, logger logging.Logger, version string) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:      e,
		backends:  backends,
		workflows: workflows,
		catalog:   catalog,
		logger:    logger,
		version:   version,
	}
	s.registerRoutes()
	return s
}

func requestLogger(logger logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("http_request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"http_request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/backends", s.handleBackends)
	v1.POST("/backends/:name/reset", s.handleResetBreaker)
	v1.POST("/backends/:name/metrics/reset", s.handleResetMetrics)
	v1.GET("/stages", s.handleStages)
	v1.GET("/workflows", s.handleListWorkflows)
	v1.POST("/workflows", s.handleSubmitWorkflow)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.DELETE("/workflows/:id", s.handleCancelWorkflow)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("admin_server_started", "address", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("admin_server_stopping")
	return s.echo.Shutdown(ctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// SubmitRequest is the body of POST /api/v1/workflows.
type SubmitRequest struct {
	Input     string `json:"input"`
	RequestID string `json:"request_id,omitempty"`
}

// SubmitResponse is returned on 202.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
}

// WorkflowSummary is one row of GET /api/v1/workflows.
type WorkflowSummary struct {
	RequestID         string                     `json:"request_id"`
	Status            workflow.Status            `json:"status"`
	TerminationReason workflow.TerminationReason `json:"termination_reason,omitempty"`
	CurrentStage      string                     `json:"current_stage"`
	Stages            int                        `json:"stages"`
	StartedAt         time.Time                  `json:"started_at"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleBackends(c echo.Context) error {
	if s.backends == nil {
		return unavailable("routing")
	}
	return c.JSON(http.StatusOK, s.backends.Backends())
}

func (s *Server) handleResetBreaker(c echo.Context) error {
	if s.backends == nil {
		return unavailable("routing")
	}
	name := c.Param("name")
	if err := s.backends.ResetBreaker(name); err != nil {
		return backendError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResetMetrics(c echo.Context) error {
	if s.backends == nil {
		return unavailable("routing")
	}
	name := c.Param("name")
	if err := s.backends.ResetMetrics(name); err != nil {
		return backendError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStages(c echo.Context) error {
	if s.catalog == nil {
		return unavailable("stages")
	}
	return c.JSON(http.StatusOK, s.catalog.Stages())
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	if s.workflows == nil {
		return unavailable("workflows")
	}
	snaps := s.workflows.List()
	out := make([]WorkflowSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, WorkflowSummary{
			RequestID:         snap.RequestID,
			Status:            snap.Status,
			TerminationReason: snap.TerminationReason,
			CurrentStage:      snap.CurrentStage,
			Stages:            len(snap.History),
			StartedAt:         snap.StartedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSubmitWorkflow(c echo.Context) error {
	if s.workflows == nil {
		return unavailable("workflows")
	}
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid_submit_request", "error", err.Error())
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Input) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input field is required")
	}

	var id string
	var err error
	if req.RequestID != "" {
		id, err = s.workflows.SubmitWithID(req.RequestID, req.Input)
	} else {
		id, err = s.workflows.Submit(req.Input)
	}
	if err != nil {
		var dup *runtime.DuplicateWorkflowError
		switch {
		case errors.As(err, &dup):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, runtime.ErrManagerClosed):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			return err
		}
	}
	s.logger.Info("workflow_accepted", "request_id", id)
	return c.JSON(http.StatusAccepted, SubmitResponse{RequestID: id})
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	if s.workflows == nil {
		return unavailable("workflows")
	}
	snap, ok := s.workflows.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancelWorkflow(c echo.Context) error {
	if s.workflows == nil {
		return unavailable("workflows")
	}
	if err := s.workflows.Cancel(c.Param("id")); err != nil {
		if errors.Is(err, runtime.ErrUnknownWorkflow) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func backendError(err error) error {
	if errors.Is(err, routing.ErrUnknownBackend) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return err
}

func unavailable(what string) error {
	return echo.NewHTTPError(http.StatusServiceUnavailable, what+" not configured")
}
