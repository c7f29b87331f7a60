package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/stageflow/commbus"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/admin"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/events"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/grpc"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/providers"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/runtime"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/stages"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/todo"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/tools"
)

const (
	healthSyncInterval = 5 * time.Second
	shutdownTimeout    = 15 * time.Second
)

// App holds every wired component of one stageflow process.
type App struct {
	Config   *config.WorkflowConfig
	Logger   *logging.ZapLogger
	Router   *routing.Router
	Registry *stages.Registry
	Tools    *tools.Registry
	Bus      *commbus.InMemoryCommBus
	Engine   *runtime.Engine
	Manager  *runtime.Manager

	nats           *nats.Conn
	detachSink     func()
	shutdownTracer func(context.Context) error
}

// buildOptions are seams for tests; production leaves them zero.
type buildOptions struct {
	registerBackends func(*routing.Router, *config.WorkflowConfig) error
}

// Build wires an App from cfg. Backends are registered through the OpenAI
// provider unless opts override it.
func Build(ctx context.Context, cfg *config.WorkflowConfig, logger *logging.ZapLogger, opts buildOptions) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultWorkflowConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	app := &App{Config: cfg, Logger: logger}

	shutdown, err := observability.InitTracer(ctx, cfg.Tracing.ServiceName, Version, cfg.Tracing.Endpoint)
	if err != nil {
		return nil, err
	}
	app.shutdownTracer = shutdown

	app.Router = routing.NewRouter(cfg.Routing, logger)
	register := opts.registerBackends
	if register == nil {
		register = providers.RegisterAll
	}
	if err := register(app.Router, cfg); err != nil {
		return nil, err
	}
	if err := app.Router.Validate(); err != nil {
		return nil, err
	}

	app.Registry, err = stages.NewRegistry(cfg.StageCatalog(), stages.DefaultConditions(cfg.MaxRetryCycles))
	if err != nil {
		return nil, err
	}

	app.Tools = tools.NewRegistry(resilience.NewBreakerSet(resilience.BreakerConfig{
		Threshold: cfg.Breaker.FailureThreshold,
		Cooldown:  cfg.Breaker.Cooldown(),
	}), logger)
	if err := tools.RegisterBuiltins(app.Tools); err != nil {
		return nil, err
	}

	runner := todo.NewRunner(app.Tools, &agents.BackendVerifier{Backend: app.Router}, logger)
	runner.MaxAttempts = cfg.Todo.MaxAttempts
	runner.MaxParallel = cfg.Todo.MaxParallel
	runner.Backoff = resilience.NewPolicy(cfg.Retry.BaseDelayMs, cfg.Retry.MaxDelayMs)

	handlers := agents.HandlerSet{}
	for _, stage := range app.Registry.Stages() {
		switch stage.Name {
		case config.StageCompletion:
		case config.StageExecution:
			handlers.Add(*stage, agents.NewTodoExecutionHandler(runner, false, logger))
		case config.StageRetry:
			handlers.Add(*stage, agents.NewTodoExecutionHandler(runner, true, logger))
		default:
			handlers.Add(*stage, agents.NewBackendAgent(*stage, app.Router, logger))
		}
	}

	app.Bus = commbus.NewInMemoryCommBus(logger)
	app.Bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(cfg.Events.NATSURL)
		if err != nil {
			return nil, err
		}
		app.nats = nc
		app.detachSink = events.NewNATSSink(nc, cfg.Events.SubjectPrefix, logger).Attach(app.Bus)
		logger.Info("event_sink_attached", "url", cfg.Events.NATSURL)
	}

	app.Engine, err = runtime.NewEngine(app.Registry, handlers, cfg,
		runtime.WithBus(app.Bus),
		runtime.WithLogger(logger),
	)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	app.Manager = runtime.NewManager(app.Engine, logger)

	logger.Info("stageflow_ready",
		"workflow", cfg.Name,
		"stages", len(app.Registry.Stages()),
		"backends", len(cfg.Backends),
		"routing_mode", cfg.Routing.Mode,
	)
	return app, nil
}

// Serve runs the gRPC health server and admin HTTP API until ctx is done,
// then drains workflows and stops both.
func (a *App) Serve(ctx context.Context) error {
	health := grpc.NewHealthService(a.Router, a.Logger)
	grpcServer := grpc.NewServer(a.Config.Server.GRPCAddr, health, a.Logger, grpc.ServerOptions(a.Logger)...)
	adminServer := admin.NewServer(a.Router, a.Manager, a.Registry, a.Logger, Version)

	stopCleanup := a.Manager.StartCleanupLoop(runtime.DefaultCleanupConfig())
	defer stopCleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Start(gctx)
	})
	g.Go(func() error {
		return adminServer.Start(a.Config.Server.HTTPAddr)
	})
	g.Go(func() error {
		health.Run(gctx, healthSyncInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return errors.Join(
			a.Manager.Shutdown(shutdownCtx),
			adminServer.Shutdown(shutdownCtx),
		)
	})

	a.Logger.Info("stageflow_serving",
		"grpc_addr", a.Config.Server.GRPCAddr,
		"http_addr", a.Config.Server.HTTPAddr,
	)
	return g.Wait()
}

// Close releases the event sink and flushes traces.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.detachSink != nil {
		a.detachSink()
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
