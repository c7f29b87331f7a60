package agents

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/todo"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/typeutil"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

var tracer = otel.Tracer("stageflow/agents")

// BackendExecutor runs a prompt on some backend. *routing.Router satisfies it.
type BackendExecutor interface {
	Execute(ctx context.Context, input string, opts routing.Options) (*routing.Response, error)
}

// BackendAgent handles a stage by asking a backend for a JSON decision.
//
// The reply must carry "outcome" and may carry "facts". On planning and
// task adjustment a "todo" object replaces the current plan; it is
// validated and an invalid plan is a configuration error.
type BackendAgent struct {
	Stage   config.StageDefinition
	Backend BackendExecutor
	Prompts PromptRegistry
	Options routing.Options
	Logger  logging.Logger
}

// NewBackendAgent creates an agent for stage with the default JSON prompts.
func NewBackendAgent(stage config.StageDefinition, backend BackendExecutor, logger logging.Logger) *BackendAgent {
	return &BackendAgent{
		Stage:   stage,
		Backend: backend,
		Prompts: JSONPrompts{},
		Logger:  logger.Bind("stage", stage.Name, "agent", string(stage.Agent)),
	}
}

// Invoke implements Handler.
func (a *BackendAgent) Invoke(ctx context.Context, snap workflow.Snapshot) (Result, error) {
	ctx, span := tracer.Start(ctx, "agent.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("stageflow.stage", a.Stage.Name),
		attribute.String("stageflow.request.id", snap.RequestID),
	)

	res, err := a.invoke(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.String("stageflow.outcome", res.Outcome))
	return res, nil
}

func (a *BackendAgent) invoke(ctx context.Context, snap workflow.Snapshot) (Result, error) {
	prompt, err := a.Prompts.Render(a.Stage, snap)
	if err != nil {
		return Result{}, fmt.Errorf("prompt rendering failed: %w", err)
	}

	resp, err := a.Backend.Execute(ctx, prompt, a.Options)
	if err != nil {
		return Result{}, fmt.Errorf("backend call failed: %w", err)
	}
	a.Logger.Debug("agent_backend_response",
		"backend", resp.Backend,
		"fallback_used", resp.FallbackUsed,
		"latency_ms", resp.LatencyMs,
		"response_preview", truncate(resp.Result, 200),
	)

	reply, err := extractJSON(resp.Result)
	if err != nil {
		return Result{}, fmt.Errorf("json parsing failed: %w", err)
	}
	outcome, ok := typeutil.AsString(reply["outcome"])
	if !ok || outcome == "" {
		return Result{}, fmt.Errorf("reply has no outcome")
	}

	facts := typeutil.Map(reply, "facts")
	if facts == nil {
		facts = map[string]any{}
	}
	facts[a.Stage.Name+".backend"] = resp.Backend

	if err := a.applyPlan(reply, outcome, facts); err != nil {
		return Result{}, err
	}
	return Result{Outcome: outcome, Facts: facts}, nil
}

// applyPlan validates a "todo" object and stores it with fresh item state.
func (a *BackendAgent) applyPlan(reply map[string]any, outcome string, facts map[string]any) error {
	raw := typeutil.Map(reply, "todo")
	plans := a.Stage.Name == config.StagePlanning || a.Stage.Name == config.StageTaskAdjustment
	if !plans {
		return nil
	}
	if raw == nil {
		if a.Stage.Name == config.StagePlanning && outcome == "planned" {
			return config.NewConfigError("todo", "planned outcome without a plan")
		}
		return nil
	}

	list, err := todo.ParseList(raw)
	if err != nil {
		return err
	}
	facts[todo.FactList] = list
	facts[todo.FactState] = todo.NewTracker(list).States()
	a.Logger.Info("plan_accepted",
		"list_id", list.ID,
		"items", len(list.Items),
		"mode", string(list.Mode),
		"complexity", list.Complexity,
	)
	return nil
}

var _ Handler = (*BackendAgent)(nil)
