// Package runtime drives workflows through the stage catalog: one Engine
// per deployment, one goroutine per workflow instance, and a Manager that
// hosts many instances at once.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/stageflow/commbus"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/stages"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

var tracer = otel.Tracer("stageflow/runtime")

// Engine runs workflow instances. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	registry *stages.Registry
	handlers agents.HandlerSet
	cfg      *config.WorkflowConfig
	policy   resilience.Policy
	timeout  time.Duration

	bus    commbus.CommBus
	clock  resilience.Clock
	logger logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes workflow events on bus.
func WithBus(bus commbus.CommBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the engine logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock sets the clock used for retry waits and durations.
func WithClock(clock resilience.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine checks that every required stage has a handler.
func NewEngine(registry *stages.Registry, handlers agents.HandlerSet, cfg *config.WorkflowConfig, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, config.NewConfigError("registry", "is required")
	}
	if cfg == nil {
		cfg = config.DefaultWorkflowConfig()
	}
	e := &Engine{
		registry: registry,
		handlers: handlers,
		cfg:      cfg,
		policy:   resilience.NewPolicy(cfg.Retry.BaseDelayMs, cfg.Retry.MaxDelayMs),
		clock:    resilience.SystemClock,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.handlers == nil {
		e.handlers = agents.HandlerSet{}
	}

	completion := registry.Completion()
	for _, def := range registry.Stages() {
		if def == completion || !def.Required {
			continue
		}
		if _, ok := e.handlers.Lookup(*def); !ok {
			return nil, config.NewConfigError("handlers", "required stage %s has no handler", def.String())
		}
	}
	e.timeout = cfg.WorkflowTimeout()
	return e, nil
}

// Registry returns the stage catalog the engine runs.
func (e *Engine) Registry() *stages.Registry {
	return e.registry
}

// Timeout returns the workflow wall-clock ceiling.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Run executes a new workflow for input and returns its final context.
func (e *Engine) Run(ctx context.Context, requestID, input string) (*workflow.Context, error) {
	wc := workflow.NewContext(requestID, input)
	err := e.Execute(ctx, wc)
	return wc, err
}

// Execute drives wc from classification to completion.
//
// Workflow failures are reported through wc.Status. The returned error is
// non-nil only for configuration problems found while running.
func (e *Engine) Execute(ctx context.Context, wc *workflow.Context) error {
	log := e.logger.Bind("request_id", wc.RequestID)
	start := e.clock.Now()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	runCtx, span := tracer.Start(runCtx, "workflow.run", trace.WithAttributes(
		attribute.String("stageflow.request.id", wc.RequestID),
	))
	defer span.End()

	log.Info("workflow_started", "timeout_ms", e.timeout.Milliseconds())
	e.publish(runCtx, log, &commbus.WorkflowStarted{RequestID: wc.RequestID, Input: wc.Input, Timestamp: start})

	err := e.drive(ctx, runCtx, wc, log)

	snap := wc.Snapshot()
	durationMs := e.clock.Now().Sub(start).Milliseconds()
	span.SetAttributes(
		attribute.String("stageflow.status", string(snap.Status)),
		attribute.String("stageflow.termination_reason", string(snap.TerminationReason)),
		attribute.Int("stageflow.transitions", snap.Transitions),
	)
	if snap.Status != workflow.StatusSuccess {
		span.SetStatus(codes.Error, string(snap.Status))
	}
	observability.RecordWorkflow(string(snap.Status), durationMs)
	log.Info("workflow_completed",
		"status", string(snap.Status),
		"termination_reason", string(snap.TerminationReason),
		"stages", len(snap.History),
		"transitions", snap.Transitions,
		"duration_ms", durationMs,
	)
	// Delivery must not depend on the run context, which may already be done.
	e.publish(context.WithoutCancel(ctx), log, &commbus.WorkflowCompleted{
		RequestID:         wc.RequestID,
		Status:            string(snap.Status),
		TerminationReason: string(snap.TerminationReason),
		Stages:            len(snap.History),
		Transitions:       snap.Transitions,
		DurationMs:        durationMs,
		Timestamp:         e.clock.Now(),
	})
	return err
}

// drive is the state machine loop. parent distinguishes caller cancellation
// from the workflow ceiling on runCtx.
func (e *Engine) drive(parent, runCtx context.Context, wc *workflow.Context, log logging.Logger) error {
	completion := e.registry.Completion()
	current := e.registry.Entry()

	for {
		if runCtx.Err() != nil {
			e.interrupted(parent, wc, log)
			return nil
		}

		next, err := e.step(runCtx, wc, current, log)
		if err != nil {
			if runCtx.Err() != nil {
				e.interrupted(parent, wc, log)
				return nil
			}
			wc.Finish(workflow.StatusFailed, workflow.ReasonCompleted)
			return err
		}

		if next.Target == completion.Name {
			e.complete(wc, next, log)
			return nil
		}
		if n := wc.CountTransition(); n > e.cfg.MaxTransitions && e.cfg.MaxTransitions > 0 {
			log.Warn("workflow_max_transitions_exceeded", "transitions", n, "limit", e.cfg.MaxTransitions, "stage", current.Name)
			wc.SetFact(workflow.FactCompletionStatus, string(workflow.StatusFailed))
			wc.Finish(workflow.StatusFailed, workflow.ReasonMaxTransitions)
			return nil
		}
		log.Debug("stage_transition", "from", current.Name, "to", next.Target)
		current = e.registry.MustDescribe(next.Target)
	}
}

// step runs or skips one stage and returns where to go next.
func (e *Engine) step(ctx context.Context, wc *workflow.Context, stage *config.StageDefinition, log logging.Logger) (config.Transition, error) {
	active, err := e.active(wc, stage)
	if err != nil {
		return config.Transition{}, err
	}
	if !active {
		log.Info("stage_skipped", "stage", stage.Name, "condition", stage.ActivationCondition, "next", stage.SkipNext.Target)
		e.publish(ctx, log, &commbus.StageSkipped{
			RequestID: wc.RequestID,
			Stage:     stage.Name,
			Condition: stage.ActivationCondition,
			Next:      stage.SkipNext.Target,
			Timestamp: e.clock.Now(),
		})
		return stage.SkipNext, nil
	}

	wc.EnterStage(stage.Name)
	return e.runStage(ctx, wc, stage, log)
}

// active decides whether an optional stage runs. Required stages always run.
func (e *Engine) active(wc *workflow.Context, stage *config.StageDefinition) (bool, error) {
	if stage.Required {
		return true, nil
	}
	if _, ok := e.handlers.Lookup(*stage); !ok {
		return false, nil
	}
	if stage.ActivationCondition == "" {
		return true, nil
	}
	return e.registry.EvaluateCondition(stage.ActivationCondition, wc.Snapshot())
}

// runStage attempts stage until it succeeds or its retry budget is spent.
func (e *Engine) runStage(ctx context.Context, wc *workflow.Context, stage *config.StageDefinition, log logging.Logger) (config.Transition, error) {
	handler, _ := e.handlers.Lookup(*stage)

	for {
		attempt := wc.RetryCount(stage.Name) + 1
		res, failure := e.attempt(ctx, wc, stage, handler, attempt, log)
		if failure == nil {
			wc.MergeFacts(res.Facts)
			return e.registry.Next(stage.Name, res.Outcome)
		}
		if failure.Kind == workflow.FailureCancelled {
			return config.Transition{}, failure
		}

		if failure.Retryable() && wc.RetryCount(stage.Name) < stage.MaxRetries {
			wc.IncrementRetry(stage.Name)
			delay := e.policy.Delay(attempt + 1)
			log.Info("stage_retry_scheduled", "stage", stage.Name, "next_attempt", attempt+1, "delay_ms", delay.Milliseconds())
			if !e.policy.Wait(e.clock, attempt+1, ctx.Done()) {
				return config.Transition{}, ctx.Err()
			}
			continue
		}

		wc.SetFact(workflow.FactFailurePrefix+stage.Name, workflow.FailureRecord{
			Stage:    stage.Name,
			Attempts: attempt,
			Error:    failure.Err.Error(),
			Kind:     failure.Kind,
		})
		log.Warn("stage_exhausted",
			"stage", stage.Name,
			"attempts", attempt,
			"kind", string(failure.Kind),
			"error", failure.Err.Error(),
			"next", stage.FailureNext.Target,
		)
		return stage.FailureNext, nil
	}
}

// attempt invokes the handler once under the stage timeout and records it.
func (e *Engine) attempt(ctx context.Context, wc *workflow.Context, stage *config.StageDefinition, handler agents.Handler, n int, log logging.Logger) (agents.Result, *AttemptError) {
	ctx, span := tracer.Start(ctx, "stage.attempt", trace.WithAttributes(
		attribute.String("stageflow.stage", stage.Name),
		attribute.String("stageflow.agent", string(stage.Agent)),
		attribute.Int("stageflow.attempt", n),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, stage.Timeout())
	defer cancel()

	type reply struct {
		res agents.Result
		err error
	}
	done := make(chan reply, 1)
	snap := wc.Snapshot()
	start := e.clock.Now()

	go func() {
		res, err := SafeExecuteWithResult(log, stage.Name, func() (agents.Result, error) {
			return handler.Invoke(attemptCtx, snap)
		})
		done <- reply{res: res, err: err}
	}()

	var res agents.Result
	var failure *AttemptError
	select {
	case r := <-done:
		res = r.res
		failure = e.classify(ctx, attemptCtx, stage, n, r.res, r.err)
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			failure = &AttemptError{Stage: stage.Name, Attempt: n, Kind: workflow.FailureCancelled, Err: ctx.Err()}
		} else {
			failure = &AttemptError{Stage: stage.Name, Attempt: n, Kind: workflow.FailureTimeout,
				Err: fmt.Errorf("no result within %s", stage.Timeout())}
		}
	}
	duration := e.clock.Now().Sub(start)

	entry := workflow.HistoryEntry{
		Stage:      stage.Name,
		Agent:      string(stage.Agent),
		Number:     stage.Number,
		Attempt:    n,
		Timestamp:  start,
		DurationMs: duration.Milliseconds(),
	}
	result := "success"
	if failure == nil {
		entry.Outcome = res.Outcome
		log.Info("stage_attempt_succeeded", "stage", stage.Name, "attempt", n, "outcome", res.Outcome, "duration_ms", entry.DurationMs)
	} else {
		entry.Error = failure.Err.Error()
		entry.FailureKind = failure.Kind
		result = string(failure.Kind)
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		if failure.Kind == workflow.FailureProtocolViolation {
			log.Warn("stage_protocol_violation", "stage", stage.Name, "attempt", n, "outcome", res.Outcome, "accepted", stage.AcceptedOutcomes)
		} else {
			log.Warn("stage_attempt_failed", "stage", stage.Name, "attempt", n, "kind", result, "error", entry.Error)
		}
	}
	wc.Append(entry)
	observability.RecordStageAttempt(stage.Name, result, entry.DurationMs)
	e.publish(ctx, log, &commbus.StageAttempted{
		RequestID:   wc.RequestID,
		Stage:       stage.Name,
		Agent:       string(stage.Agent),
		Number:      stage.Number,
		Attempt:     n,
		Outcome:     entry.Outcome,
		Error:       entry.Error,
		FailureKind: string(entry.FailureKind),
		DurationMs:  entry.DurationMs,
		Timestamp:   start,
	})
	return res, failure
}

// classify maps a handler return to a failure, or nil on an accepted outcome.
func (e *Engine) classify(ctx, attemptCtx context.Context, stage *config.StageDefinition, n int, res agents.Result, err error) *AttemptError {
	fail := func(kind workflow.FailureKind, err error) *AttemptError {
		return &AttemptError{Stage: stage.Name, Attempt: n, Kind: kind, Err: err}
	}

	if err != nil {
		var panicErr *PanicError
		switch {
		case errors.As(err, &panicErr):
			return fail(workflow.FailurePanic, err)
		case ctx.Err() != nil:
			return fail(workflow.FailureCancelled, ctx.Err())
		case config.IsConfigError(err):
			return fail(workflow.FailureConfig, err)
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			return fail(workflow.FailureTimeout, err)
		default:
			return fail(workflow.FailureHandlerError, err)
		}
	}
	if !stage.Accepts(res.Outcome) {
		return fail(workflow.FailureProtocolViolation, fmt.Errorf("outcome %q is not accepted by %s", res.Outcome, stage.Name))
	}
	return nil
}

// complete records the terminal status chosen by the transition table.
func (e *Engine) complete(wc *workflow.Context, t config.Transition, log logging.Logger) {
	status := workflow.Status(t.Status)
	if !e.registry.Completion().Accepts(t.Status) || !status.Terminal() {
		log.Error("completion_status_rejected", "status", t.Status)
		status = workflow.StatusFailed
	}
	wc.SetFact(workflow.FactCompletionStatus, string(status))
	wc.Finish(status, workflow.ReasonCompleted)
}

// interrupted finishes a workflow whose run context ended early.
func (e *Engine) interrupted(parent context.Context, wc *workflow.Context, log logging.Logger) {
	status, reason := workflow.StatusTimeoutExceeded, workflow.ReasonWorkflowTimeout
	if parent.Err() != nil {
		status, reason = workflow.StatusFailed, workflow.ReasonCancelled
	}
	log.Warn("workflow_interrupted", "status", string(status), "reason", string(reason), "stage", wc.Snapshot().CurrentStage)
	wc.SetFact(workflow.FactCompletionStatus, string(status))
	wc.Finish(status, reason)
}

func (e *Engine) publish(ctx context.Context, log logging.Logger, event commbus.Message) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		log.Warn("event_publish_failed", "event", commbus.GetMessageType(event), "error", err.Error())
	}
}
