package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/stageflow/commbus"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/stages"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/testutil"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HELPERS
// =============================================================================

func testConfig() *config.WorkflowConfig {
	cfg := config.DefaultWorkflowConfig()
	cfg.Retry = config.RetrySettings{}
	return cfg
}

// newRegistry builds the default catalog, letting tests adjust stage
// definitions by name first.
func newRegistry(t *testing.T, adjust map[string]func(*config.StageDefinition)) *stages.Registry {
	t.Helper()
	defs := config.DefaultStages()
	for i := range defs {
		if fn, ok := adjust[defs[i].Name]; ok {
			fn(&defs[i])
		}
	}
	reg, err := stages.NewRegistry(defs, stages.DefaultConditions(3))
	require.NoError(t, err)
	return reg
}

func handlerSet(reg *stages.Registry, byName map[string]agents.Handler) agents.HandlerSet {
	set := agents.HandlerSet{}
	for name, h := range byName {
		set.Add(*reg.MustDescribe(name), h)
	}
	return set
}

func outcome(o string, facts ...map[string]any) agents.Handler {
	return agents.HandlerFunc(func(context.Context, workflow.Snapshot) (agents.Result, error) {
		res := agents.Result{Outcome: o}
		if len(facts) > 0 {
			res.Facts = facts[0]
		}
		return res, nil
	})
}

type step func(ctx context.Context) (agents.Result, error)

// sequence plays steps in order and repeats the last one.
func sequence(steps ...step) agents.Handler {
	var n atomic.Int32
	return agents.HandlerFunc(func(ctx context.Context, _ workflow.Snapshot) (agents.Result, error) {
		i := int(n.Add(1)) - 1
		if i >= len(steps) {
			i = len(steps) - 1
		}
		return steps[i](ctx)
	})
}

func ok(o string) step {
	return func(context.Context) (agents.Result, error) { return agents.Result{Outcome: o}, nil }
}

func fail(err error) step {
	return func(context.Context) (agents.Result, error) { return agents.Result{}, err }
}

func block(started chan<- struct{}) step {
	return func(ctx context.Context) (agents.Result, error) {
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return agents.Result{}, ctx.Err()
	}
}

func taskHandlers() map[string]agents.Handler {
	return map[string]agents.Handler{
		config.StageClassification: outcome("task"),
		config.StagePlanning:       outcome("planned", map[string]any{"plan.items": 2}),
		config.StageExecution:      outcome("completed"),
		config.StageVerification:   outcome("verification_passed"),
	}
}

func newTestEngine(t *testing.T, reg *stages.Registry, byName map[string]agents.Handler, cfg *config.WorkflowConfig, opts ...Option) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	e, err := NewEngine(reg, handlerSet(reg, byName), cfg, opts...)
	require.NoError(t, err)
	return e
}

func stagesOf(snap workflow.Snapshot) []string {
	out := make([]string, len(snap.History))
	for i, h := range snap.History {
		out[i] = h.Stage
	}
	return out
}

func attemptsOf(snap workflow.Snapshot, stage string) []int {
	var out []int
	for _, h := range snap.History {
		if h.Stage == stage {
			out = append(out, h.Attempt)
		}
	}
	return out
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewEngineRequiresHandlersForRequiredStages(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	delete(handlers, config.StageVerification)

	_, err := NewEngine(reg, handlerSet(reg, handlers), testConfig())
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Contains(t, err.Error(), config.StageVerification)
}

func TestNewEngineDerivesTimeout(t *testing.T) {
	reg := newRegistry(t, nil)
	cfg := testConfig()
	cfg.WorkflowTimeoutMs = 0

	e := newTestEngine(t, reg, taskHandlers(), cfg)
	assert.Equal(t, cfg.WorkflowTimeout(), e.Timeout())
	assert.Greater(t, e.Timeout(), time.Minute)
}

// =============================================================================
// HAPPY PATHS
// =============================================================================

func TestEngineTaskPath(t *testing.T) {
	reg := newRegistry(t, nil)
	e := newTestEngine(t, reg, taskHandlers(), nil)

	wc, err := e.Run(context.Background(), "req-1", "build the report")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusSuccess, snap.Status)
	assert.Equal(t, workflow.ReasonCompleted, snap.TerminationReason)
	assert.Equal(t, []string{
		config.StageClassification,
		config.StagePlanning,
		config.StageExecution,
		config.StageVerification,
	}, stagesOf(snap))
	for _, h := range snap.History {
		assert.Equal(t, 1, h.Attempt)
		assert.True(t, h.Succeeded())
	}
	assert.Equal(t, 3, snap.Transitions)
	assert.Equal(t, 2, snap.SharedFacts["plan.items"])
	assert.Equal(t, "success", snap.SharedFacts[workflow.FactCompletionStatus])
	require.NotNil(t, snap.CompletedAt)
}

func TestEngineChatPath(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageClassification] = outcome("chat")
	handlers[config.StageChatResponse] = outcome("responded", map[string]any{"chat.reply": "hello"})
	handlers[config.StagePostChatAnalysis] = outcome("continue_chat")
	e := newTestEngine(t, reg, handlers, nil)

	wc, err := e.Run(context.Background(), "req-chat", "hi there")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusSuccess, snap.Status)
	assert.Equal(t, []string{
		config.StageClassification,
		config.StageChatResponse,
		config.StagePostChatAnalysis,
	}, stagesOf(snap))
	assert.Equal(t, "hello", snap.SharedFacts["chat.reply"])
}

func TestEngineSkipsOptionalStageWithoutHandler(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageClassification] = outcome("chat")
	bus := commbus.NewInMemoryCommBus(nil)
	var skipped []*commbus.StageSkipped
	var mu sync.Mutex
	bus.Subscribe(commbus.EventStageSkipped, func(_ context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		skipped = append(skipped, msg.(*commbus.StageSkipped))
		return nil, nil
	})
	e := newTestEngine(t, reg, handlers, nil, WithBus(bus))

	wc, err := e.Run(context.Background(), "req-skip", "hi")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusSuccess, snap.Status)
	assert.Equal(t, []string{config.StageClassification}, stagesOf(snap))
	require.Len(t, skipped, 1)
	assert.Equal(t, config.StageChatResponse, skipped[0].Stage)
	assert.Equal(t, config.StageCompletion, skipped[0].Next)
}

func TestEngineDiagnosisAndAdjustment(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageExecution] = outcome("blocked")
	handlers[config.StageDiagnosis] = outcome("problem_identified")
	handlers[config.StageTaskAdjustment] = outcome("not_adjusted")
	e := newTestEngine(t, reg, handlers, nil)

	wc, err := e.Run(context.Background(), "req-adj", "task")
	require.NoError(t, err)
	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusBlocked, snap.Status)
	assert.Equal(t, []string{
		config.StageClassification,
		config.StagePlanning,
		config.StageExecution,
		config.StageDiagnosis,
		config.StageTaskAdjustment,
	}, stagesOf(snap))

	// Without an identified problem the workflow ends before adjustment.
	handlers[config.StageDiagnosis] = outcome("cannot_identify")
	e = newTestEngine(t, reg, handlers, nil)
	wc, err = e.Run(context.Background(), "req-noadj", "task")
	require.NoError(t, err)
	snap = wc.Snapshot()
	assert.Equal(t, workflow.StatusBlocked, snap.Status)
	assert.NotContains(t, stagesOf(snap), config.StageTaskAdjustment)
}

func TestEngineRetryCycleSkippedAfterLimit(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageVerification] = outcome("verification_failed")
	handlers[config.StageRetryCycle] = outcome("new_strategy")
	cfg := testConfig()
	cfg.MaxTransitions = 100
	logger := testutil.NewTestLogger()
	e := newTestEngine(t, reg, handlers, cfg, WithLogger(logger))

	wc, err := e.Run(context.Background(), "req-cycle", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusFailed, snap.Status)
	assert.Equal(t, workflow.ReasonCompleted, snap.TerminationReason)
	assert.Equal(t, 3, snap.Entries(config.StageRetryCycle))
	assert.Equal(t, 4, snap.Entries(config.StageVerification))

	skips := logger.Find("stage_skipped")
	require.Len(t, skips, 1)
	assert.Equal(t, config.StageRetryCycle, skips[0].Fields["stage"])
}

// =============================================================================
// FAILURES
// =============================================================================

func TestEngineRetryExhaustionRoutesToFailureNext(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageExecution] = sequence(fail(errors.New("tool exploded")))
	handlers[config.StageDiagnosis] = outcome("cannot_identify")
	logger := testutil.NewTestLogger()
	e := newTestEngine(t, reg, handlers, nil, WithLogger(logger))

	wc, err := e.Run(context.Background(), "req-exhaust", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, []int{1, 2, 3}, attemptsOf(snap, config.StageExecution))
	for _, h := range snap.History {
		if h.Stage == config.StageExecution {
			assert.Equal(t, workflow.FailureHandlerError, h.FailureKind)
			assert.Equal(t, "tool exploded", h.Error)
			assert.Empty(t, h.Outcome)
		}
	}

	rec, found := snap.Failure(config.StageExecution)
	require.True(t, found)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, workflow.FailureHandlerError, rec.Kind)

	assert.Contains(t, stagesOf(snap), config.StageDiagnosis)
	assert.Equal(t, workflow.StatusBlocked, snap.Status)
	assert.True(t, logger.HasMessage("warn", "stage_exhausted"))
	assert.Len(t, logger.Find("stage_retry_scheduled"), 2)
}

func TestEngineRetrySucceeds(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageExecution] = sequence(fail(errors.New("flaky")), ok("completed"))
	e := newTestEngine(t, reg, handlers, nil)

	wc, err := e.Run(context.Background(), "req-flaky", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusSuccess, snap.Status)
	assert.Equal(t, []int{1, 2}, attemptsOf(snap, config.StageExecution))
	_, found := snap.Failure(config.StageExecution)
	assert.False(t, found)
}

func TestEngineProtocolViolation(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageClassification] = outcome("maybe")
	logger := testutil.NewTestLogger()
	e := newTestEngine(t, reg, handlers, nil, WithLogger(logger))

	wc, err := e.Run(context.Background(), "req-proto", "?")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusFailed, snap.Status)
	require.Len(t, snap.History, 2)
	for _, h := range snap.History {
		assert.Equal(t, workflow.FailureProtocolViolation, h.FailureKind)
		assert.Empty(t, h.Outcome)
	}
	assert.True(t, logger.HasMessage("warn", "stage_protocol_violation"))
}

func TestEnginePanicIsRecoveredAndRetried(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StagePlanning] = sequence(
		func(context.Context) (agents.Result, error) { panic("nil plan") },
		ok("needs_clarification"),
	)
	logger := testutil.NewTestLogger()
	e := newTestEngine(t, reg, handlers, nil, WithLogger(logger))

	wc, err := e.Run(context.Background(), "req-panic", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusBlocked, snap.Status)
	require.Equal(t, []int{1, 2}, attemptsOf(snap, config.StagePlanning))
	assert.Equal(t, workflow.FailurePanic, snap.History[1].FailureKind)
	assert.Equal(t, "needs_clarification", snap.History[2].Outcome)
	assert.True(t, logger.HasMessage("error", "panic_recovered"))
}

func TestEngineConfigErrorIsNotRetried(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StagePlanning] = sequence(fail(config.NewConfigError("todo", "planned outcome without a plan")))
	e := newTestEngine(t, reg, handlers, nil)

	wc, err := e.Run(context.Background(), "req-cfg", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusFailed, snap.Status)
	assert.Equal(t, []int{1}, attemptsOf(snap, config.StagePlanning))
	rec, found := snap.Failure(config.StagePlanning)
	require.True(t, found)
	assert.Equal(t, workflow.FailureConfig, rec.Kind)
	assert.Equal(t, 1, rec.Attempts)
}

func TestEngineStageTimeout(t *testing.T) {
	reg := newRegistry(t, map[string]func(*config.StageDefinition){
		config.StageExecution: func(d *config.StageDefinition) {
			d.TimeoutMs = 20
			d.MaxRetries = 1
		},
	})
	handlers := taskHandlers()
	handlers[config.StageExecution] = sequence(block(nil))
	handlers[config.StageDiagnosis] = outcome("cannot_identify")
	e := newTestEngine(t, reg, handlers, nil)

	wc, err := e.Run(context.Background(), "req-stage-timeout", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, []int{1, 2}, attemptsOf(snap, config.StageExecution))
	rec, found := snap.Failure(config.StageExecution)
	require.True(t, found)
	assert.Equal(t, workflow.FailureTimeout, rec.Kind)
	assert.Equal(t, workflow.StatusBlocked, snap.Status)
}

func TestEngineWorkflowTimeout(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageExecution] = sequence(block(nil))
	cfg := testConfig()
	cfg.WorkflowTimeoutMs = 50
	e := newTestEngine(t, reg, handlers, cfg)

	wc, err := e.Run(context.Background(), "req-wf-timeout", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusTimeoutExceeded, snap.Status)
	assert.Equal(t, workflow.ReasonWorkflowTimeout, snap.TerminationReason)
	assert.Equal(t, []int{1}, attemptsOf(snap, config.StageExecution))
	assert.Equal(t, "timeout_exceeded", snap.SharedFacts[workflow.FactCompletionStatus])
}

func TestEngineExternalCancel(t *testing.T) {
	reg := newRegistry(t, nil)
	started := make(chan struct{}, 1)
	handlers := taskHandlers()
	handlers[config.StageExecution] = sequence(block(started))
	e := newTestEngine(t, reg, handlers, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	wc, err := e.Run(ctx, "req-cancel", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusFailed, snap.Status)
	assert.Equal(t, workflow.ReasonCancelled, snap.TerminationReason)
	require.Equal(t, []int{1}, attemptsOf(snap, config.StageExecution))
	assert.Equal(t, workflow.FailureCancelled, snap.History[len(snap.History)-1].FailureKind)
	_, found := snap.Failure(config.StageExecution)
	assert.False(t, found)
}

func TestEngineMaxTransitions(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageExecution] = outcome("incomplete")
	handlers[config.StageRetry] = outcome("incomplete")
	handlers[config.StageDiagnosis] = outcome("problem_identified")
	handlers[config.StageTaskAdjustment] = outcome("adjusted_task")
	cfg := testConfig()
	cfg.MaxTransitions = 5
	logger := testutil.NewTestLogger()
	e := newTestEngine(t, reg, handlers, cfg, WithLogger(logger))

	wc, err := e.Run(context.Background(), "req-loop", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusFailed, snap.Status)
	assert.Equal(t, workflow.ReasonMaxTransitions, snap.TerminationReason)
	assert.Equal(t, 6, snap.Transitions)
	assert.Len(t, snap.History, 6)
	assert.True(t, logger.HasMessage("warn", "workflow_max_transitions_exceeded"))
}

func TestEngineRetryCountResetsOnReentry(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageExecution] = sequence(
		fail(errors.New("first visit fails")),
		ok("blocked"),
		ok("completed"),
	)
	handlers[config.StageDiagnosis] = outcome("problem_identified")
	handlers[config.StageTaskAdjustment] = outcome("adjusted_task")
	e := newTestEngine(t, reg, handlers, nil)

	wc, err := e.Run(context.Background(), "req-reentry", "task")
	require.NoError(t, err)

	snap := wc.Snapshot()
	assert.Equal(t, workflow.StatusSuccess, snap.Status)
	assert.Equal(t, []int{1, 2, 1}, attemptsOf(snap, config.StageExecution))
	assert.Equal(t, 0, snap.RetryCounts[config.StageExecution])
}

func TestEngineRetryWaitsOnClock(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StageExecution] = sequence(fail(errors.New("flaky")), ok("completed"))
	cfg := testConfig()
	cfg.Retry = config.RetrySettings{BaseDelayMs: 1000, MaxDelayMs: 30000}
	clock := testutil.NewFakeClock()
	e := newTestEngine(t, reg, handlers, cfg, WithClock(clock))

	done := make(chan *workflow.Context, 1)
	go func() {
		wc, _ := e.Run(context.Background(), "req-wait", "task")
		done <- wc
	}()

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("retry did not wait for backoff")
	default:
	}
	clock.Advance(time.Second)

	select {
	case wc := <-done:
		assert.Equal(t, workflow.StatusSuccess, wc.Snapshot().Status)
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not finish after backoff")
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEnginePublishesEvents(t *testing.T) {
	reg := newRegistry(t, nil)
	bus := commbus.NewInMemoryCommBus(nil)
	var mu sync.Mutex
	var types []string
	var completed *commbus.WorkflowCompleted
	bus.Subscribe(commbus.AllEvents, func(_ context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, commbus.GetMessageType(msg))
		if c, ok := msg.(*commbus.WorkflowCompleted); ok {
			completed = c
		}
		return nil, nil
	})
	e := newTestEngine(t, reg, taskHandlers(), nil, WithBus(bus))

	_, err := e.Run(context.Background(), "req-events", "task")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		commbus.EventWorkflowStarted,
		commbus.EventStageAttempted,
		commbus.EventStageAttempted,
		commbus.EventStageAttempted,
		commbus.EventStageAttempted,
		commbus.EventWorkflowCompleted,
	}, types)
	require.NotNil(t, completed)
	assert.Equal(t, "req-events", completed.RequestID)
	assert.Equal(t, "success", completed.Status)
	assert.Equal(t, 4, completed.Stages)
}

func TestEngineConcurrentRunsAreIsolated(t *testing.T) {
	reg := newRegistry(t, nil)
	handlers := taskHandlers()
	handlers[config.StagePlanning] = agents.HandlerFunc(func(_ context.Context, snap workflow.Snapshot) (agents.Result, error) {
		return agents.Result{Outcome: "planned", Facts: map[string]any{"owner": snap.RequestID}}, nil
	})
	e := newTestEngine(t, reg, handlers, nil)

	var wg sync.WaitGroup
	results := make([]*workflow.Context, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wc, err := e.Run(context.Background(), "req-"+string(rune('a'+i)), "task")
			assert.NoError(t, err)
			results[i] = wc
		}(i)
	}
	wg.Wait()

	for _, wc := range results {
		snap := wc.Snapshot()
		assert.Equal(t, workflow.StatusSuccess, snap.Status)
		assert.Equal(t, snap.RequestID, snap.SharedFacts["owner"])
		assert.Len(t, snap.History, 4)
	}
}
