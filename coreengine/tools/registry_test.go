package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/testutil"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/todo"
)

// =============================================================================
// REGISTRATION
// =============================================================================

func okHandler(data map[string]any) Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"status": "success", "data": data}, nil
	}
}

func TestRegister(t *testing.T) {
	r := NewRegistry(nil, nil)

	require.NoError(t, r.Register(&Definition{Name: "b", Handler: okHandler(nil)}))
	require.NoError(t, r.Register(&Definition{Name: "a", Handler: okHandler(nil)}))
	assert.True(t, r.Has("a"))
	assert.Equal(t, []string{"a", "b"}, r.List())

	err := r.Register(&Definition{Name: "a", Handler: okHandler(nil)})
	assert.ErrorContains(t, err, "already registered")

	err = r.Register(&Definition{Name: ""})
	assert.ErrorContains(t, err, "name is required")

	err = r.Register(&Definition{Name: "broken"})
	assert.ErrorContains(t, err, "handler is required")

	def, ok := r.Definition("a")
	require.True(t, ok)
	assert.Equal(t, "a", def.Name)
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, RegisterBuiltins(r))
	assert.Equal(t, []string{"echo", "wait"}, r.List())

	res, err := r.Invoke(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Data["x"])

	res, err = r.Invoke(context.Background(), "wait", map[string]any{"duration_ms": 1.0})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Data["waited_ms"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Invoke(ctx, "wait", map[string]any{"duration_ms": 60000})
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// EXECUTION
// =============================================================================

func TestTarget(t *testing.T) {
	name, err := Target(todo.Item{ID: 1, ToolsNeeded: []string{"grep"}, MCPServers: []string{"fs"}})
	require.NoError(t, err)
	assert.Equal(t, "grep", name)

	name, err = Target(todo.Item{ID: 1, MCPServers: []string{"fs"}})
	require.NoError(t, err)
	assert.Equal(t, "fs", name)

	_, err = Target(todo.Item{ID: 3})
	assert.ErrorIs(t, err, ErrNoTool)
}

func TestExecutePassesAttemptParameters(t *testing.T) {
	r := NewRegistry(nil, nil)
	var seen map[string]any
	require.NoError(t, r.Register(&Definition{
		Name: "search",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			seen = params
			return map[string]any{"status": "ok", "message": "found 2", "data": map[string]any{"hits": 2}}, nil
		},
	}))

	item := todo.Item{ID: 2, Action: "search docs", ToolsNeeded: []string{"search"}, Parameters: map[string]any{"q": "go"}}
	out, err := r.Execute(context.Background(), item, todo.Attempt{Number: 2, Approach: "search wiki", Fallback: true, FailedDependencies: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, "found 2", out.Summary)
	assert.Equal(t, 2, out.Output["hits"])

	assert.Equal(t, "go", seen["q"])
	assert.Equal(t, "search wiki", seen["approach"])
	assert.Equal(t, 2, seen["attempt"])
	assert.Equal(t, true, seen["fallback"])
	assert.Equal(t, []int{1}, seen["failed_dependencies"])
	assert.NotContains(t, item.Parameters, "approach", "item parameters must not be mutated")
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Execute(context.Background(), todo.Item{ID: 1, ToolsNeeded: []string{"nope"}}, todo.Attempt{Number: 1})
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestInvokeReportedErrorIsToolError(t *testing.T) {
	r := NewRegistry(resilience.NewBreakerSet(resilience.BreakerConfig{Threshold: 1, Cooldown: time.Minute}), nil)
	require.NoError(t, r.Register(&Definition{
		Name: "lint",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"status": "failed", "error": map[string]any{"type": "LintError", "message": "3 issues"}}, nil
		},
	}))

	_, err := r.Invoke(context.Background(), "lint", nil)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "LintError", toolErr.Details.ErrorType)
	assert.Contains(t, err.Error(), "3 issues")
	assert.Equal(t, resilience.StateClosed, r.Breakers().Get("lint").State())
}

func TestInvokeBreakerOpensPerTarget(t *testing.T) {
	r := NewRegistry(resilience.NewBreakerSet(resilience.BreakerConfig{Threshold: 2, Cooldown: time.Minute}), nil)
	calls := 0
	require.NoError(t, r.Register(&Definition{
		Name: "flaky",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			calls++
			return nil, errors.New("connection refused")
		},
	}))
	require.NoError(t, r.Register(&Definition{Name: "stable", Handler: okHandler(map[string]any{})}))

	for i := 0; i < 2; i++ {
		_, err := r.Invoke(context.Background(), "flaky", nil)
		assert.ErrorContains(t, err, "connection refused")
	}

	_, err := r.Invoke(context.Background(), "flaky", nil)
	var openErr *resilience.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "flaky", openErr.Target)
	assert.Equal(t, 2, calls)

	_, err = r.Invoke(context.Background(), "stable", nil)
	assert.NoError(t, err)
}

func TestInvokeCancellationReleasesBreaker(t *testing.T) {
	r := NewRegistry(resilience.NewBreakerSet(resilience.BreakerConfig{Threshold: 1, Cooldown: time.Minute}), nil)
	require.NoError(t, r.Register(&Definition{
		Name: "slow",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Invoke(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, resilience.StateClosed, r.Breakers().Get("slow").State())
}

func TestInvokePanicRecordsFailure(t *testing.T) {
	clock := testutil.NewFakeClock()
	r := NewRegistry(resilience.NewBreakerSet(resilience.BreakerConfig{Threshold: 1, Cooldown: time.Second},
		resilience.WithClock(clock)), nil)
	crash := true
	require.NoError(t, r.Register(&Definition{
		Name: "shell",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			if crash {
				panic("nil map write")
			}
			return map[string]any{"status": "success"}, nil
		},
	}))

	assert.PanicsWithValue(t, "nil map write", func() {
		_, _ = r.Invoke(context.Background(), "shell", nil)
	})
	cb := r.Breakers().Get("shell")
	require.Equal(t, resilience.StateOpen, cb.State())

	// A panicking HALF_OPEN trial reopens instead of holding the slot.
	clock.Advance(time.Second)
	assert.Panics(t, func() {
		_, _ = r.Invoke(context.Background(), "shell", nil)
	})
	assert.Equal(t, resilience.StateOpen, cb.State())

	crash = false
	clock.Advance(time.Second)
	_, err := r.Invoke(context.Background(), "shell", nil)
	require.NoError(t, err)
	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestInvokeStaleCancellationKeepsTrialSlot(t *testing.T) {
	clock := testutil.NewFakeClock()
	r := NewRegistry(resilience.NewBreakerSet(resilience.BreakerConfig{Threshold: 1, Cooldown: time.Second},
		resilience.WithClock(clock)), nil)
	staleStarted := make(chan struct{})
	trialStarted := make(chan struct{})
	finishTrial := make(chan struct{})
	require.NoError(t, r.Register(&Definition{
		Name: "fetch",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			switch params["phase"] {
			case "stale":
				close(staleStarted)
				<-ctx.Done()
				return nil, ctx.Err()
			case "trial":
				close(trialStarted)
				<-finishTrial
				return map[string]any{"status": "success"}, nil
			}
			return nil, errors.New("connection reset")
		},
	}))

	staleCtx, cancelStale := context.WithCancel(context.Background())
	staleDone := make(chan error, 1)
	go func() {
		_, err := r.Invoke(staleCtx, "fetch", map[string]any{"phase": "stale"})
		staleDone <- err
	}()
	<-staleStarted

	_, err := r.Invoke(context.Background(), "fetch", map[string]any{"phase": "trip"})
	require.Error(t, err)
	clock.Advance(time.Second)

	trialDone := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "fetch", map[string]any{"phase": "trial"})
		trialDone <- err
	}()
	<-trialStarted

	cancelStale()
	assert.ErrorIs(t, <-staleDone, context.Canceled)

	_, err = r.Invoke(context.Background(), "fetch", map[string]any{"phase": "extra"})
	var openErr *resilience.CircuitOpenError
	require.ErrorAs(t, err, &openErr)

	close(finishTrial)
	require.NoError(t, <-trialDone)
	assert.Equal(t, resilience.StateClosed, r.Breakers().Get("fetch").State())
}
