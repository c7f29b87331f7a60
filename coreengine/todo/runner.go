package todo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// Attempt describes how an item should be tried.
type Attempt struct {
	Number   int
	Approach string
	Fallback bool
	// FailedDependencies lists dependencies that ended failed; the executor decides whether to proceed.
	FailedDependencies []int
}

// ToolResult is what a tool executor produced for an item.
type ToolResult struct {
	Output  map[string]any `json:"output,omitempty"`
	Summary string         `json:"summary,omitempty"`
}

// Verification is the external verifier's judgement of a result.
type Verification struct {
	Verified bool           `json:"verified"`
	Reason   string         `json:"reason,omitempty"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// ToolExecutor runs one attempt of an item.
type ToolExecutor interface {
	Execute(ctx context.Context, item Item, attempt Attempt) (ToolResult, error)
}

// Verifier checks a result against the item's success criteria.
type Verifier interface {
	Verify(ctx context.Context, item Item, result ToolResult) (Verification, error)
}

// Logger is the kv logger the runner reports through.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// ErrNotVerified is recorded when a tool ran but the verifier rejected the result.
var ErrNotVerified = errors.New("result not verified")

// =============================================================================
// RUNNER
// =============================================================================

// Summary reports one runner pass.
type Summary struct {
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Attempts    int     `json:"attempts"`
	SuccessRate float64 `json:"success_rate"`
}

// Runner executes the eligible items of a plan in dependency waves.
type Runner struct {
	Tools       ToolExecutor
	Verifier    Verifier
	MaxAttempts int
	MaxParallel int
	Backoff     resilience.Policy
	Clock       resilience.Clock
	Logger      Logger
}

// NewRunner creates a runner with the default attempt budget of 3.
func NewRunner(tools ToolExecutor, verifier Verifier, logger Logger) *Runner {
	return &Runner{
		Tools:       tools,
		Verifier:    verifier,
		MaxAttempts: 3,
		MaxParallel: 4,
		Backoff:     resilience.NewPolicy(1000, 30000),
		Clock:       resilience.SystemClock,
		Logger:      logger,
	}
}

// Run executes items until every item is terminal or ctx is done.
//
// Items start only once all their dependencies are terminal; items within a
// wave run concurrently up to MaxParallel.
func (r *Runner) Run(ctx context.Context, tracker *Tracker) (Summary, error) {
	if r.Tools == nil || r.Verifier == nil {
		return Summary{}, fmt.Errorf("runner requires a tool executor and a verifier")
	}

	var attempts atomic.Int64
	wave := 0
	for !tracker.Done() {
		if err := ctx.Err(); err != nil {
			return r.summarize(tracker, int(attempts.Load())), err
		}
		ready := tracker.Eligible()
		if len(ready) == 0 {
			// Dependencies always point backwards, so an empty wave means nothing is left.
			break
		}
		wave++
		r.logDebug("todo_wave_started", "wave", wave, "items", ready)

		g, gctx := errgroup.WithContext(ctx)
		if r.MaxParallel > 0 {
			g.SetLimit(r.MaxParallel)
		}
		for _, id := range ready {
			if err := tracker.Start(id); err != nil {
				_ = g.Wait()
				return r.summarize(tracker, int(attempts.Load())), err
			}
			item, _ := tracker.List().Item(id)
			g.Go(func() error {
				attempts.Add(int64(r.runItem(gctx, tracker, item)))
				return nil
			})
		}
		_ = g.Wait()
	}

	summary := r.summarize(tracker, int(attempts.Load()))
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	r.logInfo("todo_run_completed",
		"list_id", tracker.List().ID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"success_rate", summary.SuccessRate,
	)
	return summary, nil
}

// runItem tries item up to MaxAttempts times, moving through its fallback
// options, and returns the number of attempts made.
func (r *Runner) runItem(ctx context.Context, tracker *Tracker, item Item) int {
	failedDeps := tracker.FailedDependencies(item.ID)
	var lastErr error

	for n := 1; n <= r.maxAttempts(); n++ {
		if n > 1 && !r.Backoff.Wait(r.clock(), n, ctx.Done()) {
			tracker.Fail(item.ID, ctx.Err().Error())
			observability.RecordTodoItem(string(ItemFailed))
			return n - 1
		}

		attempt := Attempt{Number: n, Approach: item.Action, FailedDependencies: failedDeps}
		if n > 1 && n-2 < len(item.FallbackOptions) {
			attempt.Approach = item.FallbackOptions[n-2]
			attempt.Fallback = true
		}

		verified, reason, err := r.tryOnce(ctx, item, attempt)
		tracker.RecordAttempt(item.ID, attempt.Approach, err)
		if verified {
			tracker.Succeed(item.ID, reason)
			observability.RecordTodoItem(string(ItemSucceeded))
			r.logDebug("todo_item_succeeded", "item_id", item.ID, "attempt", n, "fallback", attempt.Fallback)
			return n
		}
		lastErr = err
		r.logWarn("todo_item_attempt_failed",
			"item_id", item.ID,
			"attempt", n,
			"approach", attempt.Approach,
			"error", errString(err),
		)
		if ctx.Err() != nil {
			tracker.Fail(item.ID, ctx.Err().Error())
			observability.RecordTodoItem(string(ItemFailed))
			return n
		}
	}

	tracker.Fail(item.ID, errString(lastErr))
	observability.RecordTodoItem(string(ItemFailed))
	return r.maxAttempts()
}

func (r *Runner) tryOnce(ctx context.Context, item Item, attempt Attempt) (bool, string, error) {
	result, err := r.Tools.Execute(ctx, item, attempt)
	if err != nil {
		return false, "", fmt.Errorf("tool execution failed: %w", err)
	}
	v, err := r.Verifier.Verify(ctx, item, result)
	if err != nil {
		return false, "", fmt.Errorf("verification failed: %w", err)
	}
	if !v.Verified {
		return false, v.Reason, fmt.Errorf("%w: %s", ErrNotVerified, v.Reason)
	}
	return true, v.Reason, nil
}

func (r *Runner) summarize(tracker *Tracker, total int) Summary {
	succeeded, failed := tracker.Counts()
	s := Summary{Succeeded: succeeded, Failed: failed, Attempts: total}
	if n := len(tracker.List().Items); n > 0 {
		s.SuccessRate = float64(succeeded) / float64(n)
	}
	return s
}

func (r *Runner) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 1
	}
	return r.MaxAttempts
}

func (r *Runner) clock() resilience.Clock {
	if r.Clock == nil {
		return resilience.SystemClock
	}
	return r.Clock
}

func (r *Runner) logDebug(msg string, kv ...any) {
	if r.Logger != nil {
		r.Logger.Debug(msg, kv...)
	}
}

func (r *Runner) logInfo(msg string, kv ...any) {
	if r.Logger != nil {
		r.Logger.Info(msg, kv...)
	}
}

func (r *Runner) logWarn(msg string, kv ...any) {
	if r.Logger != nil {
		r.Logger.Warn(msg, kv...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
