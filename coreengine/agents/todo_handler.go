package agents

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/todo"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

// FactTodoSummary holds the todo.Summary of the latest run.
const FactTodoSummary = "todo.summary"

// Execution outcomes.
const (
	OutcomeCompleted  = "completed"
	OutcomeIncomplete = "incomplete"
	OutcomeBlocked    = "blocked"
)

// TodoExecutionHandler runs the current plan's items.
//
// Item state is restored from the shared facts, so a later stage continues
// where the previous one stopped. With RetryFailed set, failed items get
// another round of attempts.
type TodoExecutionHandler struct {
	Runner      *todo.Runner
	RetryFailed bool
	Logger      logging.Logger
}

// NewTodoExecutionHandler creates a handler around runner.
func NewTodoExecutionHandler(runner *todo.Runner, retryFailed bool, logger logging.Logger) *TodoExecutionHandler {
	return &TodoExecutionHandler{Runner: runner, RetryFailed: retryFailed, Logger: logger}
}

// Invoke implements Handler.
func (h *TodoExecutionHandler) Invoke(ctx context.Context, snap workflow.Snapshot) (Result, error) {
	tracker, err := trackerFromFacts(snap)
	if err != nil {
		return Result{}, err
	}
	if h.RetryFailed {
		if n := tracker.ResetFailed(); n > 0 {
			h.Logger.Info("todo_items_reset", "count", n)
		}
	}

	summary, err := h.Runner.Run(ctx, tracker)
	facts := map[string]any{
		todo.FactState:  tracker.States(),
		FactTodoSummary: summary,
	}
	if err != nil {
		return Result{Facts: facts}, fmt.Errorf("todo run interrupted: %w", err)
	}

	total := len(tracker.List().Items)
	outcome := OutcomeIncomplete
	switch summary.Succeeded {
	case total:
		outcome = OutcomeCompleted
	case 0:
		outcome = OutcomeBlocked
	}
	h.Logger.Info("todo_execution_finished",
		"outcome", outcome,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"attempts", summary.Attempts,
	)
	return Result{Outcome: outcome, Facts: facts}, nil
}

func trackerFromFacts(snap workflow.Snapshot) (*todo.Tracker, error) {
	raw, ok := snap.Fact(todo.FactList)
	if !ok {
		return nil, config.NewConfigError(todo.FactList, "no plan to execute")
	}

	var list *todo.List
	switch v := raw.(type) {
	case *todo.List:
		list = v
	case map[string]any:
		parsed, err := todo.ParseList(v)
		if err != nil {
			return nil, err
		}
		list = parsed
	default:
		return nil, config.NewConfigError(todo.FactList, "unexpected type %T", raw)
	}

	if rawStates, ok := snap.Fact(todo.FactState); ok {
		if states, ok := rawStates.([]todo.ItemState); ok {
			return todo.RestoreTracker(list, states), nil
		}
	}
	return todo.NewTracker(list), nil
}

var _ Handler = (*TodoExecutionHandler)(nil)
