package stages

import (
	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

// Condition is a pure predicate over a workflow snapshot.
type Condition func(snap workflow.Snapshot) bool

// Conditions is the condition dispatch table.
type Conditions map[string]Condition

// DefaultConditions returns the predicates referenced by the default catalog.
// maxRetryCycles bounds should_retry_cycle.
func DefaultConditions(maxRetryCycles int) Conditions {
	return Conditions{
		"system_selected_chat": func(s workflow.Snapshot) bool {
			o, ok := s.LastOutcome(config.StageClassification)
			return ok && o == "chat"
		},
		"system_selected_task": func(s workflow.Snapshot) bool {
			o, ok := s.LastOutcome(config.StageClassification)
			return ok && o == "task"
		},
		"chat_completed": func(s workflow.Snapshot) bool {
			_, ok := s.LastOutcome(config.StageChatResponse)
			return ok
		},
		"executor_blocked": executorBlocked,
		"diagnosis_provided": func(s workflow.Snapshot) bool {
			o, ok := s.LastOutcome(config.StageDiagnosis)
			return ok && o == "problem_identified"
		},
		"should_retry_cycle": func(s workflow.Snapshot) bool {
			return s.Entries(config.StageRetryCycle) < maxRetryCycles
		},
	}
}

// executorBlocked holds when the last executor stage reported blocked or
// incomplete, or when an executor stage exhausted its retries.
func executorBlocked(s workflow.Snapshot) bool {
	for i := len(s.History) - 1; i >= 0; i-- {
		h := s.History[i]
		if h.Agent != string(config.AgentExecutor) {
			continue
		}
		if !h.Succeeded() {
			_, exhausted := s.Failure(h.Stage)
			return exhausted
		}
		return h.Outcome == "blocked" || h.Outcome == "incomplete"
	}
	return false
}
