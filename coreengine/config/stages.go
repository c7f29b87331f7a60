// Package config provides the static stage catalog and workflow settings.
package config

import (
	"fmt"
	"time"
)

// AgentRole identifies which cooperating agent owns a stage.
type AgentRole string

const (
	AgentStrategist AgentRole = "strategist" // Plans, clarifies and adjusts tasks
	AgentExecutor   AgentRole = "executor"   // Runs planned items against tools
	AgentVerifier   AgentRole = "verifier"   // Checks results and diagnoses failures
	AgentSystem     AgentRole = "system"     // Engine-owned classification and completion
)

// Valid reports whether r is a known role.
func (r AgentRole) Valid() bool {
	switch r {
	case AgentStrategist, AgentExecutor, AgentVerifier, AgentSystem:
		return true
	}
	return false
}

// Well-known stage names.
const (
	StageClassification   = "classification"
	StageChatResponse     = "chat_response"
	StagePostChatAnalysis = "post_chat_analysis"
	StagePlanning         = "planning"
	StageExecution        = "execution"
	StageClarification    = "clarification"
	StageRetry            = "retry"
	StageDiagnosis        = "diagnosis"
	StageTaskAdjustment   = "task_adjustment"
	StageVerification     = "verification"
	StageCompletion       = "completion"
	StageRetryCycle       = "retry_cycle"
)

// Terminal workflow statuses accepted by the completion stage.
const (
	StatusSuccess         = "success"
	StatusFailed          = "failed"
	StatusTimeoutExceeded = "timeout_exceeded"
	StatusBlocked         = "blocked"
)

// Transition routes to Target. Status is the final workflow status and is
// set only when Target is the completion stage.
type Transition struct {
	Outcome string `json:"outcome,omitempty" yaml:"outcome,omitempty" koanf:"outcome"`
	Target  string `json:"target" yaml:"target" koanf:"target"`
	Status  string `json:"status,omitempty" yaml:"status,omitempty" koanf:"status"`
}

// IsZero reports whether no target is set.
func (t Transition) IsZero() bool {
	return t.Target == ""
}

// StageDefinition is one step of the workflow. Immutable once registered.
type StageDefinition struct {
	Number              int       `json:"number" yaml:"number" koanf:"number"`
	Agent               AgentRole `json:"agent" yaml:"agent" koanf:"agent"`
	Name                string    `json:"name" yaml:"name" koanf:"name"`
	Description         string    `json:"description,omitempty" yaml:"description,omitempty" koanf:"description"`
	Required            bool      `json:"required" yaml:"required" koanf:"required"`
	ActivationCondition string    `json:"activation_condition,omitempty" yaml:"activation_condition,omitempty" koanf:"activation_condition"`
	MaxRetries          int       `json:"max_retries" yaml:"max_retries" koanf:"max_retries"`
	TimeoutMs           int64     `json:"timeout_ms" yaml:"timeout_ms" koanf:"timeout_ms"`
	AcceptedOutcomes    []string  `json:"accepted_outcomes" yaml:"accepted_outcomes" koanf:"accepted_outcomes"`

	// Routing: outcome -> next stage, plus fixed failure and skip paths.
	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty" koanf:"transitions"`
	FailureNext Transition   `json:"failure_next" yaml:"failure_next" koanf:"failure_next"`
	SkipNext    Transition   `json:"skip_next" yaml:"skip_next" koanf:"skip_next"`
}

// Timeout returns TimeoutMs as a Duration.
func (s *StageDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Accepts reports whether outcome is in AcceptedOutcomes.
func (s *StageDefinition) Accepts(outcome string) bool {
	for _, o := range s.AcceptedOutcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// Next returns the transition for outcome.
func (s *StageDefinition) Next(outcome string) (Transition, bool) {
	for _, t := range s.Transitions {
		if t.Outcome == outcome {
			return t, true
		}
	}
	return Transition{}, false
}

// String identifies the stage in logs.
func (s *StageDefinition) String() string {
	return fmt.Sprintf("%d/%s/%s", s.Number, s.Agent, s.Name)
}

// Validate checks the definition in isolation. Cross-stage checks belong to the registry.
func (s *StageDefinition) Validate() error {
	if s.Name == "" {
		return NewConfigError("stage.name", "is required")
	}
	if !s.Agent.Valid() {
		return NewConfigError("stage."+s.Name+".agent", "unknown agent role %q", s.Agent)
	}
	if s.MaxRetries < 0 {
		return NewConfigError("stage."+s.Name+".max_retries", "must be >= 0, got %d", s.MaxRetries)
	}
	if s.TimeoutMs <= 0 {
		return NewConfigError("stage."+s.Name+".timeout_ms", "must be > 0, got %d", s.TimeoutMs)
	}
	if len(s.AcceptedOutcomes) == 0 {
		return NewConfigError("stage."+s.Name+".accepted_outcomes", "at least one outcome is required")
	}
	seen := make(map[string]bool, len(s.AcceptedOutcomes))
	for _, o := range s.AcceptedOutcomes {
		if seen[o] {
			return NewConfigError("stage."+s.Name+".accepted_outcomes", "duplicate outcome %q", o)
		}
		seen[o] = true
	}
	for _, t := range s.Transitions {
		if !seen[t.Outcome] {
			return NewConfigError("stage."+s.Name+".transitions", "outcome %q is not accepted", t.Outcome)
		}
	}
	return nil
}

// =============================================================================
// DEFAULT CATALOG
// =============================================================================

func toCompletion(status string) Transition {
	return Transition{Target: StageCompletion, Status: status}
}

func on(outcome, target string) Transition {
	return Transition{Outcome: outcome, Target: target}
}

func onComplete(outcome, status string) Transition {
	return Transition{Outcome: outcome, Target: StageCompletion, Status: status}
}

// DefaultStages returns the standard stage catalog.
func DefaultStages() []StageDefinition {
	return []StageDefinition{
		{
			Number: 0, Agent: AgentSystem, Name: StageClassification,
			Description: "Decide whether the request is conversation or a task",
			Required:    true, MaxRetries: 1, TimeoutMs: 30000,
			AcceptedOutcomes: []string{"chat", "task"},
			Transitions: []Transition{
				on("chat", StageChatResponse),
				on("task", StagePlanning),
			},
			FailureNext: toCompletion(StatusFailed),
		},
		{
			Number: 0, Agent: AgentStrategist, Name: StageChatResponse,
			Description:         "Answer a conversational request directly",
			ActivationCondition: "system_selected_chat",
			MaxRetries:          1, TimeoutMs: 60000,
			AcceptedOutcomes: []string{"responded"},
			Transitions: []Transition{
				on("responded", StagePostChatAnalysis),
			},
			FailureNext: toCompletion(StatusFailed),
			SkipNext:    toCompletion(StatusSuccess),
		},
		{
			Number: -2, Agent: AgentSystem, Name: StagePostChatAnalysis,
			Description:         "Inspect a finished conversation turn",
			ActivationCondition: "chat_completed",
			MaxRetries:          0, TimeoutMs: 30000,
			AcceptedOutcomes: []string{"continue_chat", "ignore", "clarify"},
			Transitions: []Transition{
				onComplete("continue_chat", StatusSuccess),
				onComplete("ignore", StatusSuccess),
				onComplete("clarify", StatusSuccess),
			},
			FailureNext: toCompletion(StatusSuccess),
			SkipNext:    toCompletion(StatusSuccess),
		},
		{
			Number: 1, Agent: AgentStrategist, Name: StagePlanning,
			Description:         "Break the task into a dependency-ordered TODO list",
			Required:            true,
			ActivationCondition: "system_selected_task",
			MaxRetries:          1, TimeoutMs: 45000,
			AcceptedOutcomes: []string{"planned", "needs_clarification"},
			Transitions: []Transition{
				on("planned", StageExecution),
				onComplete("needs_clarification", StatusBlocked),
			},
			FailureNext: toCompletion(StatusFailed),
		},
		{
			Number: 2, Agent: AgentExecutor, Name: StageExecution,
			Description: "Execute the planned items",
			Required:    true, MaxRetries: 2, TimeoutMs: 180000,
			AcceptedOutcomes: []string{"completed", "incomplete", "blocked"},
			Transitions: []Transition{
				on("completed", StageVerification),
				on("incomplete", StageRetry),
				on("blocked", StageDiagnosis),
			},
			FailureNext: Transition{Target: StageDiagnosis},
		},
		{
			Number: 3, Agent: AgentStrategist, Name: StageClarification,
			Description: "Resolve what blocked verification",
			MaxRetries:  1, TimeoutMs: 60000,
			AcceptedOutcomes: []string{"clarified", "not_clarified"},
			Transitions: []Transition{
				on("clarified", StageRetry),
				onComplete("not_clarified", StatusBlocked),
			},
			FailureNext: toCompletion(StatusFailed),
			SkipNext:    toCompletion(StatusBlocked),
		},
		{
			Number: 4, Agent: AgentExecutor, Name: StageRetry,
			Description: "Re-run the items that did not finish",
			MaxRetries:  2, TimeoutMs: 90000,
			AcceptedOutcomes: []string{"completed", "incomplete", "blocked"},
			Transitions: []Transition{
				on("completed", StageVerification),
				on("incomplete", StageDiagnosis),
				on("blocked", StageDiagnosis),
			},
			FailureNext: Transition{Target: StageDiagnosis},
			SkipNext:    toCompletion(StatusFailed),
		},
		{
			Number: 5, Agent: AgentVerifier, Name: StageDiagnosis,
			Description:         "Identify why execution is blocked",
			ActivationCondition: "executor_blocked",
			MaxRetries:          1, TimeoutMs: 60000,
			AcceptedOutcomes: []string{"problem_identified", "cannot_identify"},
			Transitions: []Transition{
				on("problem_identified", StageTaskAdjustment),
				onComplete("cannot_identify", StatusBlocked),
			},
			FailureNext: toCompletion(StatusFailed),
			SkipNext:    toCompletion(StatusFailed),
		},
		{
			Number: 6, Agent: AgentStrategist, Name: StageTaskAdjustment,
			Description:         "Adjust the plan using the diagnosis",
			ActivationCondition: "diagnosis_provided",
			MaxRetries:          1, TimeoutMs: 60000,
			AcceptedOutcomes: []string{"adjusted_task", "not_adjusted"},
			Transitions: []Transition{
				on("adjusted_task", StageExecution),
				onComplete("not_adjusted", StatusBlocked),
			},
			FailureNext: toCompletion(StatusFailed),
			SkipNext:    toCompletion(StatusFailed),
		},
		{
			Number: 7, Agent: AgentVerifier, Name: StageVerification,
			Description: "Check the results against each item's success criteria",
			Required:    true, MaxRetries: 1, TimeoutMs: 60000,
			AcceptedOutcomes: []string{"verification_passed", "verification_failed", "verification_blocked"},
			Transitions: []Transition{
				onComplete("verification_passed", StatusSuccess),
				on("verification_failed", StageRetryCycle),
				on("verification_blocked", StageClarification),
			},
			FailureNext: toCompletion(StatusFailed),
		},
		{
			Number: 8, Agent: AgentSystem, Name: StageCompletion,
			Description: "Finish the workflow",
			Required:    true, MaxRetries: 0, TimeoutMs: 30000,
			AcceptedOutcomes: []string{StatusSuccess, StatusFailed, StatusTimeoutExceeded, StatusBlocked},
		},
		{
			Number: 9, Agent: AgentStrategist, Name: StageRetryCycle,
			Description:         "Choose a new strategy after failed verification",
			ActivationCondition: "should_retry_cycle",
			MaxRetries:          1, TimeoutMs: 60000,
			AcceptedOutcomes: []string{"new_strategy", "retry_limit_reached", "user_update", "auto_fix"},
			Transitions: []Transition{
				on("new_strategy", StagePlanning),
				on("user_update", StagePlanning),
				on("auto_fix", StagePlanning),
				onComplete("retry_limit_reached", StatusFailed),
			},
			FailureNext: toCompletion(StatusFailed),
			SkipNext:    toCompletion(StatusFailed),
		},
	}
}
