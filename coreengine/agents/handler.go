// Package agents provides the stage handlers the engine invokes: the handler
// contract, the backend-driven agent, the TODO execution handler and the
// backend-driven verifier.
package agents

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

// Result is what a handler reports for one attempt.
type Result struct {
	Outcome string         `json:"outcome"`
	Facts   map[string]any `json:"facts,omitempty"`
}

// Handler executes one stage attempt against a read-only view of the workflow.
type Handler interface {
	Invoke(ctx context.Context, snap workflow.Snapshot) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, snap workflow.Snapshot) (Result, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, snap workflow.Snapshot) (Result, error) {
	return f(ctx, snap)
}

// HandlerKey addresses a handler by stage number and agent role.
type HandlerKey struct {
	Number int
	Agent  config.AgentRole
}

func (k HandlerKey) String() string {
	return fmt.Sprintf("%d/%s", k.Number, k.Agent)
}

// KeyOf returns the key for stage.
func KeyOf(stage config.StageDefinition) HandlerKey {
	return HandlerKey{Number: stage.Number, Agent: stage.Agent}
}

// HandlerSet maps keys to handlers.
type HandlerSet map[HandlerKey]Handler

// Add registers h for stage, replacing any previous handler.
func (s HandlerSet) Add(stage config.StageDefinition, h Handler) HandlerSet {
	s[KeyOf(stage)] = h
	return s
}

// Lookup returns the handler for stage.
func (s HandlerSet) Lookup(stage config.StageDefinition) (Handler, bool) {
	h, ok := s[KeyOf(stage)]
	return h, ok && h != nil
}
