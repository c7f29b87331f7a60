package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/todo"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/typeutil"
)

// BackendVerifier asks a backend whether a tool result meets an item's
// success criteria. Items without criteria pass on any result.
type BackendVerifier struct {
	Backend BackendExecutor
	Options routing.Options
}

// Verify implements todo.Verifier.
func (v *BackendVerifier) Verify(ctx context.Context, item todo.Item, result todo.ToolResult) (todo.Verification, error) {
	if strings.TrimSpace(item.SuccessCriteria) == "" {
		return todo.Verification{Verified: true, Reason: "no success criteria"}, nil
	}

	output, err := json.Marshal(result.Output)
	if err != nil {
		return todo.Verification{}, fmt.Errorf("failed to encode tool output: %w", err)
	}
	prompt := fmt.Sprintf("Decide whether this result satisfies the success criteria.\n\n"+
		"Action: %s\nSuccess criteria: %s\nSummary: %s\nOutput: %s\n\n"+
		`Reply with one JSON object: {"verified": true|false, "reason": "...", "evidence": {}}`,
		item.Action, item.SuccessCriteria, result.Summary, output)

	resp, err := v.Backend.Execute(ctx, prompt, v.Options)
	if err != nil {
		return todo.Verification{}, fmt.Errorf("verifier backend failed: %w", err)
	}
	reply, err := extractJSON(resp.Result)
	if err != nil {
		return todo.Verification{}, fmt.Errorf("verifier reply: %w", err)
	}
	verified, ok := reply["verified"].(bool)
	if !ok {
		return todo.Verification{}, fmt.Errorf("verifier reply has no boolean verified")
	}
	return todo.Verification{
		Verified: verified,
		Reason:   typeutil.String(reply, "reason", ""),
		Evidence: typeutil.Map(reply, "evidence"),
	}, nil
}

var _ todo.Verifier = (*BackendVerifier)(nil)
