package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

// PromptRegistry renders the backend prompt for a stage.
type PromptRegistry interface {
	Render(stage config.StageDefinition, snap workflow.Snapshot) (string, error)
}

// JSONPrompts is the default registry. It asks the backend for a single
// JSON object naming one accepted outcome. Overrides replaces the
// instruction paragraph per stage name.
type JSONPrompts struct {
	Overrides map[string]string
}

// Render implements PromptRegistry.
func (p JSONPrompts) Render(stage config.StageDefinition, snap workflow.Snapshot) (string, error) {
	facts, err := json.Marshal(snap.SharedFacts)
	if err != nil {
		return "", fmt.Errorf("failed to encode facts: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent running stage %q.\n", stage.Agent, stage.Name)
	if instr, ok := p.Overrides[stage.Name]; ok {
		b.WriteString(instr)
	} else {
		b.WriteString(stage.Description)
	}
	b.WriteString("\n\nRequest:\n")
	b.WriteString(snap.Input)
	b.WriteString("\n\nKnown facts:\n")
	b.Write(facts)

	if entries := snap.History; len(entries) > 0 {
		b.WriteString("\n\nStages so far:")
		for _, e := range entries {
			if e.Succeeded() {
				fmt.Fprintf(&b, "\n- %s -> %s", e.Stage, e.Outcome)
			} else {
				fmt.Fprintf(&b, "\n- %s failed (%s)", e.Stage, e.FailureKind)
			}
		}
	}

	fmt.Fprintf(&b, "\n\nReply with one JSON object and nothing else: "+
		`{"outcome": <one of %s>, "facts": {<anything later stages need>}}`,
		quoteAll(stage.AcceptedOutcomes))
	if stage.Name == config.StagePlanning || stage.Name == config.StageTaskAdjustment {
		b.WriteString("\nInclude a \"todo\" object: " +
			`{"mode": "standard"|"extended", "complexity": 1-10, "items": [{"id": 1, "action": "...", ` +
			`"tools_needed": ["..."], "parameters": {}, "success_criteria": "...", ` +
			`"fallback_options": ["..."], "dependencies": [<smaller ids>]}]}`)
	}
	return b.String(), nil
}

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, ", ")
}
