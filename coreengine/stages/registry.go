// Package stages provides the read-only stage registry and its condition
// dispatch table.
package stages

import (
	"fmt"
	"sort"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

// Registry is the immutable stage catalog. Safe for concurrent reads without locking.
type Registry struct {
	byName     map[string]*config.StageDefinition
	byNumber   map[int][]*config.StageDefinition
	ordered    []*config.StageDefinition
	conditions Conditions
	entry      *config.StageDefinition
	completion *config.StageDefinition
}

// NewRegistry validates defs and builds the registry.
//
// The entry stage is classification and the terminal stage is completion;
// both must be present.
func NewRegistry(defs []config.StageDefinition, conditions Conditions) (*Registry, error) {
	r := &Registry{
		byName:     make(map[string]*config.StageDefinition, len(defs)),
		byNumber:   make(map[int][]*config.StageDefinition),
		conditions: conditions,
	}
	if r.conditions == nil {
		r.conditions = Conditions{}
	}

	type triple struct {
		number int
		agent  config.AgentRole
		name   string
	}
	seen := make(map[triple]bool, len(defs))

	for i := range defs {
		def := defs[i]
		def.AcceptedOutcomes = append([]string(nil), def.AcceptedOutcomes...)
		def.Transitions = append([]config.Transition(nil), def.Transitions...)

		if err := def.Validate(); err != nil {
			return nil, err
		}
		key := triple{def.Number, def.Agent, def.Name}
		if seen[key] {
			return nil, config.NewConfigError("stages", "duplicate stage %s", def.String())
		}
		seen[key] = true
		if _, dup := r.byName[def.Name]; dup {
			return nil, config.NewConfigError("stages", "duplicate stage name %q", def.Name)
		}

		d := &def
		r.byName[d.Name] = d
		r.byNumber[d.Number] = append(r.byNumber[d.Number], d)
		r.ordered = append(r.ordered, d)
	}

	r.entry = r.byName[config.StageClassification]
	if r.entry == nil {
		return nil, config.NewConfigError("stages", "entry stage %q is missing", config.StageClassification)
	}
	r.completion = r.byName[config.StageCompletion]
	if r.completion == nil {
		return nil, config.NewConfigError("stages", "terminal stage %q is missing", config.StageCompletion)
	}

	for _, def := range r.ordered {
		if err := r.validateRouting(def); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Number < r.ordered[j].Number
	})
	return r, nil
}

func (r *Registry) validateRouting(def *config.StageDefinition) error {
	field := "stage." + def.Name
	if def.ActivationCondition != "" {
		if _, ok := r.conditions[def.ActivationCondition]; !ok {
			return config.NewConfigError(field+".activation_condition", "unknown condition %q", def.ActivationCondition)
		}
	}
	if def == r.completion {
		return nil
	}

	for _, outcome := range def.AcceptedOutcomes {
		t, ok := def.Next(outcome)
		if !ok {
			return config.NewConfigError(field+".transitions", "no transition for outcome %q", outcome)
		}
		if err := r.validateTarget(field+".transitions", t); err != nil {
			return err
		}
	}
	if def.FailureNext.IsZero() {
		return config.NewConfigError(field+".failure_next", "is required")
	}
	if err := r.validateTarget(field+".failure_next", def.FailureNext); err != nil {
		return err
	}
	if !def.Required && !def.SkipNext.IsZero() {
		if err := r.validateTarget(field+".skip_next", def.SkipNext); err != nil {
			return err
		}
	}
	if !def.Required && def.SkipNext.IsZero() {
		return config.NewConfigError(field+".skip_next", "optional stages need a skip path")
	}
	return nil
}

func (r *Registry) validateTarget(field string, t config.Transition) error {
	if _, ok := r.byName[t.Target]; !ok {
		return config.NewConfigError(field, "unknown stage %q", t.Target)
	}
	if t.Target == r.completion.Name {
		if !r.completion.Accepts(t.Status) {
			return config.NewConfigError(field, "completion status %q is not accepted", t.Status)
		}
	} else if t.Status != "" {
		return config.NewConfigError(field, "status %q is only valid into %s", t.Status, r.completion.Name)
	}
	return nil
}

// Describe returns the stage with the given key.
func (r *Registry) Describe(key string) (*config.StageDefinition, bool) {
	def, ok := r.byName[key]
	return def, ok
}

// MustDescribe is Describe for keys already validated at construction.
func (r *Registry) MustDescribe(key string) *config.StageDefinition {
	def, ok := r.byName[key]
	if !ok {
		panic(fmt.Sprintf("stages: unknown stage %q", key))
	}
	return def
}

// FindByNumber returns all stages sharing number. The result may be empty.
func (r *Registry) FindByNumber(number int) []*config.StageDefinition {
	defs := r.byNumber[number]
	out := make([]*config.StageDefinition, len(defs))
	copy(out, defs)
	return out
}

// Find disambiguates a stage number by agent.
func (r *Registry) Find(number int, agent config.AgentRole) (*config.StageDefinition, bool) {
	for _, def := range r.byNumber[number] {
		if def.Agent == agent {
			return def, true
		}
	}
	return nil, false
}

// EvaluateCondition runs the named predicate. Unknown names are a ConfigError.
func (r *Registry) EvaluateCondition(name string, snap workflow.Snapshot) (bool, error) {
	cond, ok := r.conditions[name]
	if !ok {
		return false, config.NewConfigError("condition", "unknown condition %q", name)
	}
	return cond(snap), nil
}

// Next returns the transition for stage's outcome.
func (r *Registry) Next(stage, outcome string) (config.Transition, error) {
	def, ok := r.byName[stage]
	if !ok {
		return config.Transition{}, config.NewConfigError("stage", "unknown stage %q", stage)
	}
	t, ok := def.Next(outcome)
	if !ok {
		return config.Transition{}, config.NewConfigError("stage."+stage, "no transition for outcome %q", outcome)
	}
	return t, nil
}

// Entry returns the classification stage.
func (r *Registry) Entry() *config.StageDefinition { return r.entry }

// Completion returns the terminal stage.
func (r *Registry) Completion() *config.StageDefinition { return r.completion }

// Stages returns the catalog ordered by stage number.
func (r *Registry) Stages() []*config.StageDefinition {
	out := make([]*config.StageDefinition, len(r.ordered))
	copy(out, r.ordered)
	return out
}
