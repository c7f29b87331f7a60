// Package todo models planned work: dependency-ordered TODO lists, their
// per-item execution state, and a runner that executes eligible items.
package todo

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/typeutil"
)

// Mode is the planning depth.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeExtended Mode = "extended"
)

// MaxExtendedItems bounds the size of an extended plan.
const MaxExtendedItems = 10

// Item is one planned action.
type Item struct {
	ID              int            `json:"id"`
	Action          string         `json:"action"`
	ToolsNeeded     []string       `json:"tools_needed,omitempty"`
	MCPServers      []string       `json:"mcp_servers,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	FallbackOptions []string       `json:"fallback_options,omitempty"`
	Dependencies    []int          `json:"dependencies,omitempty"`
}

// List is an immutable, validated plan.
type List struct {
	ID         string `json:"id"`
	Mode       Mode   `json:"mode"`
	Complexity int    `json:"complexity"`
	Items      []Item `json:"items"`

	index map[int]int
}

// NewList validates items and returns an immutable list.
//
// Every dependency must name an existing item with a smaller id, which rules
// out forward references and cycles.
func NewList(id string, mode Mode, complexity int, items []Item) (*List, error) {
	if id == "" {
		id = "todo_" + uuid.New().String()
	}
	if mode == "" {
		mode = ModeStandard
	}
	if mode != ModeStandard && mode != ModeExtended {
		return nil, config.NewConfigError("todo.mode", "unknown mode %q", mode)
	}
	if complexity < 1 || complexity > 10 {
		return nil, config.NewConfigError("todo.complexity", "must be within 1..10, got %d", complexity)
	}
	if len(items) == 0 {
		return nil, config.NewConfigError("todo.items", "at least one item is required")
	}
	if mode == ModeExtended && len(items) > MaxExtendedItems {
		return nil, config.NewConfigError("todo.items", "extended mode allows at most %d items, got %d", MaxExtendedItems, len(items))
	}

	l := &List{
		ID:         id,
		Mode:       mode,
		Complexity: complexity,
		Items:      make([]Item, len(items)),
		index:      make(map[int]int, len(items)),
	}
	for i, item := range items {
		if item.ID <= 0 {
			return nil, config.NewConfigError("todo.items", "item id must be positive, got %d", item.ID)
		}
		if _, dup := l.index[item.ID]; dup {
			return nil, config.NewConfigError("todo.items", "duplicate item id %d", item.ID)
		}
		l.index[item.ID] = i
		l.Items[i] = cloneItem(item)
	}
	for _, item := range l.Items {
		for _, dep := range item.Dependencies {
			if _, ok := l.index[dep]; !ok {
				return nil, config.NewConfigError("todo.items", "item %d has invalid dependency %d", item.ID, dep)
			}
			if dep >= item.ID {
				return nil, config.NewConfigError("todo.items", "item %d has forward/circular dependency %d", item.ID, dep)
			}
		}
	}
	return l, nil
}

// Item returns the item with id.
func (l *List) Item(id int) (Item, bool) {
	i, ok := l.index[id]
	if !ok {
		return Item{}, false
	}
	return l.Items[i], true
}

// IDs returns all item ids in ascending order.
func (l *List) IDs() []int {
	ids := make([]int, 0, len(l.Items))
	for _, item := range l.Items {
		ids = append(ids, item.ID)
	}
	sort.Ints(ids)
	return ids
}

func cloneItem(item Item) Item {
	out := item
	out.ToolsNeeded = append([]string(nil), item.ToolsNeeded...)
	out.MCPServers = append([]string(nil), item.MCPServers...)
	out.FallbackOptions = append([]string(nil), item.FallbackOptions...)
	out.Dependencies = append([]int(nil), item.Dependencies...)
	if item.Parameters != nil {
		out.Parameters = make(map[string]any, len(item.Parameters))
		for k, v := range item.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// ParseList builds a List from a decoded JSON payload of the form
//
//	{"mode": "standard", "complexity": 3, "items": [{"id": 1, "action": "...", "dependencies": []}]}
func ParseList(raw map[string]any) (*List, error) {
	if raw == nil {
		return nil, config.NewConfigError("todo", "plan is missing")
	}
	rawItems, ok := raw["items"].([]any)
	if !ok {
		return nil, config.NewConfigError("todo.items", "must be an array")
	}

	items := make([]Item, 0, len(rawItems))
	for i, ri := range rawItems {
		m, ok := typeutil.AsMap(ri)
		if !ok {
			return nil, config.NewConfigError("todo.items", "item %d is not an object", i)
		}
		id, ok := typeutil.AsInt(m["id"])
		if !ok {
			return nil, config.NewConfigError("todo.items", "item %d has no integer id", i)
		}
		deps, ok := typeutil.AsIntSlice(m["dependencies"])
		if !ok && m["dependencies"] != nil {
			return nil, config.NewConfigError("todo.items", "item %d dependencies must be integers", id)
		}
		items = append(items, Item{
			ID:              id,
			Action:          typeutil.String(m, "action", ""),
			ToolsNeeded:     typeutil.Strings(m, "tools_needed"),
			MCPServers:      typeutil.Strings(m, "mcp_servers"),
			Parameters:      typeutil.Map(m, "parameters"),
			SuccessCriteria: typeutil.String(m, "success_criteria", ""),
			FallbackOptions: typeutil.Strings(m, "fallback_options"),
			Dependencies:    deps,
		})
	}

	list, err := NewList(
		typeutil.String(raw, "id", ""),
		Mode(typeutil.String(raw, "mode", string(ModeStandard))),
		typeutil.Int(raw, "complexity", 1),
		items,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return list, nil
}
