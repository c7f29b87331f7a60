// Package tools provides the named tool registry that TODO items execute
// against. Every tool target sits behind its own circuit breaker.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/todo"
)

// ErrNoTool means a TODO item names neither a tool nor an MCP server.
var ErrNoTool = errors.New("item names no tool")

// ErrToolNotFound is wrapped when a named tool was never registered.
var ErrToolNotFound = errors.New("tool not found")

// Logger is the kv logger the registry reports through.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Handler is a function that executes a tool.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Definition defines a tool's metadata and handler.
type Definition struct {
	Name        string
	Description string
	Category    string
	RiskLevel   string // "low", "medium", "high"
	Handler     Handler
}

// Registry executes tools by name. It implements todo.ToolExecutor.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Definition
	breakers *resilience.BreakerSet
	logger   Logger
}

// NewRegistry creates an empty registry. A nil breaker set gets the defaults.
func NewRegistry(breakers *resilience.BreakerSet, logger Logger) *Registry {
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.DefaultBreakerConfig())
	}
	return &Registry{
		tools:    make(map[string]*Definition),
		breakers: breakers,
		logger:   logger,
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for '%s'", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool '%s' is already registered", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition gets a tool definition by name.
func (r *Registry) Definition(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Breakers exposes the per-target breakers for health reporting.
func (r *Registry) Breakers() *resilience.BreakerSet {
	return r.breakers
}

// Invoke runs one tool behind its breaker.
//
// Only Go errors count against the breaker. A tool that answers with an
// error status is healthy and its result is returned as a *ToolError.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (*StandardResult, error) {
	def, ok := r.Definition(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	cb := r.breakers.Get(name)
	ticket, ok := cb.CanAttempt()
	if !ok {
		cb.RecordRejection()
		return nil, cb.OpenError()
	}

	raw, err := func() (map[string]any, error) {
		defer cb.FailOnPanic(ticket)
		return def.Handler(ctx, params)
	}()
	if err != nil {
		if ctx.Err() != nil {
			cb.Release(ticket)
			return nil, ctx.Err()
		}
		cb.RecordFailure(ticket)
		if r.logger != nil {
			r.logger.Warn("tool_invoke_failed", "tool", name, "error", err.Error())
		}
		return nil, fmt.Errorf("tool %s failed: %w", name, err)
	}
	cb.RecordSuccess(ticket)

	result, err := NormalizeResult(raw)
	if err != nil {
		return nil, fmt.Errorf("tool %s returned bad result: %w", name, err)
	}
	if result.Status == StatusError {
		return result, &ToolError{Tool: name, Details: result.Error}
	}
	return result, nil
}

// Execute runs a TODO item attempt against the item's tool.
func (r *Registry) Execute(ctx context.Context, item todo.Item, attempt todo.Attempt) (todo.ToolResult, error) {
	name, err := Target(item)
	if err != nil {
		return todo.ToolResult{}, err
	}

	params := make(map[string]any, len(item.Parameters)+4)
	for k, v := range item.Parameters {
		params[k] = v
	}
	params["approach"] = attempt.Approach
	params["attempt"] = attempt.Number
	params["fallback"] = attempt.Fallback
	if len(attempt.FailedDependencies) > 0 {
		params["failed_dependencies"] = attempt.FailedDependencies
	}

	if r.logger != nil {
		r.logger.Debug("tool_invoke", "tool", name, "item_id", item.ID, "attempt", attempt.Number)
	}
	result, err := r.Invoke(ctx, name, params)
	if err != nil {
		return todo.ToolResult{}, err
	}

	out := todo.ToolResult{Output: result.Data}
	if result.Message != nil {
		out.Summary = *result.Message
	}
	return out, nil
}

// Target picks the tool for item: the first tool needed, else the first MCP server.
func Target(item todo.Item) (string, error) {
	if len(item.ToolsNeeded) > 0 && item.ToolsNeeded[0] != "" {
		return item.ToolsNeeded[0], nil
	}
	if len(item.MCPServers) > 0 && item.MCPServers[0] != "" {
		return item.MCPServers[0], nil
	}
	return "", fmt.Errorf("%w: item %d", ErrNoTool, item.ID)
}

var _ todo.ToolExecutor = (*Registry)(nil)
