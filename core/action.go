package core

import (
	"context"
	"sort"
	"sync"
)

// Action is the opaque body of a workflow step. The engine knows nothing
// about what an action does; it only honors the declared input/output
// contract and the returned error.
type Action interface {
	Name() string
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// FuncAction is a function-backed action for inline registration.
type FuncAction struct {
	name string
	fn   func(ctx context.Context, input map[string]any) (map[string]any, error)
}

// NewFuncAction creates a function-backed action.
func NewFuncAction(name string, fn func(ctx context.Context, input map[string]any) (map[string]any, error)) *FuncAction {
	return &FuncAction{name: name, fn: fn}
}

// Name returns the action's registered name.
func (a *FuncAction) Name() string {
	return a.name
}

// Execute runs the wrapped function.
func (a *FuncAction) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if a.fn == nil {
		return map[string]any{}, nil
	}
	return a.fn(ctx, input)
}

// ActionRegistry maps action names to implementations. New step body types
// are added by registration; the runner never grows per-kind dispatch code.
// Safe for concurrent use.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register adds or replaces an action by name.
func (r *ActionRegistry) Register(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.Name()] = action
}

// Get retrieves an action by name.
func (r *ActionRegistry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	return action, ok
}

// List returns the registered action names in sorted order.
func (r *ActionRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ensure interface compliance at compile time.
var _ Action = (*FuncAction)(nil)
