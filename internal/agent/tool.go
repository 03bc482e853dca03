package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// ErrToolNotFound is returned for unregistered tool names.
var ErrToolNotFound = errors.New("tool not found")

// Tool is a named capability agents invoke on behalf of a principal.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, sc *policy.SecurityContext, params map[string]interface{}) (interface{}, error)
}

// ToolFunc is a Tool backed by a function.
type ToolFunc struct {
	name string
	fn   func(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewToolFunc creates a function tool.
func NewToolFunc(name string, fn func(ctx context.Context, params map[string]interface{}) (interface{}, error)) *ToolFunc {
	return &ToolFunc{name: name, fn: fn}
}

func (t *ToolFunc) Name() string { return t.name }

func (t *ToolFunc) Invoke(ctx context.Context, sc *policy.SecurityContext, params map[string]interface{}) (interface{}, error) {
	return t.fn(ctx, params)
}

// ToolResource names the resource authorized before a tool runs.
func ToolResource(name string) string { return "tool/" + name }

// ToolRegistry holds tools by name and authorizes every invocation.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are unique.
func (r *ToolRegistry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("register tool: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("register tool: %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool with name.
func (r *ToolRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke authorizes ("invoke", "tool/<name>") and runs the tool. Without
// a security context nothing runs.
func (r *ToolRegistry) Invoke(ctx context.Context, sc *policy.SecurityContext, name string, params map[string]interface{}) (interface{}, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, types.NewExecutionError(err.Error(), err)
	}
	if sc == nil {
		return nil, types.NewPolicyDeniedError(fmt.Sprintf("tool %s invoked without a security context", name))
	}
	if d := sc.Authorize("invoke", ToolResource(name)); !d.Allowed {
		return nil, types.NewPolicyDeniedError(d.Reason)
	}
	return t.Invoke(ctx, sc, params)
}
