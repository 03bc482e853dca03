package agent

import (
	"context"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
)

// NewFuncAgent wraps a plain function as an agent.
func NewFuncAgent(id string, fn HandlerFunc, opts ...Option) *Runtime {
	return NewRuntime(id, fn, opts...)
}

// ToolHandler maps task types to tools and invokes them under a security
// context. Unmapped task types use the task type as the tool name.
type ToolHandler struct {
	Tools    *ToolRegistry
	Security *policy.SecurityContext
	Routes   map[string]string
}

func (h *ToolHandler) Handle(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
	name := taskType
	if routed, ok := h.Routes[taskType]; ok {
		name = routed
	}
	return h.Tools.Invoke(ctx, h.Security, name, params)
}

// NewToolAgent builds an agent whose tasks are tool invocations.
func NewToolAgent(id string, tools *ToolRegistry, sc *policy.SecurityContext, routes map[string]string, opts ...Option) *Runtime {
	return NewRuntime(id, &ToolHandler{Tools: tools, Security: sc, Routes: routes}, opts...)
}
