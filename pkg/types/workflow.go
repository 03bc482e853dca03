// Package types provides shared types for the taskflow service.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Definition construction errors.
var (
	ErrEmptyDefinition = errors.New("workflow definition has no tasks")
	ErrDuplicateTask   = errors.New("duplicate task id")
	ErrUnknownTask     = errors.New("unknown dependency")
	ErrCycle           = errors.New("dependency cycle")
	ErrInvalidName     = errors.New("invalid agent id or task type")
)

// TaskNode is a unit of work with declared dependencies within a workflow.
type TaskNode struct {
	ID           string                 `json:"task_id" yaml:"task_id"`
	AgentID      string                 `json:"agent_id" yaml:"agent_id"`
	TaskType     string                 `json:"task_type" yaml:"task_type"`
	Params       map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// MaxAttempts <= 0 means the orchestrator default.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// TimeoutSeconds <= 0 means the orchestrator default.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// WorkflowDefinition is the DAG of tasks a caller submits. It is immutable
// once submitted.
type WorkflowDefinition struct {
	Name     string            `json:"name,omitempty" yaml:"name,omitempty"`
	Tasks    []TaskNode        `json:"tasks" yaml:"tasks"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	index map[string]int
}

// NewWorkflowDefinition builds and validates a definition.
func NewWorkflowDefinition(name string, tasks ...TaskNode) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{Name: name, Tasks: tasks}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks ids, dependency references and acyclicity.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Tasks) == 0 {
		return ErrEmptyDefinition
	}

	index := make(map[string]int, len(d.Tasks))
	for i, t := range d.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d: task_id is required", i)
		}
		if t.AgentID == "" {
			return fmt.Errorf("task %q: agent_id is required", t.ID)
		}
		// Guard rules are "agent:task_type" globs, so these separators
		// cannot appear inside the names.
		if strings.ContainsAny(t.AgentID, ":/") {
			return fmt.Errorf("%w: task %q: agent_id %q may not contain ':' or '/'", ErrInvalidName, t.ID, t.AgentID)
		}
		if strings.Contains(t.TaskType, "/") {
			return fmt.Errorf("%w: task %q: task_type %q may not contain '/'", ErrInvalidName, t.ID, t.TaskType)
		}
		if _, dup := index[t.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		index[t.ID] = i
	}

	for _, t := range d.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("%w: %q depends on itself", ErrCycle, t.ID)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on %q", ErrUnknownTask, t.ID, dep)
			}
		}
	}

	d.index = index
	if order := d.topoOrder(); len(order) != len(d.Tasks) {
		return fmt.Errorf("%w: %s", ErrCycle, strings.Join(d.findCycle(), " -> "))
	}
	return nil
}

// Task returns the node with the given id.
func (d *WorkflowDefinition) Task(id string) (*TaskNode, bool) {
	if d.index == nil {
		d.buildIndex()
	}
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return &d.Tasks[i], true
}

// Dependents returns the ids of tasks that directly depend on id, in
// definition order.
func (d *WorkflowDefinition) Dependents(id string) []string {
	var out []string
	for _, t := range d.Tasks {
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, t.ID)
				break
			}
		}
	}
	return out
}

// TopologicalOrder returns task ids ordered so that every dependency comes
// before its dependents. Ties are broken by definition order.
func (d *WorkflowDefinition) TopologicalOrder() []string {
	if d.index == nil {
		d.buildIndex()
	}
	order := d.topoOrder()
	ids := make([]string, len(order))
	for i, idx := range order {
		ids[i] = d.Tasks[idx].ID
	}
	return ids
}

func (d *WorkflowDefinition) buildIndex() {
	d.index = make(map[string]int, len(d.Tasks))
	for i, t := range d.Tasks {
		d.index[t.ID] = i
	}
}

// topoOrder runs Kahn's algorithm, always taking the lowest ready index so
// the order is deterministic.
func (d *WorkflowDefinition) topoOrder() []int {
	indeg := make([]int, len(d.Tasks))
	outgoing := make([][]int, len(d.Tasks))
	for i, t := range d.Tasks {
		for _, dep := range t.Dependencies {
			j, ok := d.index[dep]
			if !ok {
				continue
			}
			indeg[i]++
			outgoing[j] = append(outgoing[j], i)
		}
	}

	done := make([]bool, len(d.Tasks))
	out := make([]int, 0, len(d.Tasks))
	for len(out) < len(d.Tasks) {
		next := -1
		for i := range indeg {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		done[next] = true
		out = append(out, next)
		for _, m := range outgoing[next] {
			indeg[m]--
		}
	}
	return out
}

// findCycle extracts one stable cycle witness by DFS over definition order.
func (d *WorkflowDefinition) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(d.Tasks))
	parent := make([]int, len(d.Tasks))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, dep := range d.Tasks[u].Dependencies {
			v := d.index[dep]
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range d.Tasks {
		if color[i] == white && dfs(i) {
			break
		}
	}

	ids := make([]string, len(cycle))
	for i, idx := range cycle {
		ids[i] = d.Tasks[idx].ID
	}
	return ids
}
