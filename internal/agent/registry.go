package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common errors returned by Registry.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already exists")
)

// Registry maps agent ids to agents. It is passed explicitly to the
// components that dispatch work.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry holding agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an agent. Ids are unique.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("register agent: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

// Get returns the agent with id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// List returns registered ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// States snapshots the lifecycle state of every agent.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.agents))
	for id, a := range r.agents {
		out[id] = a.State()
	}
	return out
}
