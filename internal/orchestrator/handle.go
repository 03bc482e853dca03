package orchestrator

import (
	"context"
	"sync"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Handle observes one workflow driven by this process.
type Handle struct {
	id   string
	done chan struct{}

	mu   sync.RWMutex
	exec *types.WorkflowExecution
	err  error
}

func newHandle(exec *types.WorkflowExecution) *Handle {
	return &Handle{id: exec.WorkflowID, done: make(chan struct{}), exec: exec}
}

// doneHandle wraps state that will not change.
func doneHandle(exec *types.WorkflowExecution) *Handle {
	h := newHandle(exec)
	close(h.done)
	return h
}

// ID returns the workflow id.
func (h *Handle) ID() string { return h.id }

// Done is closed when the loop driving the workflow has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the loop stops and returns the final state. A stopped
// loop is not necessarily terminal: without lifecycle emission a blocked
// workflow stops in the running status.
func (h *Handle) Wait(ctx context.Context) (*types.WorkflowExecution, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exec.Clone(), h.err
}

// Snapshot returns a copy of the current state.
func (h *Handle) Snapshot() *types.WorkflowExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exec.Clone()
}

// Err reports why the loop stopped early, if it did.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *Handle) apply(evt *types.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec.Apply(evt)
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
