package eventlog

import (
	"context"
	"fmt"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Replay rebuilds a workflow's execution state purely from its log.
func Replay(ctx context.Context, store Store, workflowID string) (*types.WorkflowExecution, error) {
	events, err := store.Read(ctx, workflowID, 1)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", workflowID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return ReplayEvents(events)
}

// ReplayEvents folds a complete, ordered event slice into state.
func ReplayEvents(events []*types.Event) (*types.WorkflowExecution, error) {
	return ReplayPrefix(events, len(events))
}

// ReplayPrefix folds the first n events into state. It is the state the
// workflow had right after event n was committed.
func ReplayPrefix(events []*types.Event, n int) (*types.WorkflowExecution, error) {
	if len(events) == 0 {
		return nil, ErrWorkflowNotFound
	}
	if n > len(events) {
		n = len(events)
	}

	x := types.NewWorkflowExecution(events[0].WorkflowID)
	var prev int64
	for i := 0; i < n; i++ {
		evt, err := Upcast(events[i])
		if err != nil {
			return nil, err
		}
		if evt.Sequence <= prev {
			return nil, fmt.Errorf("workflow %s: sequence %d after %d is out of order", x.WorkflowID, evt.Sequence, prev)
		}
		prev = evt.Sequence
		if i == 0 && evt.Type != types.EventTypeWorkflowStarted {
			return nil, fmt.Errorf("workflow %s: log starts with %s, not %s", x.WorkflowID, evt.Type, types.EventTypeWorkflowStarted)
		}
		if err := x.Apply(evt); err != nil {
			return nil, err
		}
	}
	return x, nil
}
