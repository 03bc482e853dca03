// Package debug inspects workflow logs: state at any prefix, a readable
// timeline, and an invariant checker.
package debug

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Inspector reads workflow logs from a store. When Archive is set, logs
// that have left the store are loaded from the archive.
type Inspector struct {
	Store   eventlog.Store
	Archive archive.Archiver
}

// NewInspector creates an inspector over store.
func NewInspector(store eventlog.Store, arch archive.Archiver) *Inspector {
	return &Inspector{Store: store, Archive: arch}
}

// Events returns the full log of a workflow.
func (i *Inspector) Events(ctx context.Context, workflowID string) ([]*types.Event, error) {
	events, err := i.Store.Read(ctx, workflowID, 1)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", workflowID, err)
	}
	if len(events) > 0 {
		return events, nil
	}
	if i.Archive != nil {
		archived, err := i.Archive.Load(ctx, workflowID)
		if err == nil && len(archived) > 0 {
			return archived, nil
		}
		if err != nil && !errors.Is(err, archive.ErrNotArchived) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", eventlog.ErrWorkflowNotFound, workflowID)
}

// StateAt replays the log up to and including sequence seq. A seq <= 0
// replays the whole log.
func (i *Inspector) StateAt(ctx context.Context, workflowID string, seq int64) (*types.WorkflowExecution, error) {
	events, err := i.Events(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	n := len(events)
	if seq > 0 {
		n = sort.Search(len(events), func(k int) bool { return events[k].Sequence > seq })
		if n == 0 {
			return nil, fmt.Errorf("workflow %s has no events at or before sequence %d", workflowID, seq)
		}
	}
	return eventlog.ReplayPrefix(events, n)
}

// TimelineEntry is one line of a workflow timeline.
type TimelineEntry struct {
	Sequence  int64           `json:"sequence"`
	Type      types.EventType `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Summary   string          `json:"summary"`
}

// Timeline summarizes every event of a workflow.
func (i *Inspector) Timeline(ctx context.Context, workflowID string) ([]TimelineEntry, error) {
	events, err := i.Events(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(events), nil
}

// BuildTimeline summarizes events.
func BuildTimeline(events []*types.Event) []TimelineEntry {
	out := make([]TimelineEntry, 0, len(events))
	for _, evt := range events {
		out = append(out, TimelineEntry{
			Sequence:  evt.Sequence,
			Type:      evt.Type,
			TaskID:    evt.TaskID,
			AgentID:   evt.AgentID,
			Attempt:   evt.Attempt,
			Timestamp: evt.Timestamp,
			Summary:   summarize(evt),
		})
	}
	return out
}

func summarize(evt *types.Event) string {
	switch evt.Type {
	case types.EventTypeWorkflowStarted:
		var p types.WorkflowStartedPayload
		if err := evt.DecodePayload(&p); err != nil || p.Definition == nil {
			return "workflow started"
		}
		return fmt.Sprintf("workflow %q started with %d tasks", p.Definition.Name, len(p.Definition.Tasks))

	case types.EventTypeTaskAssigned:
		var p types.TaskAssignedPayload
		_ = evt.DecodePayload(&p)
		return fmt.Sprintf("%s assigned to %s (attempt %d)", p.TaskType, evt.AgentID, evt.Attempt)

	case types.EventTypeTaskProgress:
		var p types.TaskProgressPayload
		_ = evt.DecodePayload(&p)
		return fmt.Sprintf("progress %s (%d bytes)", p.Kind, len(p.Data))

	case types.EventTypeTaskCompleted:
		var p types.TaskCompletedPayload
		_ = evt.DecodePayload(&p)
		return fmt.Sprintf("completed on attempt %d (%d byte result)", evt.Attempt, len(p.Result))

	case types.EventTypeTaskFailed:
		var p types.TaskFailedPayload
		_ = evt.DecodePayload(&p)
		s := fmt.Sprintf("attempt %d failed: %s: %s", evt.Attempt, p.Error.Kind, p.Error.Message)
		if p.Terminal {
			s += " (terminal)"
		}
		return s

	case types.EventTypeTaskValidationFailed:
		var p types.TaskValidationFailedPayload
		_ = evt.DecodePayload(&p)
		msgs := make([]string, 0, len(p.Errors))
		for _, fe := range p.Errors {
			msgs = append(msgs, fe.String())
		}
		return "validation failed: " + strings.Join(msgs, "; ")

	case types.EventTypeTaskPolicyDenied:
		var p types.TaskPolicyDeniedPayload
		_ = evt.DecodePayload(&p)
		return "policy denied: " + p.Reason

	case types.EventTypeWorkflowCompleted:
		return "workflow completed"

	case types.EventTypeWorkflowFailed:
		var p types.WorkflowFailedPayload
		_ = evt.DecodePayload(&p)
		return "workflow failed: " + p.Reason

	case types.EventTypeWorkflowCancelled:
		var p types.WorkflowCancelledPayload
		_ = evt.DecodePayload(&p)
		return "workflow cancelled: " + p.Reason
	}
	return string(evt.Type)
}

// Check runs the invariant checker over a stored log.
func (i *Inspector) Check(ctx context.Context, workflowID string) ([]Violation, error) {
	events, err := i.Events(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return CheckEvents(events), nil
}

// Verify replays every prefix of the log twice, from scratch and
// incrementally, and reports the first prefix where the two disagree.
func (i *Inspector) Verify(ctx context.Context, workflowID string) ([]string, error) {
	events, err := i.Events(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	incremental := types.NewWorkflowExecution(workflowID)
	for n := 1; n <= len(events); n++ {
		evt, err := eventlog.Upcast(events[n-1])
		if err != nil {
			return nil, err
		}
		if err := incremental.Apply(evt); err != nil {
			return nil, err
		}
		fresh, err := eventlog.ReplayPrefix(events, n)
		if err != nil {
			return nil, err
		}
		if diff := Diff(fresh, incremental); len(diff) > 0 {
			for k := range diff {
				diff[k] = fmt.Sprintf("at sequence %d: %s", events[n-1].Sequence, diff[k])
			}
			return diff, nil
		}
	}
	return nil, nil
}
