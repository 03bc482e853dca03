package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// WorkflowStatus represents the state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further events may change the workflow.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// WorkflowExecution is the runtime state of one workflow, derived entirely
// from its event log. Apply is the only mutator.
type WorkflowExecution struct {
	WorkflowID   string                     `json:"workflow_id"`
	Status       WorkflowStatus             `json:"status"`
	Definition   *WorkflowDefinition        `json:"definition,omitempty"`
	TraceID      string                     `json:"trace_id,omitempty"`
	Completed    map[string]bool            `json:"completed"`
	Failed       map[string]bool            `json:"failed"`
	Rejected     map[string]EventType       `json:"rejected,omitempty"`
	Attempts     map[string]int             `json:"attempts"`
	InFlight     map[string]int             `json:"in_flight"`
	Results      map[string]json.RawMessage `json:"results,omitempty"`
	LastSequence int64                      `json:"last_sequence"`
	Reason       string                     `json:"reason,omitempty"`

	// Wall-clock fields, excluded from Equal.
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewWorkflowExecution returns empty state for a workflow id.
func NewWorkflowExecution(workflowID string) *WorkflowExecution {
	return &WorkflowExecution{
		WorkflowID: workflowID,
		Status:     WorkflowStatusRunning,
		Completed:  make(map[string]bool),
		Failed:     make(map[string]bool),
		Rejected:   make(map[string]EventType),
		Attempts:   make(map[string]int),
		InFlight:   make(map[string]int),
		Results:    make(map[string]json.RawMessage),
	}
}

// Apply folds one event into the state. Re-applying an event that was
// already applied, a completion for an already resolved task, and task
// events for ids outside the definition change nothing.
func (x *WorkflowExecution) Apply(evt *Event) error {
	if evt == nil {
		return nil
	}
	if evt.Sequence != 0 && evt.Sequence <= x.LastSequence {
		return nil
	}
	if evt.Sequence > x.LastSequence {
		x.LastSequence = evt.Sequence
	}

	if evt.Type == EventTypeWorkflowStarted {
		return x.applyStarted(evt)
	}

	// Nothing reopens a terminal workflow; late task events are discarded.
	if x.Status.IsTerminal() {
		return nil
	}
	if evt.TaskID != "" && !x.known(evt.TaskID) {
		return nil
	}

	switch evt.Type {
	case EventTypeTaskAssigned:
		if x.resolved(evt.TaskID) {
			return nil
		}
		if evt.Attempt > x.Attempts[evt.TaskID] {
			x.Attempts[evt.TaskID] = evt.Attempt
		}
		x.InFlight[evt.TaskID] = evt.Attempt

	case EventTypeTaskCompleted:
		if x.resolved(evt.TaskID) {
			return nil
		}
		var p TaskCompletedPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		x.Completed[evt.TaskID] = true
		delete(x.InFlight, evt.TaskID)
		if len(p.Result) > 0 {
			x.Results[evt.TaskID] = p.Result
		}

	case EventTypeTaskFailed:
		if x.resolved(evt.TaskID) {
			return nil
		}
		var p TaskFailedPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		delete(x.InFlight, evt.TaskID)
		if evt.Attempt > x.Attempts[evt.TaskID] {
			x.Attempts[evt.TaskID] = evt.Attempt
		}
		if p.Terminal {
			x.Failed[evt.TaskID] = true
		}

	case EventTypeTaskValidationFailed, EventTypeTaskPolicyDenied:
		if x.resolved(evt.TaskID) {
			return nil
		}
		x.Rejected[evt.TaskID] = evt.Type
		x.Failed[evt.TaskID] = true

	case EventTypeWorkflowCompleted:
		x.finish(WorkflowStatusCompleted, "", evt.Timestamp)

	case EventTypeWorkflowFailed:
		var p WorkflowFailedPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		x.finish(WorkflowStatusFailed, p.Reason, evt.Timestamp)

	case EventTypeWorkflowCancelled:
		var p WorkflowCancelledPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		x.finish(WorkflowStatusCancelled, p.Reason, evt.Timestamp)
	}
	return nil
}

func (x *WorkflowExecution) applyStarted(evt *Event) error {
	if x.Definition != nil {
		return nil
	}
	var p WorkflowStartedPayload
	if err := evt.DecodePayload(&p); err != nil {
		return err
	}
	if p.Definition == nil {
		return fmt.Errorf("workflow %s: started event without definition", evt.WorkflowID)
	}
	if err := p.Definition.Validate(); err != nil {
		return fmt.Errorf("workflow %s: stored definition invalid: %w", evt.WorkflowID, err)
	}
	x.Definition = p.Definition
	x.TraceID = evt.TraceID
	x.Status = WorkflowStatusRunning
	ts := evt.Timestamp
	x.StartedAt = &ts
	return nil
}

func (x *WorkflowExecution) finish(status WorkflowStatus, reason string, at time.Time) {
	x.Status = status
	x.Reason = reason
	x.InFlight = make(map[string]int)
	ts := at
	x.FinishedAt = &ts
}

func (x *WorkflowExecution) known(taskID string) bool {
	if x.Definition == nil {
		return false
	}
	_, ok := x.Definition.Task(taskID)
	return ok
}

func (x *WorkflowExecution) resolved(taskID string) bool {
	return x.Completed[taskID] || x.Failed[taskID]
}

// Ready returns tasks whose dependencies are all completed and which are not
// running or terminally resolved, in definition order.
func (x *WorkflowExecution) Ready() []*TaskNode {
	if x.Definition == nil || x.Status.IsTerminal() {
		return nil
	}
	var ready []*TaskNode
	for i := range x.Definition.Tasks {
		t := &x.Definition.Tasks[i]
		if x.resolved(t.ID) {
			continue
		}
		if _, running := x.InFlight[t.ID]; running {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			if !x.Completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// Blocked returns unresolved tasks that can never run because a transitive
// dependency failed terminally.
func (x *WorkflowExecution) Blocked() []string {
	if x.Definition == nil {
		return nil
	}
	blocked := make(map[string]bool)
	var out []string
	for _, id := range x.Definition.TopologicalOrder() {
		if x.resolved(id) {
			continue
		}
		t, _ := x.Definition.Task(id)
		for _, dep := range t.Dependencies {
			if x.Failed[dep] || blocked[dep] {
				blocked[id] = true
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// CanProgress reports whether any task may still complete.
func (x *WorkflowExecution) CanProgress() bool {
	if x.Definition == nil || x.Status.IsTerminal() {
		return false
	}
	if len(x.InFlight) > 0 {
		return true
	}
	unresolved := 0
	for _, t := range x.Definition.Tasks {
		if !x.resolved(t.ID) {
			unresolved++
		}
	}
	return unresolved > len(x.Blocked())
}

// AllCompleted reports whether every task completed.
func (x *WorkflowExecution) AllCompleted() bool {
	return x.Definition != nil && len(x.Completed) == len(x.Definition.Tasks)
}

// Resolve derives the status a workflow is in, including workflows whose
// terminal event was never written.
func (x *WorkflowExecution) Resolve() WorkflowStatus {
	switch {
	case x.Status.IsTerminal():
		return x.Status
	case x.AllCompleted():
		return WorkflowStatusCompleted
	case len(x.Failed) > 0 && !x.CanProgress():
		return WorkflowStatusFailed
	default:
		return WorkflowStatusRunning
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (x *WorkflowExecution) Clone() *WorkflowExecution {
	c := *x
	c.Completed = cloneMap(x.Completed)
	c.Failed = cloneMap(x.Failed)
	c.Rejected = cloneMap(x.Rejected)
	c.Attempts = cloneMap(x.Attempts)
	c.InFlight = cloneMap(x.InFlight)
	c.Results = make(map[string]json.RawMessage, len(x.Results))
	for k, v := range x.Results {
		c.Results[k] = append(json.RawMessage(nil), v...)
	}
	if x.StartedAt != nil {
		t := *x.StartedAt
		c.StartedAt = &t
	}
	if x.FinishedAt != nil {
		t := *x.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Equal compares two executions ignoring wall-clock fields.
func (x *WorkflowExecution) Equal(o *WorkflowExecution) bool {
	if x == nil || o == nil {
		return x == o
	}
	if x.WorkflowID != o.WorkflowID || x.Status != o.Status || x.TraceID != o.TraceID ||
		x.LastSequence != o.LastSequence || x.Reason != o.Reason {
		return false
	}
	if !mapsEqual(x.Completed, o.Completed) || !mapsEqual(x.Failed, o.Failed) ||
		!mapsEqual(x.Rejected, o.Rejected) || !mapsEqual(x.Attempts, o.Attempts) ||
		!mapsEqual(x.InFlight, o.InFlight) {
		return false
	}
	if len(x.Results) != len(o.Results) {
		return false
	}
	for k, v := range x.Results {
		if !bytes.Equal(v, o.Results[k]) {
			return false
		}
	}
	return (x.Definition == nil) == (o.Definition == nil)
}

// CompletedIDs returns the completed set sorted for stable output.
func (x *WorkflowExecution) CompletedIDs() []string {
	return sortedKeys(x.Completed)
}

// FailedIDs returns the terminal failure set sorted for stable output.
func (x *WorkflowExecution) FailedIDs() []string {
	return sortedKeys(x.Failed)
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mapsEqual[K, V comparable](a, b map[K]V) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
