package debug

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Rule names an invariant of a workflow log.
type Rule string

const (
	RuleSequence         Rule = "sequence_order"
	RuleHeader           Rule = "workflow_started_first"
	RuleDependencyOrder  Rule = "dependency_order"
	RuleSingleCompletion Rule = "single_completion"
	RuleAfterTerminal    Rule = "dispatch_after_terminal"
	RuleGateAttempt      Rule = "gate_rejection_attempt"
	RuleAttemptNumbering Rule = "attempt_numbering"
)

// Violation is one broken invariant.
type Violation struct {
	Sequence int64  `json:"sequence"`
	Rule     Rule   `json:"rule"`
	TaskID   string `json:"task_id,omitempty"`
	Message  string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("seq %d [%s] %s", v.Sequence, v.Rule, v.Message)
}

// CheckEvents verifies the invariants every log written by the
// orchestrator holds.
func CheckEvents(events []*types.Event) []Violation {
	var (
		out       []Violation
		prev      int64
		def       *types.WorkflowDefinition
		completed = make(map[string]bool)
		attempts  = make(map[string]int)
		rejected  = make(map[string]bool)
		terminal  types.EventType
	)
	add := func(evt *types.Event, rule Rule, format string, args ...interface{}) {
		out = append(out, Violation{
			Sequence: evt.Sequence,
			Rule:     rule,
			TaskID:   evt.TaskID,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	for i, evt := range events {
		if evt.Sequence <= prev {
			add(evt, RuleSequence, "sequence %d does not follow %d", evt.Sequence, prev)
		}
		prev = evt.Sequence

		if i == 0 {
			if evt.Type != types.EventTypeWorkflowStarted {
				add(evt, RuleHeader, "log starts with %s", evt.Type)
			} else {
				var p types.WorkflowStartedPayload
				if err := evt.DecodePayload(&p); err == nil {
					def = p.Definition
				}
			}
			continue
		}

		switch evt.Type {
		case types.EventTypeTaskAssigned:
			if terminal != "" {
				add(evt, RuleAfterTerminal, "%s assigned after %s", evt.TaskID, terminal)
			}
			if rejected[evt.TaskID] {
				add(evt, RuleGateAttempt, "%s assigned after a gate rejection", evt.TaskID)
			}
			if def != nil {
				if node, ok := def.Task(evt.TaskID); ok {
					for _, dep := range node.Dependencies {
						if !completed[dep] {
							add(evt, RuleDependencyOrder, "%s assigned before dependency %s completed", evt.TaskID, dep)
						}
					}
				}
			}
			if want := attempts[evt.TaskID] + 1; evt.Attempt != want {
				add(evt, RuleAttemptNumbering, "%s assigned attempt %d, expected %d", evt.TaskID, evt.Attempt, want)
			}
			if evt.Attempt > attempts[evt.TaskID] {
				attempts[evt.TaskID] = evt.Attempt
			}

		case types.EventTypeTaskCompleted:
			if completed[evt.TaskID] {
				add(evt, RuleSingleCompletion, "%s completed more than once", evt.TaskID)
			}
			if terminal == "" {
				completed[evt.TaskID] = true
			}

		case types.EventTypeTaskValidationFailed, types.EventTypeTaskPolicyDenied:
			if evt.Attempt != 0 {
				add(evt, RuleGateAttempt, "%s rejection carries attempt %d", evt.TaskID, evt.Attempt)
			}
			rejected[evt.TaskID] = true

		case types.EventTypeWorkflowCompleted, types.EventTypeWorkflowFailed, types.EventTypeWorkflowCancelled:
			if terminal == "" {
				terminal = evt.Type
			}
		}
	}
	return out
}

// Diff lists the differences between two executions, ignoring wall-clock
// fields. It is empty exactly when a.Equal(b).
func Diff(a, b *types.WorkflowExecution) []string {
	if a == nil || b == nil {
		if a == b {
			return nil
		}
		return []string{fmt.Sprintf("one execution is nil (a=%v, b=%v)", a == nil, b == nil)}
	}

	var out []string
	field := func(name string, x, y interface{}) {
		if x != y {
			out = append(out, fmt.Sprintf("%s: %v != %v", name, x, y))
		}
	}
	field("workflow_id", a.WorkflowID, b.WorkflowID)
	field("status", a.Status, b.Status)
	field("trace_id", a.TraceID, b.TraceID)
	field("last_sequence", a.LastSequence, b.LastSequence)
	field("reason", a.Reason, b.Reason)
	if (a.Definition == nil) != (b.Definition == nil) {
		out = append(out, "definition: present on one side only")
	}

	out = append(out, diffMap("completed", a.Completed, b.Completed)...)
	out = append(out, diffMap("failed", a.Failed, b.Failed)...)
	out = append(out, diffMap("rejected", a.Rejected, b.Rejected)...)
	out = append(out, diffMap("attempts", a.Attempts, b.Attempts)...)
	out = append(out, diffMap("in_flight", a.InFlight, b.InFlight)...)

	for _, k := range unionKeys(a.Results, b.Results) {
		if !bytes.Equal(a.Results[k], b.Results[k]) {
			out = append(out, fmt.Sprintf("results[%s]: %s != %s", k, a.Results[k], b.Results[k]))
		}
	}
	return out
}

func diffMap[V comparable](name string, a, b map[string]V) []string {
	var out []string
	for _, k := range unionKeys(a, b) {
		x, okA := a[k]
		y, okB := b[k]
		if okA != okB || x != y {
			out = append(out, fmt.Sprintf("%s[%s]: %s != %s", name, k, show(x, okA), show(y, okB)))
		}
	}
	return out
}

func show[V any](v V, ok bool) string {
	if !ok {
		return "<unset>"
	}
	return fmt.Sprint(v)
}

func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
