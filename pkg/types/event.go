package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CurrentSchemaVersion is stamped on every event appended by this build.
const CurrentSchemaVersion = 1

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeWorkflowStarted      EventType = "workflow_started"
	EventTypeTaskAssigned         EventType = "task_assigned"
	EventTypeTaskProgress         EventType = "task_progress"
	EventTypeTaskCompleted        EventType = "task_completed"
	EventTypeTaskFailed           EventType = "task_failed"
	EventTypeTaskValidationFailed EventType = "task_validation_failed"
	EventTypeTaskPolicyDenied     EventType = "task_policy_denied"
	EventTypeWorkflowCompleted    EventType = "workflow_completed"
	EventTypeWorkflowFailed       EventType = "workflow_failed"
	EventTypeWorkflowCancelled    EventType = "workflow_cancelled"
)

// IsWorkflowTerminal reports whether the event type closes a workflow.
func (t EventType) IsWorkflowTerminal() bool {
	switch t {
	case EventTypeWorkflowCompleted, EventTypeWorkflowFailed, EventTypeWorkflowCancelled:
		return true
	}
	return false
}

// Event is a single immutable record in a workflow's log.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	WorkflowID    string          `json:"workflow_id"`
	TaskID        string          `json:"task_id,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	TraceID       string          `json:"trace_id,omitempty"`
	Sequence      int64           `json:"sequence"`
	SchemaVersion int             `json:"schema_version"`
}

// Clone returns a deep copy so callers can never mutate a stored event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", e.Type, e.Sequence, err)
	}
	return nil
}

// ToSSE formats the event for Server-Sent Events protocol.
// The SSE id is the sequence so clients can resume with Last-Event-ID.
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", strconv.FormatInt(e.Sequence, 10), e.Type, data))
}

// NewEvent builds an unsequenced event with an encoded payload.
func NewEvent(eventType EventType, workflowID string, payload interface{}) (*Event, error) {
	evt := &Event{
		Type:          eventType,
		WorkflowID:    workflowID,
		SchemaVersion: CurrentSchemaVersion,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		evt.Payload = raw
	}
	return evt, nil
}

// WorkflowStartedPayload is the header of every workflow log. It carries the
// full definition so a workflow can be resumed from its id alone.
type WorkflowStartedPayload struct {
	Definition *WorkflowDefinition `json:"definition"`
	TraceID    string              `json:"trace_id,omitempty"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
}

// TaskAssignedPayload records a dispatch attempt.
type TaskAssignedPayload struct {
	Attempt  int    `json:"attempt"`
	TaskType string `json:"task_type"`
}

// TaskProgressPayload carries intermediate output reported by an agent.
type TaskProgressPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TaskCompletedPayload records a successful attempt.
type TaskCompletedPayload struct {
	Attempt int             `json:"attempt"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// TaskFailedPayload records a failed attempt.
type TaskFailedPayload struct {
	Attempt  int       `json:"attempt"`
	Error    ErrorInfo `json:"error"`
	Terminal bool      `json:"terminal"`
}

// TaskValidationFailedPayload lists schema violations found before dispatch.
type TaskValidationFailedPayload struct {
	Errors []FieldError `json:"errors"`
}

// TaskPolicyDeniedPayload explains an authorization refusal.
type TaskPolicyDeniedPayload struct {
	Reason string `json:"reason"`
}

// WorkflowFailedPayload explains why a workflow failed.
type WorkflowFailedPayload struct {
	Reason string `json:"reason"`
}

// WorkflowCancelledPayload carries the caller supplied cancellation reason.
type WorkflowCancelledPayload struct {
	Reason string `json:"reason"`
}
