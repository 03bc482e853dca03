package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// OutcomeKind is the verdict of a gate check.
type OutcomeKind string

const (
	OutcomeAccepted         OutcomeKind = "accepted"
	OutcomeValidationFailed OutcomeKind = "validation_failed"
	OutcomePolicyDenied     OutcomeKind = "policy_denied"
)

// Outcome is the explicit result of Gate.Check. Expected rejections are
// values, not errors.
type Outcome struct {
	Kind   OutcomeKind
	Errors []types.FieldError
	Reason string
}

// Accepted reports whether the task may be dispatched.
func (o Outcome) Accepted() bool { return o.Kind == OutcomeAccepted }

// Event builds the rejection event for the task, or nil when accepted.
func (o Outcome) Event(workflowID string, node *types.TaskNode) (*types.Event, error) {
	var (
		evt *types.Event
		err error
	)
	switch o.Kind {
	case OutcomeValidationFailed:
		evt, err = types.NewEvent(types.EventTypeTaskValidationFailed, workflowID,
			types.TaskValidationFailedPayload{Errors: o.Errors})
	case OutcomePolicyDenied:
		evt, err = types.NewEvent(types.EventTypeTaskPolicyDenied, workflowID,
			types.TaskPolicyDeniedPayload{Reason: o.Reason})
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	evt.TaskID = node.ID
	evt.AgentID = node.AgentID
	return evt, nil
}

// TaskError converts a rejection to the typed error taxonomy.
func (o Outcome) TaskError() *types.TaskError {
	switch o.Kind {
	case OutcomeValidationFailed:
		hint := ""
		if len(o.Errors) > 0 {
			hint = o.Errors[0].Hint
		}
		return types.NewValidationError(o.Reason, hint)
	case OutcomePolicyDenied:
		return types.NewPolicyDeniedError(o.Reason)
	}
	return nil
}

// Gate runs the pre-dispatch checks in order: parameter schema, guard
// lists, then dispatch permission.
type Gate struct {
	mu       sync.RWMutex
	schemas  *SchemaRegistry
	guard    *PolicyGuard
	security *SecurityContext
	logger   *slog.Logger
}

// NewGate builds a gate. Any component may be nil to skip that check.
func NewGate(schemas *SchemaRegistry, guard *PolicyGuard, security *SecurityContext, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{schemas: schemas, guard: guard, security: security, logger: logger}
}

// SetGuard replaces the guard lists.
func (g *Gate) SetGuard(guard *PolicyGuard) {
	g.mu.Lock()
	g.guard = guard
	g.mu.Unlock()
}

// SetSecurity replaces the security context.
func (g *Gate) SetSecurity(sc *SecurityContext) {
	g.mu.Lock()
	g.security = sc
	g.mu.Unlock()
}

// Schemas returns the schema registry.
func (g *Gate) Schemas() *SchemaRegistry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.schemas
}

// Security returns the current security context.
func (g *Gate) Security() *SecurityContext {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.security
}

// DispatchResource names the resource authorized before dispatch.
func DispatchResource(agentID, taskType string) string {
	return fmt.Sprintf("agent/%s/%s", agentID, taskType)
}

// Check decides whether node may be dispatched.
func (g *Gate) Check(ctx context.Context, workflowID string, node *types.TaskNode) Outcome {
	g.mu.RLock()
	schemas, guard, security := g.schemas, g.guard, g.security
	g.mu.RUnlock()

	log := g.logger.With(
		slog.String("workflow_id", workflowID),
		slog.String("task_id", node.ID),
		slog.String("agent_id", node.AgentID),
	)

	if schemas != nil {
		if errs := schemas.Validate(node.AgentID, node.TaskType, node.Params); len(errs) > 0 {
			reason := fmt.Sprintf("params for %s/%s failed validation: %s", node.AgentID, node.TaskType, errs[0].String())
			log.Info("task rejected by schema", slog.Int("violations", len(errs)))
			return Outcome{Kind: OutcomeValidationFailed, Errors: errs, Reason: reason}
		}
	}

	if d := guard.Check(node.AgentID, node.TaskType); !d.Allowed {
		log.Info("task rejected by guard", slog.String("reason", d.Reason))
		return Outcome{Kind: OutcomePolicyDenied, Reason: d.Reason}
	}

	if security != nil {
		if d := security.Authorize("dispatch", DispatchResource(node.AgentID, node.TaskType)); !d.Allowed {
			log.Info("task rejected by security context", slog.String("reason", d.Reason))
			return Outcome{Kind: OutcomePolicyDenied, Reason: d.Reason}
		}
	}

	return Outcome{Kind: OutcomeAccepted}
}
