package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/metrics"
)

// Principal is the identity operations are performed on behalf of.
type Principal struct {
	ID         string                 `json:"id" yaml:"id"`
	Roles      []string               `json:"roles,omitempty" yaml:"roles,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Permission grants an operation on resources matching a glob ("*" alone
// matches every resource). An optional
// Condition expression must also evaluate to true; it sees principal,
// roles, operation, resource and attributes.
type Permission struct {
	Operation string `json:"operation" yaml:"operation"`
	Resource  string `json:"resource" yaml:"resource"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// SecurityContext authorizes operations for one principal. Every decision
// is recorded in the audit log.
type SecurityContext struct {
	Principal   Principal
	Permissions []Permission

	audit *AuditLog
	eval  *ExprEvaluator
}

// NewSecurityContext builds a context and compiles permission conditions.
func NewSecurityContext(principal Principal, permissions []Permission, audit *AuditLog) (*SecurityContext, error) {
	if audit == nil {
		audit = NewAuditLog(nil)
	}
	sc := &SecurityContext{
		Principal:   principal,
		Permissions: permissions,
		audit:       audit,
		eval:        NewExprEvaluator(),
	}
	env := sc.env("", "")
	for _, p := range permissions {
		if p.Operation == "" || p.Resource == "" {
			return nil, fmt.Errorf("permission requires operation and resource: %+v", p)
		}
		if _, err := path.Match(p.Resource, ""); err != nil {
			return nil, fmt.Errorf("permission resource %q: %w", p.Resource, err)
		}
		if p.Condition != "" {
			if err := sc.eval.Compile(p.Condition, env); err != nil {
				return nil, err
			}
		}
	}
	return sc, nil
}

// Audit returns the log decisions are recorded in.
func (sc *SecurityContext) Audit() *AuditLog { return sc.audit }

func (sc *SecurityContext) env(operation, resource string) map[string]interface{} {
	attrs := sc.Principal.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	roles := sc.Principal.Roles
	if roles == nil {
		roles = []string{}
	}
	return map[string]interface{}{
		"principal":  sc.Principal.ID,
		"roles":      roles,
		"operation":  operation,
		"resource":   resource,
		"attributes": attrs,
	}
}

// Authorize decides whether the principal may perform operation on
// resource. Denied and granted decisions are both audited.
func (sc *SecurityContext) Authorize(operation, resource string) Decision {
	d := sc.decide(operation, resource)
	sc.audit.Record(AuditEntry{
		Principal: sc.Principal.ID,
		Operation: operation,
		Resource:  resource,
		Allowed:   d.Allowed,
		Reason:    d.Reason,
	})
	return d
}

func (sc *SecurityContext) decide(operation, resource string) Decision {
	env := sc.env(operation, resource)
	for _, p := range sc.Permissions {
		if p.Operation != Wildcard && p.Operation != operation {
			continue
		}
		if p.Resource != Wildcard {
			if ok, _ := path.Match(p.Resource, resource); !ok {
				continue
			}
		}
		if p.Condition == "" {
			return allow(fmt.Sprintf("granted by %s on %s", p.Operation, p.Resource))
		}
		ok, err := sc.eval.EvaluateBool(p.Condition, env)
		if err != nil {
			// A broken condition never grants.
			continue
		}
		if ok {
			return allow(fmt.Sprintf("granted by %s on %s when %s", p.Operation, p.Resource, p.Condition))
		}
	}
	return deny(fmt.Sprintf("principal %q has no permission to %s %s", sc.Principal.ID, operation, resource))
}

// AuditEntry is one recorded authorization decision.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	Principal string    `json:"principal"`
	Operation string    `json:"operation"`
	Resource  string    `json:"resource"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
}

// AuditLog is an append-only, concurrency safe decision log mirrored to slog.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	logger  *slog.Logger
	now     func() time.Time
}

// NewAuditLog creates an empty audit log.
func NewAuditLog(logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{logger: logger, now: time.Now}
}

// Record appends an entry, stamping the time when unset.
func (a *AuditLog) Record(e AuditEntry) {
	if e.Time.IsZero() {
		e.Time = a.now().UTC()
	}
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()

	outcome := "denied"
	level := slog.LevelWarn
	if e.Allowed {
		outcome = "granted"
		level = slog.LevelDebug
	}
	metrics.AuditDecisions.WithLabelValues(e.Operation, outcome).Inc()
	a.logger.Log(context.Background(), level, "authorization decision",
		slog.String("principal", e.Principal),
		slog.String("operation", e.Operation),
		slog.String("resource", e.Resource),
		slog.String("outcome", outcome),
		slog.String("reason", e.Reason),
	)
}

// Entries returns a copy of all entries in record order.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of recorded entries.
func (a *AuditLog) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}
