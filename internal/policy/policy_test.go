package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const fileSchema = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "mode": {"type": "string", "enum": ["r", "w"]}
  }
}`

func TestSchemaRegistryValidate(t *testing.T) {
	r := NewSchemaRegistry()
	require.NoError(t, r.Register("fs", "read", []byte(fileSchema)))

	t.Run("valid params", func(t *testing.T) {
		assert.Empty(t, r.Validate("fs", "read", map[string]interface{}{"path": "/tmp/x"}))
	})

	t.Run("missing required field has hint", func(t *testing.T) {
		errs := r.Validate("fs", "read", map[string]interface{}{})
		require.Len(t, errs, 1)
		assert.Equal(t, "/path", errs[0].Path)
		assert.Contains(t, errs[0].Message, `"path"`)
		assert.Contains(t, errs[0].Hint, `add "path" to params`)
		assert.Contains(t, errs[0].Hint, "string")
	})

	t.Run("nil params treated as empty object", func(t *testing.T) {
		errs := r.Validate("fs", "read", nil)
		require.Len(t, errs, 1)
		assert.Equal(t, "/path", errs[0].Path)
	})

	t.Run("enum violation carries location", func(t *testing.T) {
		errs := r.Validate("fs", "read", map[string]interface{}{"path": "x", "mode": "rw"})
		require.NotEmpty(t, errs)
		assert.Equal(t, "/mode", errs[0].Path)
		assert.NotEmpty(t, errs[0].Hint)
	})

	t.Run("unknown pair is valid unless strict", func(t *testing.T) {
		assert.Empty(t, r.Validate("other", "thing", nil))
		strict := NewSchemaRegistry()
		strict.Strict = true
		assert.Len(t, strict.Validate("other", "thing", nil), 1)
	})

	t.Run("wildcard fallback", func(t *testing.T) {
		require.NoError(t, r.Register(Wildcard, "read", []byte(`{"type":"object","required":["id"]}`)))
		assert.Len(t, r.Validate("db", "read", nil), 1)
		assert.Empty(t, r.Validate("db", "write", nil))
	})

	t.Run("invalid schema is rejected", func(t *testing.T) {
		assert.Error(t, r.Register("bad", "x", []byte(`{"type": 5}`)))
	})
}

func TestPolicyGuard(t *testing.T) {
	tests := []struct {
		name    string
		guard   *PolicyGuard
		agent   string
		task    string
		allowed bool
	}{
		{name: "nil guard allows", guard: nil, agent: "a", task: "t", allowed: true},
		{name: "default allow", guard: &PolicyGuard{DefaultAllow: true}, agent: "a", task: "t", allowed: true},
		{name: "default deny", guard: &PolicyGuard{}, agent: "a", task: "t", allowed: false},
		{name: "allow by agent", guard: &PolicyGuard{Allow: []string{"fs"}}, agent: "fs", task: "read", allowed: true},
		{name: "allow by pair glob", guard: &PolicyGuard{Allow: []string{"fs:re*"}}, agent: "fs", task: "read", allowed: true},
		{name: "pair glob miss", guard: &PolicyGuard{Allow: []string{"fs:write"}}, agent: "fs", task: "read", allowed: false},
		{name: "deny wins over allow", guard: &PolicyGuard{Allow: []string{"fs"}, Deny: []string{"fs:delete"}}, agent: "fs", task: "delete", allowed: false},
		{name: "deny wins over default allow", guard: &PolicyGuard{Deny: []string{"shell"}, DefaultAllow: true}, agent: "shell", task: "exec", allowed: false},
		{name: "colon stays in task type", guard: &PolicyGuard{Deny: []string{"http:*"}, DefaultAllow: true}, agent: "http", task: "get:json", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.guard.Check(tt.agent, tt.task)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
			assert.NotEmpty(t, d.Reason)
		})
	}

	assert.Error(t, (&PolicyGuard{Allow: []string{"[bad"}}).Validate())
	assert.NoError(t, (&PolicyGuard{Allow: []string{"fs:*"}}).Validate())
}

func TestSecurityContextAuthorize(t *testing.T) {
	audit := NewAuditLog(testLogger())
	sc, err := NewSecurityContext(
		Principal{ID: "alice", Roles: []string{"ops"}, Attributes: map[string]interface{}{"team": "data"}},
		[]Permission{
			{Operation: "dispatch", Resource: "agent/fs/*"},
			{Operation: "dispatch", Resource: "agent/db/*", Condition: `attributes.team == "data"`},
			{Operation: "invoke", Resource: "tool/*", Condition: `"admin" in roles`},
		},
		audit,
	)
	require.NoError(t, err)

	assert.True(t, sc.Authorize("dispatch", "agent/fs/read").Allowed)
	assert.True(t, sc.Authorize("dispatch", "agent/db/query").Allowed)
	assert.False(t, sc.Authorize("dispatch", "agent/shell/exec").Allowed)
	assert.False(t, sc.Authorize("invoke", "tool/grep").Allowed)

	entries := audit.Entries()
	require.Len(t, entries, 4, "every decision is audited")
	assert.Equal(t, "alice", entries[0].Principal)
	assert.True(t, entries[0].Allowed)
	assert.False(t, entries[3].Allowed)
	assert.Equal(t, "tool/grep", entries[3].Resource)
	assert.False(t, entries[3].Time.IsZero())
}

func TestSecurityContextRejectsBadCondition(t *testing.T) {
	_, err := NewSecurityContext(Principal{ID: "x"},
		[]Permission{{Operation: "dispatch", Resource: "*", Condition: "principal +"}}, nil)
	assert.Error(t, err)

	_, err = NewSecurityContext(Principal{ID: "x"},
		[]Permission{{Operation: "dispatch", Resource: "*", Condition: `principal`}}, nil)
	assert.Error(t, err, "non-boolean condition must be rejected")
}

func TestGatePrecedence(t *testing.T) {
	schemas := NewSchemaRegistry()
	require.NoError(t, schemas.Register("fs", "read", []byte(fileSchema)))
	audit := NewAuditLog(testLogger())
	sc, err := NewSecurityContext(Principal{ID: "svc"},
		[]Permission{{Operation: "dispatch", Resource: "agent/fs/*"}}, audit)
	require.NoError(t, err)

	gate := NewGate(schemas, &PolicyGuard{Allow: []string{"fs", "shell"}, Deny: []string{"fs:delete"}}, sc, testLogger())
	ctx := context.Background()

	t.Run("schema checked first", func(t *testing.T) {
		gate.SetGuard(&PolicyGuard{Deny: []string{"fs"}})
		defer gate.SetGuard(&PolicyGuard{Allow: []string{"fs", "shell"}, Deny: []string{"fs:delete"}})
		node := &types.TaskNode{ID: "t", AgentID: "fs", TaskType: "read"}
		o := gate.Check(ctx, "wf", node)
		assert.Equal(t, OutcomeValidationFailed, o.Kind)
		evt, err := o.Event("wf", node)
		require.NoError(t, err)
		assert.Equal(t, types.EventTypeTaskValidationFailed, evt.Type)
		assert.Equal(t, types.ErrorKindValidation, o.TaskError().Kind)
	})

	t.Run("guard deny", func(t *testing.T) {
		o := gate.Check(ctx, "wf", &types.TaskNode{ID: "t", AgentID: "fs", TaskType: "delete"})
		assert.Equal(t, OutcomePolicyDenied, o.Kind)
	})

	t.Run("security deny after guard allow", func(t *testing.T) {
		before := audit.Len()
		o := gate.Check(ctx, "wf", &types.TaskNode{ID: "t", AgentID: "shell", TaskType: "exec"})
		assert.Equal(t, OutcomePolicyDenied, o.Kind)
		assert.Equal(t, before+1, audit.Len())
	})

	t.Run("accepted", func(t *testing.T) {
		node := &types.TaskNode{ID: "t", AgentID: "fs", TaskType: "read", Params: map[string]interface{}{"path": "/x"}}
		o := gate.Check(ctx, "wf", node)
		assert.True(t, o.Accepted())
		evt, err := o.Event("wf", node)
		assert.NoError(t, err)
		assert.Nil(t, evt)
	})

	t.Run("guard replacement", func(t *testing.T) {
		gate.SetGuard(&PolicyGuard{Deny: []string{"*"}})
		defer gate.SetGuard(&PolicyGuard{Allow: []string{"fs", "shell"}})
		o := gate.Check(ctx, "wf", &types.TaskNode{ID: "t", AgentID: "fs", TaskType: "read", Params: map[string]interface{}{"path": "/x"}})
		assert.Equal(t, OutcomePolicyDenied, o.Kind)
	})
}

func TestExprEvaluatorLimits(t *testing.T) {
	e := NewExprEvaluator()
	e.MaxExpressionLength = 8
	_, err := e.EvaluateBool("principal == 'someone'", map[string]interface{}{"principal": "x"})
	assert.Error(t, err)

	e = NewExprEvaluator()
	ok, err := e.EvaluateBool(`operation == "dispatch"`, map[string]interface{}{"operation": "dispatch"})
	require.NoError(t, err)
	assert.True(t, ok)
}
