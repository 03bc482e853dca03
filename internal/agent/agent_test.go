package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    []Trigger
		trigger Trigger
		want    State
		invalid bool
	}{
		{"idle assigned", nil, TriggerTaskAssigned, StateProcessing, false},
		{"processing completed", []Trigger{TriggerTaskAssigned}, TriggerTaskCompleted, StateIdle, false},
		{"processing failed", []Trigger{TriggerTaskAssigned}, TriggerTaskFailed, StateError, false},
		{"error recover", []Trigger{TriggerTaskAssigned, TriggerTaskFailed}, TriggerRecover, StateIdle, false},
		{"idle completed", nil, TriggerTaskCompleted, StateIdle, true},
		{"idle recover", nil, TriggerRecover, StateIdle, true},
		{"processing assigned", []Trigger{TriggerTaskAssigned}, TriggerTaskAssigned, StateProcessing, true},
		{"error assigned", []Trigger{TriggerTaskAssigned, TriggerTaskFailed}, TriggerTaskAssigned, StateError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			for _, tr := range tt.from {
				require.Nil(t, m.Fire(tr).Err)
			}
			tr := m.Fire(tt.trigger)
			assert.Equal(t, tt.want, m.State())
			assert.Equal(t, tt.want, tr.To)
			if tt.invalid {
				require.NotNil(t, tr.Err)
				assert.Equal(t, tr.From, tr.Err.From)
				assert.Equal(t, tt.trigger, tr.Err.Trigger)
			} else {
				assert.Nil(t, tr.Err)
			}

			history := m.History()
			require.Len(t, history, len(tt.from)+1)
			assert.Equal(t, tr.Trigger, history[len(history)-1].Trigger)
		})
	}
}

func TestMachineHistoryLimit(t *testing.T) {
	m := NewMachine()
	m.limit = 4
	for i := 0; i < 5; i++ {
		m.Fire(TriggerTaskAssigned)
		m.Fire(TriggerTaskCompleted)
	}
	history := m.History()
	require.Len(t, history, 4)
	assert.Equal(t, TriggerTaskAssigned, history[0].Trigger)
	assert.Equal(t, TriggerTaskCompleted, history[3].Trigger)
}

func TestRuntimePerformTask(t *testing.T) {
	t.Run("success returns to idle", func(t *testing.T) {
		a := NewFuncAgent("echo", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
			return params["msg"], nil
		}, WithLogger(testLogger()))

		out, err := a.PerformTask(context.Background(), "say", map[string]interface{}{"msg": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", out)
		assert.Equal(t, StateIdle, a.State())

		history := a.Machine().History()
		require.Len(t, history, 2)
		assert.Equal(t, StateProcessing, history[0].To)
		assert.Equal(t, StateIdle, history[1].To)
	})

	t.Run("failure is classified and auto recovered", func(t *testing.T) {
		a := NewFuncAgent("broken", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk full")
		}, WithLogger(testLogger()))

		_, err := a.PerformTask(context.Background(), "write", nil)
		require.Error(t, err)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindTaskExecution, te.Kind)
		assert.True(t, te.Retryable())
		assert.Equal(t, StateIdle, a.State())
	})

	t.Run("panic becomes execution failure", func(t *testing.T) {
		a := NewFuncAgent("panicky", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
			panic("boom")
		}, WithLogger(testLogger()))

		_, err := a.PerformTask(context.Background(), "any", nil)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindTaskExecution, te.Kind)
		assert.Contains(t, te.Message, "boom")
		assert.Equal(t, StateIdle, a.State())
	})

	t.Run("without auto recover the agent refuses work", func(t *testing.T) {
		a := NewFuncAgent("sticky", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("nope")
		}, WithAutoRecover(false), WithLogger(testLogger()))

		_, err := a.PerformTask(context.Background(), "any", nil)
		require.Error(t, err)
		assert.Equal(t, StateError, a.State())

		_, err = a.PerformTask(context.Background(), "any", nil)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindInvalidTransition, te.Kind)

		history := a.Machine().History()
		last := history[len(history)-1]
		require.NotNil(t, last.Err)
		assert.Equal(t, StateError, last.Err.From)

		tr := a.Recover()
		assert.Nil(t, tr.Err)
		assert.Equal(t, StateIdle, a.State())
	})

	t.Run("deadline is a timeout", func(t *testing.T) {
		a := NewFuncAgent("slow", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, WithLogger(testLogger()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := a.PerformTask(ctx, "wait", nil)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindTimeout, te.Kind)
	})
}

func TestRuntimeConcurrentAttempts(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)

	a := NewFuncAgent("pool", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		started.Done()
		<-release
		return "ok", nil
	}, WithLogger(testLogger()))

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.PerformTask(context.Background(), "work", nil)
			errs <- err
		}()
	}

	started.Wait()
	assert.Equal(t, StateProcessing, a.State())
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, StateIdle, a.State())
	for _, tr := range a.Machine().History() {
		assert.Nil(t, tr.Err)
	}
}

func TestRegistry(t *testing.T) {
	a := NewFuncAgent("a", nil)
	b := NewFuncAgent("b", nil)

	r, err := NewRegistry(b, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.List())

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	assert.ErrorIs(t, r.Register(NewFuncAgent("a", nil)), ErrAgentExists)
	assert.Error(t, r.Register(NewFuncAgent("", nil)))

	states := r.States()
	assert.Equal(t, StateIdle, states["a"])
	assert.Equal(t, StateIdle, states["b"])
}

func TestProgressReporter(t *testing.T) {
	assert.False(t, ReportProgress(context.Background(), "log", "x"))

	var got []string
	ctx := WithProgress(context.Background(), ReporterFunc(func(kind string, data interface{}) {
		got = append(got, kind)
	}))
	assert.True(t, ReportProgress(ctx, "partial", 1))
	assert.Equal(t, []string{"partial"}, got)
}

func newSecurity(t *testing.T, perms ...policy.Permission) *policy.SecurityContext {
	t.Helper()
	sc, err := policy.NewSecurityContext(policy.Principal{ID: "svc"}, perms, policy.NewAuditLog(testLogger()))
	require.NoError(t, err)
	return sc
}

func TestToolRegistryInvoke(t *testing.T) {
	tools := NewToolRegistry()
	require.NoError(t, tools.Register(NewToolFunc("search", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return []string{"r1"}, nil
	})))
	require.NoError(t, tools.Register(NewToolFunc("delete", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return "deleted", nil
	})))
	assert.Error(t, tools.Register(NewToolFunc("search", nil)))
	assert.Equal(t, []string{"delete", "search"}, tools.Names())

	sc := newSecurity(t, policy.Permission{Operation: "invoke", Resource: "tool/search"})

	t.Run("granted", func(t *testing.T) {
		out, err := tools.Invoke(context.Background(), sc, "search", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"r1"}, out)
	})

	t.Run("denied", func(t *testing.T) {
		_, err := tools.Invoke(context.Background(), sc, "delete", nil)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindPolicyDenied, te.Kind)
	})

	t.Run("no security context", func(t *testing.T) {
		_, err := tools.Invoke(context.Background(), nil, "search", nil)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindPolicyDenied, te.Kind)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := tools.Invoke(context.Background(), sc, "missing", nil)
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	entries := sc.Audit().Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Allowed)
	assert.False(t, entries[1].Allowed)
}

func TestToolAgent(t *testing.T) {
	tools := NewToolRegistry()
	require.NoError(t, tools.Register(NewToolFunc("web.search", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return params["q"], nil
	})))
	sc := newSecurity(t, policy.Permission{Operation: "invoke", Resource: "tool/*"})

	a := NewToolAgent("researcher", tools, sc, map[string]string{"lookup": "web.search"}, WithLogger(testLogger()))

	out, err := a.PerformTask(context.Background(), "lookup", map[string]interface{}{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, "go", out)

	_, err = a.PerformTask(context.Background(), "unrouted", nil)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, a.State())
}

func TestCommandAgent(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	t.Run("result and progress lines", func(t *testing.T) {
		a := NewCommandAgent("shell", CommandConfig{
			Command: []string{"sh", "-c", `cat >/dev/null
echo "plain text"
echo '{"type":"progress","kind":"partial","data":{"pct":50}}'
echo '{"type":"log","level":"warn","message":"careful"}'
echo '{"type":"result","data":{"ok":true,"task":"'"$TASK_TYPE"'"}}'`},
		}, WithLogger(testLogger()))

		var kinds []string
		ctx := WithProgress(context.Background(), ReporterFunc(func(kind string, data interface{}) {
			kinds = append(kinds, kind)
		}))

		out, err := a.PerformTask(ctx, "build", map[string]interface{}{"x": 1})
		require.NoError(t, err)
		raw, ok := out.(json.RawMessage)
		require.True(t, ok)
		assert.JSONEq(t, `{"ok":true,"task":"build"}`, string(raw))
		assert.Equal(t, []string{"partial"}, kinds)
	})

	t.Run("params on stdin", func(t *testing.T) {
		a := NewCommandAgent("echo", CommandConfig{
			Commands: map[string][]string{
				"echo": {"sh", "-c", `printf '{"type":"result","data":%s}\n' "$(cat)"`},
			},
		}, WithLogger(testLogger()))

		out, err := a.PerformTask(context.Background(), "echo", map[string]interface{}{"msg": "hi"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"task_type":"echo","params":{"msg":"hi"}}`, string(out.(json.RawMessage)))
	})

	t.Run("non-zero exit", func(t *testing.T) {
		a := NewCommandAgent("fail", CommandConfig{
			Command: []string{"sh", "-c", "echo bad >&2; exit 3"},
		}, WithLogger(testLogger()))

		_, err := a.PerformTask(context.Background(), "any", nil)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindTaskExecution, te.Kind)
		assert.Contains(t, te.Message, "code 3")
	})

	t.Run("deadline", func(t *testing.T) {
		a := NewCommandAgent("sleepy", CommandConfig{
			Command: []string{"sh", "-c", "exec sleep 5"},
		}, WithLogger(testLogger()))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := a.PerformTask(ctx, "any", nil)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindTimeout, te.Kind)
	})

	t.Run("oversized stdout line", func(t *testing.T) {
		a := NewCommandAgent("chatty", CommandConfig{
			Command: []string{"sh", "-c", `cat >/dev/null
printf '{"type":"result","data":"'
head -c 2000000 /dev/zero | tr '\0' 'a'
printf '"}\n'
echo '{"type":"log","message":"still draining"}'`},
		}, WithLogger(testLogger()))

		start := time.Now()
		out, err := a.PerformTask(context.Background(), "any", nil)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Nil(t, out)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindTaskExecution, te.Kind)
		assert.Contains(t, te.Message, "byte limit")
		assert.Equal(t, StateIdle, a.State())
	})

	t.Run("descendant holds stdout after exit", func(t *testing.T) {
		a := NewCommandAgent("forker", CommandConfig{
			Command:   []string{"sh", "-c", `sleep 3 & echo '{"type":"result","data":1}'`},
			WaitDelay: 100 * time.Millisecond,
		}, WithLogger(testLogger()))

		start := time.Now()
		out, err := a.PerformTask(context.Background(), "any", nil)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.JSONEq(t, `1`, string(out.(json.RawMessage)))
	})

	t.Run("deadline with a pipeline", func(t *testing.T) {
		a := NewCommandAgent("piped", CommandConfig{
			Command:   []string{"sh", "-c", "sleep 3 | cat"},
			WaitDelay: 100 * time.Millisecond,
		}, WithLogger(testLogger()))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := a.PerformTask(ctx, "any", nil)
		assert.Less(t, time.Since(start), 2*time.Second)
		var te *types.TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, types.ErrorKindTimeout, te.Kind)
	})

	t.Run("unconfigured task type", func(t *testing.T) {
		a := NewCommandAgent("none", CommandConfig{}, WithLogger(testLogger()))
		_, err := a.PerformTask(context.Background(), "any", nil)
		assert.Error(t, err)
	})
}
