package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/agent"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/debug"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig retries after a millisecond so failure paths finish quickly.
func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 5 * time.Second
	cfg.Backoff = BackoffConfig{Policy: BackoffFixed, Base: time.Millisecond}
	return cfg
}

type snapshot struct {
	seq   int64
	state *types.WorkflowExecution
}

type harness struct {
	t     *testing.T
	o     *Orchestrator
	store eventlog.Store
	arch  *archive.MemoryArchiver

	mu    sync.Mutex
	snaps map[string][]snapshot
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg   *Config
	gate  *policy.Gate
	store eventlog.Store
}

func withConfig(cfg *Config) harnessOption     { return func(h *harnessConfig) { h.cfg = cfg } }
func withGate(g *policy.Gate) harnessOption    { return func(h *harnessConfig) { h.gate = g } }
func withStore(s eventlog.Store) harnessOption { return func(h *harnessConfig) { h.store = s } }

func newHarness(t *testing.T, agents []agent.Agent, opts ...harnessOption) *harness {
	t.Helper()
	hc := &harnessConfig{cfg: fastConfig()}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.store == nil {
		hc.store = eventlog.NewMemoryStore(nil)
	}

	reg, err := agent.NewRegistry(agents...)
	require.NoError(t, err)

	bus := eventlog.NewBus()
	h := &harness{
		t:     t,
		store: hc.store,
		arch:  archive.NewMemoryArchiver(),
		snaps: make(map[string][]snapshot),
	}
	h.o = New(hc.store, reg, hc.gate, hc.cfg,
		WithBus(bus),
		WithLogger(testLogger()),
		WithArchiver(h.arch),
	)
	h.o.observe = func(evt *types.Event, state *types.WorkflowExecution) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.snaps[evt.WorkflowID] = append(h.snaps[evt.WorkflowID], snapshot{seq: evt.Sequence, state: state})
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
		bus.Close()
	})
	return h
}

// run submits def and waits for its loop to stop.
func (h *harness) run(def *types.WorkflowDefinition) (*types.WorkflowExecution, []*types.Event) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := h.o.Submit(ctx, def)
	require.NoError(h.t, err)
	exec, err := handle.Wait(ctx)
	require.NoError(h.t, err)
	return exec, h.events(handle.ID())
}

func (h *harness) events(id string) []*types.Event {
	h.t.Helper()
	events, err := h.store.Read(context.Background(), id, 0)
	require.NoError(h.t, err)
	return events
}

// assertLiveMatchesReplay checks that the state the loop held after every
// event equals a fresh replay of the log up to that event.
func (h *harness) assertLiveMatchesReplay(id string) {
	h.t.Helper()
	events := h.events(id)

	h.mu.Lock()
	snaps := h.snaps[id]
	h.mu.Unlock()
	require.Len(h.t, snaps, len(events)-1, "every event after workflow_started is observed")

	for i, s := range snaps {
		require.Equal(h.t, events[i+1].Sequence, s.seq)
		replayed, err := eventlog.ReplayPrefix(events, i+2)
		require.NoError(h.t, err)
		assert.Empty(h.t, debug.Diff(replayed, s.state), "state after seq %d", s.seq)
	}
	assert.Empty(h.t, debug.CheckEvents(events))
}

// describe renders events after workflow_started as "type task#attempt".
func describe(events []*types.Event) []string {
	out := make([]string, 0, len(events))
	for _, evt := range events {
		switch {
		case evt.Type == types.EventTypeWorkflowStarted:
			continue
		case evt.TaskID == "":
			out = append(out, string(evt.Type))
		case evt.Attempt == 0:
			out = append(out, fmt.Sprintf("%s %s", evt.Type, evt.TaskID))
		default:
			out = append(out, fmt.Sprintf("%s %s#%d", evt.Type, evt.TaskID, evt.Attempt))
		}
	}
	return out
}

func ofType(events []*types.Event, typ types.EventType) []*types.Event {
	var out []*types.Event
	for _, evt := range events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func echoAgent(id string) agent.Agent {
	return agent.NewFuncAgent(id, func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"task_type": taskType, "params": params}, nil
	})
}

func mustDefinition(t *testing.T, tasks ...types.TaskNode) *types.WorkflowDefinition {
	t.Helper()
	def, err := types.NewWorkflowDefinition("test", tasks...)
	require.NoError(t, err)
	return def
}

func TestExecuteChain(t *testing.T) {
	h := newHarness(t, []agent.Agent{echoAgent("worker")})
	def := mustDefinition(t,
		types.TaskNode{ID: "a", AgentID: "worker", TaskType: "step", Params: map[string]interface{}{"n": 1}},
		types.TaskNode{ID: "b", AgentID: "worker", TaskType: "step", Dependencies: []string{"a"}},
	)

	exec, events := h.run(def)

	assert.Equal(t, types.WorkflowStatusCompleted, exec.Status)
	assert.Equal(t, []string{
		"task_assigned a#1",
		"task_completed a#1",
		"task_assigned b#1",
		"task_completed b#1",
		"workflow_completed",
	}, describe(events))

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(exec.Results["a"], &result))
	assert.Equal(t, "step", result["task_type"])

	h.assertLiveMatchesReplay(exec.WorkflowID)

	for _, evt := range events {
		assert.Equal(t, exec.TraceID, evt.TraceID)
	}
	assert.Len(t, exec.TraceID, 32)
}

func TestRetryWithBackoff(t *testing.T) {
	var calls atomic.Int32
	flaky := agent.NewFuncAgent("flaky", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	h := newHarness(t, []agent.Agent{flaky})
	def := mustDefinition(t, types.TaskNode{ID: "t", AgentID: "flaky", TaskType: "run", MaxAttempts: 3})

	exec, events := h.run(def)

	assert.Equal(t, types.WorkflowStatusCompleted, exec.Status)
	assert.Equal(t, []string{
		"task_assigned t#1",
		"task_failed t#1",
		"task_assigned t#2",
		"task_failed t#2",
		"task_assigned t#3",
		"task_completed t#3",
		"workflow_completed",
	}, describe(events))

	for _, evt := range ofType(events, types.EventTypeTaskFailed) {
		var p types.TaskFailedPayload
		require.NoError(t, evt.DecodePayload(&p))
		assert.False(t, p.Terminal)
		assert.Equal(t, types.ErrorKindTaskExecution, p.Error.Kind)
	}
	assert.Equal(t, 3, exec.Attempts["t"])
	assert.Equal(t, json.RawMessage(`"ok"`), exec.Results["t"])
	h.assertLiveMatchesReplay(exec.WorkflowID)
}

func TestRetriesExhausted(t *testing.T) {
	failing := agent.NewFuncAgent("failing", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("always")
	})
	h := newHarness(t, []agent.Agent{failing, echoAgent("worker")})
	def := mustDefinition(t,
		types.TaskNode{ID: "a", AgentID: "failing", TaskType: "run", MaxAttempts: 2},
		types.TaskNode{ID: "b", AgentID: "worker", TaskType: "run", Dependencies: []string{"a"}},
	)

	exec, events := h.run(def)

	assert.Equal(t, types.WorkflowStatusFailed, exec.Status)
	assert.Equal(t, []string{
		"task_assigned a#1",
		"task_failed a#1",
		"task_assigned a#2",
		"task_failed a#2",
		"workflow_failed",
	}, describe(events))

	last := ofType(events, types.EventTypeTaskFailed)[1]
	var p types.TaskFailedPayload
	require.NoError(t, last.DecodePayload(&p))
	assert.True(t, p.Terminal)
	assert.True(t, exec.Failed["a"])
	h.assertLiveMatchesReplay(exec.WorkflowID)
}

func TestNonRetryableFailure(t *testing.T) {
	denied := agent.NewFuncAgent("denied", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		return nil, types.NewPolicyDeniedError("tool not permitted")
	})
	h := newHarness(t, []agent.Agent{denied})
	def := mustDefinition(t, types.TaskNode{ID: "t", AgentID: "denied", TaskType: "run", MaxAttempts: 5})

	exec, events := h.run(def)

	assert.Equal(t, types.WorkflowStatusFailed, exec.Status)
	assert.Equal(t, []string{"task_assigned t#1", "task_failed t#1", "workflow_failed"}, describe(events))
}

func TestIndependentBranchFinishesBeforeFailure(t *testing.T) {
	failing := agent.NewFuncAgent("failing", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("broken")
	})
	slow := agent.NewFuncAgent("slow", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		time.Sleep(30 * time.Millisecond)
		return "done", nil
	})
	def := func(t *testing.T) *types.WorkflowDefinition {
		return mustDefinition(t,
			types.TaskNode{ID: "a", AgentID: "failing", TaskType: "run", MaxAttempts: 1},
			types.TaskNode{ID: "b", AgentID: "slow", TaskType: "run", Dependencies: []string{"a"}},
			types.TaskNode{ID: "c", AgentID: "slow", TaskType: "run"},
		)
	}

	t.Run("lifecycle on", func(t *testing.T) {
		h := newHarness(t, []agent.Agent{failing, slow})
		exec, events := h.run(def(t))

		assert.Equal(t, types.WorkflowStatusFailed, exec.Status)
		assert.True(t, exec.Completed["c"])
		assert.Empty(t, ofType(events, types.EventTypeTaskAssigned)[2:], "b is never dispatched")
		assert.Equal(t, types.EventTypeWorkflowFailed, events[len(events)-1].Type)
		h.assertLiveMatchesReplay(exec.WorkflowID)
	})

	t.Run("lifecycle off", func(t *testing.T) {
		cfg := fastConfig()
		cfg.EmitLifecycle = false
		h := newHarness(t, []agent.Agent{failing, slow}, withConfig(cfg))
		exec, events := h.run(def(t))

		assert.Equal(t, types.WorkflowStatusRunning, exec.Status)
		assert.Equal(t, types.WorkflowStatusFailed, exec.Resolve())
		assert.True(t, exec.Completed["c"])
		assert.Empty(t, ofType(events, types.EventTypeWorkflowFailed))
		assert.Equal(t, []string{"b"}, exec.Blocked())
		h.assertLiveMatchesReplay(exec.WorkflowID)
	})
}

func TestValidationRejection(t *testing.T) {
	schemas := policy.NewSchemaRegistry()
	require.NoError(t, schemas.Register("fs", "read", []byte(`{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string"}}
	}`)))

	var calls atomic.Int32
	fs := agent.NewFuncAgent("fs", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return "contents", nil
	})
	def := func(t *testing.T) *types.WorkflowDefinition {
		return mustDefinition(t, types.TaskNode{ID: "read", AgentID: "fs", TaskType: "read", Params: map[string]interface{}{"mode": "r"}})
	}

	check := func(t *testing.T, events []*types.Event) {
		rejected := ofType(events, types.EventTypeTaskValidationFailed)
		require.Len(t, rejected, 1)
		assert.Zero(t, rejected[0].Attempt)

		var p types.TaskValidationFailedPayload
		require.NoError(t, rejected[0].DecodePayload(&p))
		require.NotEmpty(t, p.Errors)
		assert.Contains(t, p.Errors[0].String(), "path")

		assert.Empty(t, ofType(events, types.EventTypeTaskAssigned))
		assert.Zero(t, calls.Load())
	}

	t.Run("lifecycle on", func(t *testing.T) {
		gate := policy.NewGate(schemas, nil, nil, testLogger())
		h := newHarness(t, []agent.Agent{fs}, withGate(gate))
		exec, events := h.run(def(t))

		check(t, events)
		assert.Equal(t, types.WorkflowStatusFailed, exec.Status)
		assert.Equal(t, types.EventTypeWorkflowFailed, events[len(events)-1].Type)
		assert.Zero(t, exec.Attempts["read"])
		h.assertLiveMatchesReplay(exec.WorkflowID)
	})

	t.Run("lifecycle off", func(t *testing.T) {
		cfg := fastConfig()
		cfg.EmitLifecycle = false
		gate := policy.NewGate(schemas, nil, nil, testLogger())
		h := newHarness(t, []agent.Agent{fs}, withGate(gate), withConfig(cfg))
		exec, events := h.run(def(t))

		check(t, events)
		assert.Equal(t, types.WorkflowStatusRunning, exec.Status)
		assert.Equal(t, []string{"task_validation_failed read"}, describe(events))
		assert.Equal(t, types.EventTypeTaskValidationFailed, exec.Rejected["read"])
	})
}

func TestPolicyDenied(t *testing.T) {
	guard := &policy.PolicyGuard{Deny: []string{"shell:*"}, DefaultAllow: true}
	gate := policy.NewGate(nil, guard, nil, testLogger())
	h := newHarness(t, []agent.Agent{echoAgent("shell"), echoAgent("worker")}, withGate(gate))

	def := mustDefinition(t,
		types.TaskNode{ID: "ok", AgentID: "worker", TaskType: "run"},
		types.TaskNode{ID: "rm", AgentID: "shell", TaskType: "exec", Dependencies: []string{"ok"}},
	)
	exec, events := h.run(def)

	assert.Equal(t, types.WorkflowStatusFailed, exec.Status)
	assert.Equal(t, []string{
		"task_assigned ok#1",
		"task_completed ok#1",
		"task_policy_denied rm",
		"workflow_failed",
	}, describe(events))

	var p types.TaskPolicyDeniedPayload
	require.NoError(t, ofType(events, types.EventTypeTaskPolicyDenied)[0].DecodePayload(&p))
	assert.Contains(t, p.Reason, "deny rule")
}

// blocker ignores its context and returns only when released.
type blocker struct {
	started chan string
	release chan struct{}
}

func newBlocker(t *testing.T) *blocker {
	b := &blocker{started: make(chan string, 16), release: make(chan struct{})}
	t.Cleanup(func() {
		select {
		case <-b.release:
		default:
			close(b.release)
		}
	})
	return b
}

func (b *blocker) agent(id string) agent.Agent {
	return agent.NewFuncAgent(id, func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		b.started <- taskType
		<-b.release
		return "late", nil
	})
}

func (b *blocker) waitStarted(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-b.started:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never started", want)
	}
}

func TestCancelDuringRun(t *testing.T) {
	b := newBlocker(t)
	h := newHarness(t, []agent.Agent{echoAgent("worker"), b.agent("blocking")})
	ctx := context.Background()

	def := mustDefinition(t,
		types.TaskNode{ID: "a", AgentID: "worker", TaskType: "a"},
		types.TaskNode{ID: "c", AgentID: "blocking", TaskType: "c", Dependencies: []string{"a"}},
		types.TaskNode{ID: "d", AgentID: "worker", TaskType: "d", Dependencies: []string{"c"}},
	)
	handle, err := h.o.Submit(ctx, def)
	require.NoError(t, err)
	b.waitStarted(t, "c")

	require.NoError(t, h.o.CancelWorkflow(ctx, handle.ID(), "operator stop"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exec, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusCancelled, exec.Status)
	assert.Equal(t, "operator stop", exec.Reason)

	// The blocked attempt finishes after the cancel; its result is dropped.
	close(b.release)
	assert.Eventually(t, func() bool {
		total, _ := h.o.Limits()
		return total == 0
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	events := h.events(handle.ID())
	assert.Equal(t, types.EventTypeWorkflowCancelled, events[len(events)-1].Type)
	assert.Empty(t, ofType(events, types.EventTypeTaskCompleted)[1:], "only a completes")
	for _, evt := range ofType(events, types.EventTypeTaskAssigned) {
		assert.NotEqual(t, "d", evt.TaskID)
	}
	assert.Empty(t, debug.CheckEvents(events))

	err = h.o.CancelWorkflow(ctx, handle.ID(), "again")
	assert.ErrorIs(t, err, ErrWorkflowTerminal)
}

func TestCancelStoredWorkflow(t *testing.T) {
	h := newHarness(t, []agent.Agent{echoAgent("worker")})
	ctx := context.Background()

	def := mustDefinition(t, types.TaskNode{ID: "a", AgentID: "worker", TaskType: "run"})
	started, err := types.NewEvent(types.EventTypeWorkflowStarted, "wf-stored", types.WorkflowStartedPayload{Definition: def})
	require.NoError(t, err)
	_, err = h.store.Append(ctx, "wf-stored", 0, started)
	require.NoError(t, err)

	require.NoError(t, h.o.CancelWorkflow(ctx, "wf-stored", "abandoned"))
	assert.Equal(t, []string{"workflow_cancelled"}, describe(h.events("wf-stored")))

	assert.ErrorIs(t, h.o.CancelWorkflow(ctx, "wf-stored", "again"), ErrWorkflowTerminal)
	assert.ErrorIs(t, h.o.CancelWorkflow(ctx, "missing", "x"), eventlog.ErrWorkflowNotFound)
}

func TestResumeInterruptsInFlight(t *testing.T) {
	h := newHarness(t, []agent.Agent{echoAgent("worker")})
	ctx := context.Background()

	def := mustDefinition(t,
		types.TaskNode{ID: "a", AgentID: "worker", TaskType: "run"},
		types.TaskNode{ID: "b", AgentID: "worker", TaskType: "run", Dependencies: []string{"a"}},
	)
	started, err := types.NewEvent(types.EventTypeWorkflowStarted, "wf-crashed", types.WorkflowStartedPayload{Definition: def})
	require.NoError(t, err)
	assigned, err := types.NewEvent(types.EventTypeTaskAssigned, "wf-crashed", types.TaskAssignedPayload{Attempt: 1, TaskType: "run"})
	require.NoError(t, err)
	assigned.TaskID, assigned.AgentID, assigned.Attempt = "a", "worker", 1
	_, err = h.store.Append(ctx, "wf-crashed", 0, started, assigned)
	require.NoError(t, err)

	handle, err := h.o.ResumeWorkflow(ctx, "wf-crashed")
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exec, err := handle.Wait(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowStatusCompleted, exec.Status)
	events := h.events("wf-crashed")
	assert.Equal(t, []string{
		"task_assigned a#1",
		"task_failed a#1",
		"task_assigned a#2",
		"task_completed a#2",
		"task_assigned b#1",
		"task_completed b#1",
		"workflow_completed",
	}, describe(events))

	var p types.TaskFailedPayload
	require.NoError(t, ofType(events, types.EventTypeTaskFailed)[0].DecodePayload(&p))
	assert.False(t, p.Terminal)
	assert.Contains(t, p.Error.Message, "interrupted")

	// A finished workflow resumes to a done handle without new events.
	again, err := h.o.ResumeWorkflow(ctx, "wf-crashed")
	require.NoError(t, err)
	<-again.Done()
	assert.Equal(t, types.WorkflowStatusCompleted, again.Snapshot().Status)
	assert.Len(t, h.events("wf-crashed"), len(events))

	_, err = h.o.ResumeWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, eventlog.ErrWorkflowNotFound)
}

func TestResumeAfterUnfinishedRejection(t *testing.T) {
	var calls atomic.Int32
	counting := agent.NewFuncAgent("worker", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	})
	h := newHarness(t, []agent.Agent{counting})
	ctx := context.Background()

	def := mustDefinition(t,
		types.TaskNode{ID: "bad", AgentID: "worker", TaskType: "run"},
		types.TaskNode{ID: "other", AgentID: "worker", TaskType: "run"},
	)
	started, err := types.NewEvent(types.EventTypeWorkflowStarted, "wf-rejected", types.WorkflowStartedPayload{Definition: def})
	require.NoError(t, err)
	rejected, err := types.NewEvent(types.EventTypeTaskValidationFailed, "wf-rejected", types.TaskValidationFailedPayload{})
	require.NoError(t, err)
	rejected.TaskID, rejected.AgentID = "bad", "worker"
	_, err = h.store.Append(ctx, "wf-rejected", 0, started, rejected)
	require.NoError(t, err)

	handle, err := h.o.ResumeWorkflow(ctx, "wf-rejected")
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exec, err := handle.Wait(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowStatusFailed, exec.Status)
	assert.Contains(t, exec.Reason, "bad")
	assert.Zero(t, calls.Load(), "nothing is dispatched after a rejection")
	assert.Empty(t, ofType(h.events("wf-rejected"), types.EventTypeTaskAssigned))
}

func TestResumeLiveReturnsSameHandle(t *testing.T) {
	b := newBlocker(t)
	h := newHarness(t, []agent.Agent{b.agent("blocking")})
	ctx := context.Background()

	handle, err := h.o.Submit(ctx, mustDefinition(t, types.TaskNode{ID: "t", AgentID: "blocking", TaskType: "t"}))
	require.NoError(t, err)
	b.waitStarted(t, "t")

	again, err := h.o.ResumeWorkflow(ctx, handle.ID())
	require.NoError(t, err)
	assert.Same(t, handle, again)
	assert.Contains(t, h.o.Live(), handle.ID())

	close(b.release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exec, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusCompleted, exec.Status)
}

func TestTimeout(t *testing.T) {
	b := newBlocker(t)
	h := newHarness(t, []agent.Agent{b.agent("blocking")})

	def := mustDefinition(t, types.TaskNode{ID: "t", AgentID: "blocking", TaskType: "t", MaxAttempts: 2, TimeoutSeconds: 0.02})
	exec, events := h.run(def)

	assert.Equal(t, types.WorkflowStatusFailed, exec.Status)
	failed := ofType(events, types.EventTypeTaskFailed)
	require.Len(t, failed, 2)
	for i, evt := range failed {
		var p types.TaskFailedPayload
		require.NoError(t, evt.DecodePayload(&p))
		assert.Equal(t, types.ErrorKindTimeout, p.Error.Kind)
		assert.Equal(t, i == 1, p.Terminal)
	}

	// Both attempts are still inside the agent, so both slots stay taken.
	total, perAgent := h.o.Limits()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, perAgent["blocking"])

	close(b.release)
	require.Eventually(t, func() bool {
		total, _ := h.o.Limits()
		return total == 0
	}, 5*time.Second, 5*time.Millisecond, "slots come back once the agent returns")
}

func TestTimedOutAttemptKeepsSlot(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	stubborn := agent.NewFuncAgent("stubborn", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		return "ignored the deadline", nil
	})

	cfg := fastConfig()
	cfg.MaxParallelism = 1
	cfg.PerAgentConcurrency = 1
	h := newHarness(t, []agent.Agent{stubborn}, withConfig(cfg))

	def := mustDefinition(t, types.TaskNode{ID: "t", AgentID: "stubborn", TaskType: "t", MaxAttempts: 3, TimeoutSeconds: 0.02})
	exec, events := h.run(def)

	assert.Equal(t, types.WorkflowStatusFailed, exec.Status)
	assert.Len(t, ofType(events, types.EventTypeTaskAssigned), 3)
	assert.Equal(t, int32(1), peak.Load(), "a retry never runs beside an attempt that is still inside the agent")
}

func TestConcurrencyLimits(t *testing.T) {
	type gauge struct {
		mu      sync.Mutex
		current map[string]int
		peak    map[string]int
		total   int
		max     int
	}
	g := &gauge{current: map[string]int{}, peak: map[string]int{}}
	tracked := func(id string) agent.Agent {
		return agent.NewFuncAgent(id, func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
			g.mu.Lock()
			g.current[id]++
			g.total++
			g.peak[id] = max(g.peak[id], g.current[id])
			g.max = max(g.max, g.total)
			g.mu.Unlock()

			time.Sleep(15 * time.Millisecond)

			g.mu.Lock()
			g.current[id]--
			g.total--
			g.mu.Unlock()
			return nil, nil
		})
	}

	cfg := fastConfig()
	cfg.MaxParallelism = 3
	cfg.PerAgentConcurrency = 2
	h := newHarness(t, []agent.Agent{tracked("x"), tracked("y")}, withConfig(cfg))

	var tasks []types.TaskNode
	for i := 0; i < 8; i++ {
		agentID := "x"
		if i%2 == 1 {
			agentID = "y"
		}
		tasks = append(tasks, types.TaskNode{ID: fmt.Sprintf("t%d", i), AgentID: agentID, TaskType: "run"})
	}
	exec, events := h.run(mustDefinition(t, tasks...))

	assert.Equal(t, types.WorkflowStatusCompleted, exec.Status)
	assert.Len(t, exec.Completed, 8)
	assert.LessOrEqual(t, g.max, 3)
	assert.LessOrEqual(t, g.peak["x"], 2)
	assert.LessOrEqual(t, g.peak["y"], 2)
	assert.Len(t, ofType(events, types.EventTypeTaskAssigned), 8)
	h.assertLiveMatchesReplay(exec.WorkflowID)
}

func TestLimitsShareAcrossWorkflows(t *testing.T) {
	b := newBlocker(t)
	cfg := fastConfig()
	cfg.MaxParallelism = 1
	h := newHarness(t, []agent.Agent{b.agent("blocking")}, withConfig(cfg))
	ctx := context.Background()

	first, err := h.o.Submit(ctx, mustDefinition(t, types.TaskNode{ID: "t", AgentID: "blocking", TaskType: "first"}))
	require.NoError(t, err)
	b.waitStarted(t, "first")

	second, err := h.o.Submit(ctx, mustDefinition(t, types.TaskNode{ID: "t", AgentID: "blocking", TaskType: "second"}))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ofType(h.events(second.ID()), types.EventTypeTaskAssigned), "second waits for a slot")
	total, byAgent := h.o.Limits()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, byAgent["blocking"])

	close(b.release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, handle := range []*Handle{first, second} {
		exec, err := handle.Wait(waitCtx)
		require.NoError(t, err)
		assert.Equal(t, types.WorkflowStatusCompleted, exec.Status)
	}
}

func TestProgressEvents(t *testing.T) {
	reporting := agent.NewFuncAgent("reporting", func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
		agent.ReportProgress(ctx, "partial", map[string]int{"done": 1})
		agent.ReportProgress(ctx, "partial", map[string]int{"done": 2})
		return json.RawMessage(`{"done":3}`), nil
	})
	h := newHarness(t, []agent.Agent{reporting})

	exec, events := h.run(mustDefinition(t, types.TaskNode{ID: "t", AgentID: "reporting", TaskType: "run"}))

	assert.Equal(t, []string{
		"task_assigned t#1",
		"task_progress t#1",
		"task_progress t#1",
		"task_completed t#1",
		"workflow_completed",
	}, describe(events))

	var p types.TaskProgressPayload
	require.NoError(t, ofType(events, types.EventTypeTaskProgress)[1].DecodePayload(&p))
	assert.Equal(t, "partial", p.Kind)
	assert.JSONEq(t, `{"done":2}`, string(p.Data))
	assert.JSONEq(t, `{"done":3}`, string(exec.Results["t"]))
	h.assertLiveMatchesReplay(exec.WorkflowID)
}

func TestDuplicateCompletionIsIgnored(t *testing.T) {
	h := newHarness(t, []agent.Agent{echoAgent("worker")})
	def := mustDefinition(t,
		types.TaskNode{ID: "a", AgentID: "worker", TaskType: "run"},
		types.TaskNode{ID: "b", AgentID: "worker", TaskType: "run", Dependencies: []string{"a"}},
	)
	exec, events := h.run(def)

	// Re-deliver a's completion right after the original.
	var dup []*types.Event
	for _, evt := range events {
		dup = append(dup, evt.Clone())
		if evt.Type == types.EventTypeTaskCompleted && evt.TaskID == "a" {
			dup = append(dup, evt.Clone())
		}
	}
	for i, evt := range dup {
		evt.Sequence = int64(i + 1)
	}

	replayed, err := eventlog.ReplayEvents(dup)
	require.NoError(t, err)
	assert.Equal(t, exec.Completed, replayed.Completed)
	assert.Equal(t, exec.Attempts, replayed.Attempts)
	assert.Equal(t, exec.Results, replayed.Results)
	assert.Equal(t, exec.Status, replayed.Status)
	assert.Equal(t, debug.RuleSingleCompletion, debug.CheckEvents(dup)[0].Rule)
}

func TestBackendsAgree(t *testing.T) {
	sqlStore, err := eventlog.NewSQLStore(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	normalize := func(events []*types.Event) []string {
		out := describe(events)
		for i, evt := range events[1:] {
			out[i] += " " + string(evt.Payload)
		}
		return out
	}

	def := func(t *testing.T) *types.WorkflowDefinition {
		return mustDefinition(t,
			types.TaskNode{ID: "a", AgentID: "worker", TaskType: "run", Params: map[string]interface{}{"k": "v"}},
			types.TaskNode{ID: "b", AgentID: "worker", TaskType: "run", Dependencies: []string{"a"}},
		)
	}

	mem := newHarness(t, []agent.Agent{echoAgent("worker")})
	sql := newHarness(t, []agent.Agent{echoAgent("worker")}, withStore(sqlStore))

	execMem, eventsMem := mem.run(def(t))
	execSQL, eventsSQL := sql.run(def(t))

	assert.Equal(t, normalize(eventsMem), normalize(eventsSQL))
	assert.Equal(t, execMem.Completed, execSQL.Completed)
	assert.Equal(t, execMem.Results, execSQL.Results)
	sql.assertLiveMatchesReplay(execSQL.WorkflowID)
}

func TestArchiveAfterTerminal(t *testing.T) {
	h := newHarness(t, []agent.Agent{echoAgent("worker")})
	exec, events := h.run(mustDefinition(t, types.TaskNode{ID: "a", AgentID: "worker", TaskType: "run"}))

	archived, err := h.arch.Load(context.Background(), exec.WorkflowID)
	require.NoError(t, err)
	require.Len(t, archived, len(events))
	assert.Equal(t, events[len(events)-1].ID, archived[len(archived)-1].ID)

	insp := debug.NewInspector(h.store, h.arch)
	diff, err := insp.Verify(context.Background(), exec.WorkflowID)
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, []agent.Agent{echoAgent("worker")})
	ctx := context.Background()

	_, err := h.o.ExecuteWorkflow(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	_, err = h.o.ExecuteWorkflow(ctx, &types.WorkflowDefinition{})
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
	assert.ErrorIs(t, err, types.ErrEmptyDefinition)

	cyclic := &types.WorkflowDefinition{Tasks: []types.TaskNode{
		{ID: "a", AgentID: "worker", TaskType: "run", Dependencies: []string{"b"}},
		{ID: "b", AgentID: "worker", TaskType: "run", Dependencies: []string{"a"}},
	}}
	_, err = h.o.ExecuteWorkflow(ctx, cyclic)
	assert.ErrorIs(t, err, types.ErrCycle)

	_, err = h.o.ExecuteWorkflow(ctx, mustDefinition(t, types.TaskNode{ID: "a", AgentID: "ghost", TaskType: "run"}))
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)

	ids, err := h.store.Workflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "rejected definitions leave no log")
}

func TestShutdownRefusesNewWork(t *testing.T) {
	h := newHarness(t, []agent.Agent{echoAgent("worker")})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	_, err := h.o.ExecuteWorkflow(context.Background(), mustDefinition(t, types.TaskNode{ID: "a", AgentID: "worker", TaskType: "run"}))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestBackoffDelay(t *testing.T) {
	exp := BackoffConfig{Policy: BackoffExponential, Base: time.Second, Multiplier: 2, Max: 5 * time.Second}
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 4*time.Second, exp.Delay(3))
	assert.Equal(t, 5*time.Second, exp.Delay(4), "capped")
	assert.Equal(t, time.Second, exp.Delay(0))

	fixed := BackoffConfig{Policy: BackoffFixed, Base: 250 * time.Millisecond}
	assert.Equal(t, 250*time.Millisecond, fixed.Delay(7))

	jittered := DefaultBackoffConfig()
	for i := 0; i < 50; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}

	assert.Error(t, BackoffConfig{Policy: "linear"}.Validate())
	assert.Error(t, BackoffConfig{Policy: BackoffExponential, Multiplier: 0.5}.Validate())
	assert.Error(t, BackoffConfig{Policy: BackoffFixed, Jitter: 1}.Validate())
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLimiter(t *testing.T) {
	l := newLimiter(2, 1)

	assert.True(t, l.tryAcquire("a"))
	assert.False(t, l.tryAcquire("a"), "per-agent limit")
	assert.True(t, l.tryAcquire("b"))
	assert.False(t, l.tryAcquire("c"), "global limit")

	changed := l.wait()
	select {
	case <-changed:
		t.Fatal("no release yet")
	default:
	}

	l.release("a")
	select {
	case <-changed:
	default:
		t.Fatal("release wakes waiters")
	}
	assert.True(t, l.tryAcquire("c"))

	total, byAgent := l.inUse()
	assert.Equal(t, 2, total)
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, byAgent)

	l.release("missing")
	total, _ = l.inUse()
	assert.Equal(t, 2, total)
}
