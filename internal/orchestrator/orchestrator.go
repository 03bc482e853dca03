// Package orchestrator drives workflow DAGs over the event log: ready-set
// scheduling, the policy gate, dispatch with timeouts, retries with backoff,
// cancellation and resume by replay.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/agent"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/metrics"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/tracing"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Common errors returned by the orchestrator.
var (
	ErrWorkflowTerminal = errors.New("workflow already finished")
	ErrInvalidWorkflow  = errors.New("invalid workflow definition")
	ErrShutdown         = errors.New("orchestrator shut down")
)

// Orchestrator runs workflows. Each workflow live in this process is driven
// by one goroutine, the only writer of its log and state.
type Orchestrator struct {
	store    eventlog.Store
	agents   *agent.Registry
	gate     *policy.Gate
	cfg      *Config
	bus      *eventlog.Bus
	archiver archive.Archiver
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
	limiter  *limiter

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup

	// observe sees a copy of the state after every event a loop applies.
	observe func(evt *types.Event, state *types.WorkflowExecution)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBus publishes every committed event to bus.
func WithBus(bus *eventlog.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithArchiver archives the log of every workflow that reaches a terminal
// status.
func WithArchiver(a archive.Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithTracer sets the tracer for workflow and attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock replaces time.Now for retry scheduling and durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an orchestrator. A nil gate accepts every task.
func New(store eventlog.Store, agents *agent.Registry, gate *policy.Gate, cfg *Config, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &Orchestrator{
		store:   store,
		agents:  agents,
		gate:    gate,
		cfg:     cfg,
		tracer:  otel.Tracer(tracing.InstrumentationName),
		logger:  slog.Default(),
		now:     time.Now,
		limiter: newLimiter(cfg.MaxParallelism, cfg.PerAgentConcurrency),
		runs:    make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseCtx, o.stop = context.WithCancel(context.Background())
	return o
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config { return *o.cfg }

// Store returns the event store.
func (o *Orchestrator) Store() eventlog.Store { return o.store }

// Agents returns the agent registry.
func (o *Orchestrator) Agents() *agent.Registry { return o.agents }

// ExecuteWorkflow validates def, records workflow_started and starts driving
// the workflow. It returns the new workflow id.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, def *types.WorkflowDefinition) (string, error) {
	h, err := o.Submit(ctx, def)
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}

// Submit is ExecuteWorkflow returning the handle of the new workflow.
func (o *Orchestrator) Submit(ctx context.Context, def *types.WorkflowDefinition) (*Handle, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is required", ErrInvalidWorkflow)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}
	for _, t := range def.Tasks {
		if _, err := o.agents.Get(t.AgentID); err != nil {
			return nil, fmt.Errorf("%w: task %q: %w", ErrInvalidWorkflow, t.ID, err)
		}
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	id := uuid.NewString()
	spanCtx, span := o.tracer.Start(o.baseCtx, "workflow",
		trace.WithAttributes(
			attribute.String("workflow.id", id),
			attribute.String("workflow.name", def.Name),
			attribute.Int("workflow.tasks", len(def.Tasks)),
		),
	)
	traceID := tracing.TraceID(spanCtx)

	evt, err := types.NewEvent(types.EventTypeWorkflowStarted, id, types.WorkflowStartedPayload{
		Definition: def,
		TraceID:    traceID,
		Metadata:   def.Metadata,
	})
	if err != nil {
		span.End()
		return nil, err
	}
	evt.TraceID = traceID

	stored, err := o.store.Append(ctx, id, 0, evt)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("record workflow start: %w", err)
	}

	exec := types.NewWorkflowExecution(id)
	for _, e := range stored {
		if err := exec.Apply(e); err != nil {
			span.End()
			return nil, err
		}
	}
	if o.bus != nil {
		o.bus.Publish(stored...)
	}

	o.logger.Info("workflow started",
		slog.String("workflow_id", id),
		slog.String("name", def.Name),
		slog.Int("tasks", len(def.Tasks)),
		slog.String("trace_id", traceID),
	)

	return o.start(spanCtx, span, exec, false)
}

// Handle returns the handle of a workflow live in this process.
func (o *Orchestrator) Handle(workflowID string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[workflowID]
	if !ok {
		return nil, false
	}
	return r.handle, true
}

// Live returns the ids of workflows driven by this process.
func (o *Orchestrator) Live() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// ResumeWorkflow continues a workflow from its log alone. Attempts that were
// in flight when the previous driver stopped are recorded as interrupted
// failures before scheduling continues.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, workflowID string) (*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.runs[workflowID]; ok {
		return r.handle, nil
	}
	if o.closed {
		return nil, ErrShutdown
	}

	exec, err := eventlog.Replay(ctx, o.store, workflowID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return doneHandle(exec), nil
	}

	spanCtx, span := o.tracer.Start(o.baseCtx, "workflow.resume",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.trace_id", exec.TraceID),
			attribute.Int64("workflow.last_sequence", exec.LastSequence),
		),
	)

	o.logger.Info("workflow resumed",
		slog.String("workflow_id", workflowID),
		slog.Int64("last_sequence", exec.LastSequence),
		slog.Int("completed", len(exec.Completed)),
		slog.Int("in_flight", len(exec.InFlight)),
	)
	return o.startLocked(spanCtx, span, exec, true), nil
}

// CancelWorkflow stops a workflow with reason. Running attempts are
// signalled and their results discarded.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	for {
		o.mu.Lock()
		r, live := o.runs[workflowID]
		if !live {
			// Holding the lock keeps a concurrent resume from racing the append.
			err := o.cancelStored(ctx, workflowID, reason)
			o.mu.Unlock()
			return err
		}
		o.mu.Unlock()

		req := cancelRequest{reason: reason, reply: make(chan error, 1)}
		select {
		case r.cancels <- req:
			select {
			case err := <-req.reply:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-r.stopped:
			// The loop ended first; look again.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) cancelStored(ctx context.Context, workflowID, reason string) error {
	exec, err := eventlog.Replay(ctx, o.store, workflowID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrWorkflowTerminal, workflowID, exec.Status)
	}

	evt, err := types.NewEvent(types.EventTypeWorkflowCancelled, workflowID, types.WorkflowCancelledPayload{Reason: reason})
	if err != nil {
		return err
	}
	evt.TraceID = exec.TraceID
	stored, err := o.store.Append(ctx, workflowID, exec.LastSequence, evt)
	if err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}
	if o.bus != nil {
		o.bus.Publish(stored...)
	}
	metrics.WorkflowsTotal.WithLabelValues(string(types.WorkflowStatusCancelled)).Inc()
	o.logger.Info("workflow cancelled",
		slog.String("workflow_id", workflowID),
		slog.String("reason", reason),
		slog.Bool("live", false),
	)
	return nil
}

// Shutdown stops every loop and waits for them to exit. Interrupted
// workflows can be resumed later.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Limits reports slots in use, globally and per agent.
func (o *Orchestrator) Limits() (int, map[string]int) {
	return o.limiter.inUse()
}

func (o *Orchestrator) start(ctx context.Context, span trace.Span, exec *types.WorkflowExecution, resumed bool) (*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		span.End()
		return nil, ErrShutdown
	}
	return o.startLocked(ctx, span, exec, resumed), nil
}

func (o *Orchestrator) startLocked(ctx context.Context, span trace.Span, exec *types.WorkflowExecution, resumed bool) *Handle {
	r := newRun(o, ctx, span, exec, resumed)
	o.runs[exec.WorkflowID] = r
	o.wg.Add(1)
	metrics.WorkflowsActive.Inc()
	go func() {
		defer o.wg.Done()
		r.loop()
	}()
	return r.handle
}

func (o *Orchestrator) forget(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[r.id] == r {
		delete(o.runs, r.id)
	}
}

func (o *Orchestrator) maxAttempts(node *types.TaskNode) int {
	if node.MaxAttempts > 0 {
		return node.MaxAttempts
	}
	return o.cfg.DefaultMaxAttempts
}

func (o *Orchestrator) timeout(node *types.TaskNode) time.Duration {
	if node.TimeoutSeconds > 0 {
		return time.Duration(node.TimeoutSeconds * float64(time.Second))
	}
	return o.cfg.DefaultTimeout
}

func (o *Orchestrator) check(ctx context.Context, workflowID string, node *types.TaskNode) policy.Outcome {
	if o.gate == nil {
		return policy.Outcome{Kind: policy.OutcomeAccepted}
	}
	return o.gate.Check(ctx, workflowID, node)
}
