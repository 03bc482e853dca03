package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/agent"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/metrics"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

const archiveTimeout = 30 * time.Second

// attempt is one dispatched task attempt.
type attempt struct {
	node    *types.TaskNode
	number  int
	cancel  context.CancelFunc
	started time.Time
}

type attemptResult struct {
	taskID  string
	attempt int
	result  interface{}
	err     error
}

type progressReport struct {
	taskID  string
	attempt int
	kind    string
	data    interface{}
}

type cancelRequest struct {
	reason string
	reply  chan error
}

// run drives one workflow. Only the loop goroutine touches the fields below
// the channels; the execution state is shared through the handle.
type run struct {
	o       *Orchestrator
	id      string
	ctx     context.Context
	span    trace.Span
	handle  *Handle
	log     *slog.Logger
	resumed bool

	results  chan attemptResult
	progress chan progressReport
	cancels  chan cancelRequest
	stopped  chan struct{}

	inflight   map[string]*attempt
	retryAt    map[string]time.Time
	cancelling bool
	queued     int
}

func newRun(o *Orchestrator, ctx context.Context, span trace.Span, exec *types.WorkflowExecution, resumed bool) *run {
	return &run{
		o:        o,
		id:       exec.WorkflowID,
		ctx:      ctx,
		span:     span,
		handle:   newHandle(exec),
		log:      o.logger.With(slog.String("workflow_id", exec.WorkflowID)),
		resumed:  resumed,
		results:  make(chan attemptResult),
		progress: make(chan progressReport),
		cancels:  make(chan cancelRequest),
		stopped:  make(chan struct{}),
		inflight: make(map[string]*attempt),
		retryAt:  make(map[string]time.Time),
	}
}

// exec returns the live state. Only the loop goroutine may call it; it is
// the only writer, so reads need no lock.
func (r *run) exec() *types.WorkflowExecution { return r.handle.exec }

func (r *run) loop() {
	err := r.drive()
	r.shutdown(err)
}

func (r *run) drive() error {
	if r.resumed {
		// A gate rejection whose workflow_failed never made it to the log.
		if rejected := r.exec().Rejected; len(rejected) > 0 && r.o.cfg.EmitLifecycle {
			ids := make([]string, 0, len(rejected))
			for id := range rejected {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return r.fail(fmt.Sprintf("task %s rejected: %s", ids[0], rejected[ids[0]]))
		}
		if err := r.interruptInFlight(); err != nil {
			return err
		}
	}

	for {
		if r.exec().Status.IsTerminal() {
			return nil
		}

		// Taken before scheduling so a release in between is not missed.
		slotFreed := r.o.limiter.wait()

		waiting, err := r.schedule()
		if err != nil {
			return err
		}
		if r.exec().Status.IsTerminal() {
			return nil
		}
		if len(r.inflight) == 0 && len(r.retryAt) == 0 && !waiting {
			return r.settle()
		}

		var (
			timer   *time.Timer
			retryCh <-chan time.Time
			slotCh  <-chan struct{}
		)
		if next, ok := r.nextRetry(); ok {
			timer = time.NewTimer(next.Sub(r.o.now()))
			retryCh = timer.C
		}
		if waiting {
			slotCh = slotFreed
		}

		select {
		case res := <-r.results:
			err = r.onResult(res)
		case p := <-r.progress:
			err = r.onProgress(p)
		case req := <-r.cancels:
			err = r.onCancel(req)
		case <-retryCh:
		case <-slotCh:
		case <-r.ctx.Done():
			err = fmt.Errorf("%w: %s left running", ErrShutdown, r.id)
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return err
		}
	}
}

// schedule gates and dispatches every ready task a slot is available for.
// It reports whether a ready task is waiting on the limiter.
func (r *run) schedule() (bool, error) {
	if r.cancelling {
		return false, nil
	}

	now := r.o.now()
	waiting := false
	queued := 0
	for _, node := range r.exec().Ready() {
		if at, ok := r.retryAt[node.ID]; ok {
			if now.Before(at) {
				continue
			}
			delete(r.retryAt, node.ID)
		}
		if !r.o.limiter.tryAcquire(node.AgentID) {
			waiting = true
			queued++
			continue
		}

		outcome := r.o.check(r.ctx, r.id, node)
		if !outcome.Accepted() {
			r.o.limiter.release(node.AgentID)
			if err := r.reject(node, outcome); err != nil {
				return false, err
			}
			if r.o.cfg.EmitLifecycle {
				return false, r.fail(fmt.Sprintf("task %s rejected: %s", node.ID, outcome.Reason))
			}
			continue
		}

		if err := r.dispatch(node); err != nil {
			r.o.limiter.release(node.AgentID)
			return false, err
		}
	}

	metrics.ReadyQueueDepth.Add(float64(queued - r.queued))
	r.queued = queued
	return waiting, nil
}

func (r *run) nextRetry() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, at := range r.retryAt {
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

// settle ends a loop with nothing in flight and nothing left to dispatch.
func (r *run) settle() error {
	exec := r.exec()
	if exec.AllCompleted() {
		evt, err := types.NewEvent(types.EventTypeWorkflowCompleted, r.id, nil)
		if err != nil {
			return err
		}
		if err := r.append(evt); err != nil {
			return err
		}
		r.log.Info("workflow completed", slog.Int("tasks", len(exec.Completed)))
		return nil
	}

	reason := failureReason(exec)
	if r.o.cfg.EmitLifecycle {
		return r.fail(reason)
	}
	r.log.Warn("workflow blocked",
		slog.String("reason", reason),
		slog.Any("failed", exec.FailedIDs()),
		slog.Any("blocked", exec.Blocked()),
	)
	return nil
}

func failureReason(exec *types.WorkflowExecution) string {
	failed := exec.FailedIDs()
	if len(failed) == 0 {
		return "no task can make progress"
	}
	reason := fmt.Sprintf("tasks failed: %s", strings.Join(failed, ", "))
	if blocked := exec.Blocked(); len(blocked) > 0 {
		reason += fmt.Sprintf("; blocked: %s", strings.Join(blocked, ", "))
	}
	return reason
}

// fail appends workflow_failed and abandons in-flight attempts.
func (r *run) fail(reason string) error {
	r.abandon()
	evt, err := types.NewEvent(types.EventTypeWorkflowFailed, r.id, types.WorkflowFailedPayload{Reason: reason})
	if err != nil {
		return err
	}
	if err := r.append(evt); err != nil {
		return err
	}
	r.log.Warn("workflow failed", slog.String("reason", reason))
	return nil
}

// abandon signals every in-flight attempt; their results are discarded.
func (r *run) abandon() {
	r.cancelling = true
	for _, a := range r.inflight {
		a.cancel()
		metrics.TasksTotal.WithLabelValues("discarded").Inc()
	}
	clear(r.inflight)
	clear(r.retryAt)
}

func (r *run) reject(node *types.TaskNode, outcome policy.Outcome) error {
	evt, err := outcome.Event(r.id, node)
	if err != nil {
		return err
	}
	if err := r.append(evt); err != nil {
		return err
	}
	kind := "validation"
	if outcome.Kind == policy.OutcomePolicyDenied {
		kind = "policy_denied"
	}
	metrics.GateRejections.WithLabelValues(kind).Inc()
	r.log.Warn("task rejected by gate",
		slog.String("task_id", node.ID),
		slog.String("agent_id", node.AgentID),
		slog.String("kind", kind),
		slog.String("reason", outcome.Reason),
	)
	return nil
}

func (r *run) dispatch(node *types.TaskNode) error {
	number := r.exec().Attempts[node.ID] + 1

	evt, err := types.NewEvent(types.EventTypeTaskAssigned, r.id, types.TaskAssignedPayload{
		Attempt:  number,
		TaskType: node.TaskType,
	})
	if err != nil {
		return err
	}
	evt.TaskID = node.ID
	evt.AgentID = node.AgentID
	evt.Attempt = number
	if err := r.append(evt); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	a := &attempt{node: node, number: number, cancel: cancel, started: r.o.now()}
	r.inflight[node.ID] = a

	r.log.Info("task assigned",
		slog.String("task_id", node.ID),
		slog.String("agent_id", node.AgentID),
		slog.Int("attempt", number),
	)

	go r.execute(ctx, a)
	return nil
}

// execute runs one attempt outside the loop. A timeout or cancellation is
// reported to the loop at once, but the slot stays held until the agent call
// actually returns.
func (r *run) execute(ctx context.Context, a *attempt) {
	defer a.cancel()
	node := a.node

	ctx, span := r.o.tracer.Start(ctx, "task.attempt",
		trace.WithAttributes(
			attribute.String("workflow.id", r.id),
			attribute.String("task.id", node.ID),
			attribute.String("agent.id", node.AgentID),
			attribute.String("task.type", node.TaskType),
			attribute.Int("task.attempt", a.number),
		),
	)
	defer span.End()

	if timeout := r.o.timeout(node); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = agent.WithProgress(ctx, agent.ReporterFunc(func(kind string, data interface{}) {
		select {
		case r.progress <- progressReport{taskID: node.ID, attempt: a.number, kind: kind, data: data}:
		case <-ctx.Done():
		case <-r.stopped:
		}
	}))

	res := attemptResult{taskID: node.ID, attempt: a.number}
	res.result, res.err = r.perform(ctx, node, a.number, func() { r.o.limiter.release(node.AgentID) })

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}

	select {
	case r.results <- res:
	case <-r.stopped:
	}
}

// perform calls the agent and returns when it answers or ctx ends. release
// runs once the agent call itself has returned.
func (r *run) perform(ctx context.Context, node *types.TaskNode, number int, release func()) (interface{}, error) {
	ag, err := r.o.agents.Get(node.AgentID)
	if err != nil {
		release()
		return nil, types.NewExecutionError(err.Error(), err)
	}

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	params := maps.Clone(node.Params)
	go func() {
		result, err := ag.PerformTask(ctx, node.TaskType, params)
		release()
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewTimeoutError(fmt.Sprintf("task %s attempt %d exceeded %s", node.ID, number, r.o.timeout(node)))
		}
		return nil, types.NewExecutionError("attempt cancelled", ctx.Err())
	}
}

func (r *run) onProgress(p progressReport) error {
	a, ok := r.inflight[p.taskID]
	if !ok || a.number != p.attempt || r.cancelling {
		return nil
	}
	data, err := encodeResult(p.data)
	if err != nil {
		r.log.Warn("dropping progress", slog.String("task_id", p.taskID), slog.String("error", err.Error()))
		return nil
	}
	evt, err := types.NewEvent(types.EventTypeTaskProgress, r.id, types.TaskProgressPayload{Kind: p.kind, Data: data})
	if err != nil {
		return err
	}
	evt.TaskID = p.taskID
	evt.AgentID = a.node.AgentID
	evt.Attempt = p.attempt
	return r.append(evt)
}

func (r *run) onResult(res attemptResult) error {
	if r.ctx.Err() != nil {
		return fmt.Errorf("%w: %s left running", ErrShutdown, r.id)
	}
	a, ok := r.inflight[res.taskID]
	if !ok || a.number != res.attempt {
		// Abandoned or superseded.
		return nil
	}
	delete(r.inflight, res.taskID)
	elapsed := r.o.now().Sub(a.started).Seconds()

	if res.err == nil {
		raw, err := encodeResult(res.result)
		if err != nil {
			res.err = types.NewExecutionError("encode result", err)
		} else {
			metrics.TaskDuration.WithLabelValues("completed").Observe(elapsed)
			return r.complete(a, raw)
		}
	}

	te := types.AsTaskError(res.err)
	outcome := "failed"
	if te.Kind == types.ErrorKindTimeout {
		outcome = "timeout"
	}
	metrics.TaskDuration.WithLabelValues(outcome).Observe(elapsed)
	return r.failAttempt(a.node, a.number, te)
}

func (r *run) complete(a *attempt, result json.RawMessage) error {
	evt, err := types.NewEvent(types.EventTypeTaskCompleted, r.id, types.TaskCompletedPayload{
		Attempt: a.number,
		Result:  result,
	})
	if err != nil {
		return err
	}
	evt.TaskID = a.node.ID
	evt.AgentID = a.node.AgentID
	evt.Attempt = a.number
	if err := r.append(evt); err != nil {
		return err
	}

	metrics.TasksTotal.WithLabelValues("completed").Inc()
	metrics.TaskAttempts.WithLabelValues("completed").Observe(float64(a.number))
	r.log.Info("task completed",
		slog.String("task_id", a.node.ID),
		slog.Int("attempt", a.number),
	)
	return nil
}

// failAttempt records a failed attempt and schedules the retry when
// attempts remain.
func (r *run) failAttempt(node *types.TaskNode, number int, te *types.TaskError) error {
	max := r.o.maxAttempts(node)
	terminal := !te.Retryable() || number >= max

	evt, err := types.NewEvent(types.EventTypeTaskFailed, r.id, types.TaskFailedPayload{
		Attempt:  number,
		Error:    te.Info(),
		Terminal: terminal,
	})
	if err != nil {
		return err
	}
	evt.TaskID = node.ID
	evt.AgentID = node.AgentID
	evt.Attempt = number
	if err := r.append(evt); err != nil {
		return err
	}

	outcome := "failed"
	if te.Kind == types.ErrorKindTimeout {
		outcome = "timeout"
	}
	metrics.TasksTotal.WithLabelValues(outcome).Inc()

	log := r.log.With(
		slog.String("task_id", node.ID),
		slog.Int("attempt", number),
		slog.String("kind", string(te.Kind)),
		slog.String("error", te.Error()),
	)
	if terminal {
		metrics.TaskAttempts.WithLabelValues("failed").Observe(float64(number))
		log.Warn("task failed", slog.Int("max_attempts", max))
		return nil
	}

	delay := r.o.cfg.Backoff.Delay(number)
	r.retryAt[node.ID] = r.o.now().Add(delay)
	log.Info("task retry scheduled", slog.Duration("backoff", delay))
	return nil
}

func (r *run) onCancel(req cancelRequest) error {
	if r.exec().Status.IsTerminal() {
		req.reply <- fmt.Errorf("%w: %s is %s", ErrWorkflowTerminal, r.id, r.exec().Status)
		return nil
	}

	r.abandon()
	evt, err := types.NewEvent(types.EventTypeWorkflowCancelled, r.id, types.WorkflowCancelledPayload{Reason: req.reason})
	if err == nil {
		err = r.append(evt)
	}
	req.reply <- err
	if err != nil {
		return err
	}
	r.log.Info("workflow cancelled", slog.String("reason", req.reason), slog.Bool("live", true))
	return nil
}

// interruptInFlight fails the attempts a previous driver left running.
func (r *run) interruptInFlight() error {
	exec := r.exec()
	ids := make([]string, 0, len(exec.InFlight))
	for id := range exec.InFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node, ok := exec.Definition.Task(id)
		if !ok {
			continue
		}
		number := exec.InFlight[id]
		r.log.Warn("attempt interrupted", slog.String("task_id", id), slog.Int("attempt", number))
		if err := r.failAttempt(node, number, types.NewExecutionError("attempt interrupted", nil)); err != nil {
			return err
		}
		// Resume retries right away; the backoff timer is not persisted.
		delete(r.retryAt, id)
	}
	return nil
}

// append commits events, folds them into the state and publishes them.
func (r *run) append(events ...*types.Event) error {
	exec := r.exec()
	for _, evt := range events {
		evt.TraceID = exec.TraceID
	}

	stored, err := r.o.store.Append(r.ctx, r.id, exec.LastSequence, events...)
	if err != nil {
		if errors.Is(err, eventlog.ErrConcurrency) {
			r.log.Error("workflow log written by another driver", slog.String("error", err.Error()))
		}
		return fmt.Errorf("append %s: %w", events[0].Type, err)
	}
	for _, evt := range stored {
		if err := r.handle.apply(evt); err != nil {
			return err
		}
		if r.o.observe != nil {
			r.o.observe(evt, exec.Clone())
		}
	}
	if r.o.bus != nil {
		r.o.bus.Publish(stored...)
	}
	return nil
}

func (r *run) shutdown(err error) {
	close(r.stopped)
	for _, a := range r.inflight {
		a.cancel()
	}
	r.o.forget(r)

	metrics.ReadyQueueDepth.Sub(float64(r.queued))
	metrics.WorkflowsActive.Dec()

	exec := r.handle.Snapshot()
	if exec.Status.IsTerminal() {
		metrics.WorkflowsTotal.WithLabelValues(string(exec.Status)).Inc()
		if exec.StartedAt != nil && exec.FinishedAt != nil {
			metrics.WorkflowDuration.WithLabelValues(string(exec.Status)).Observe(exec.FinishedAt.Sub(*exec.StartedAt).Seconds())
		}
		r.archive()
	}

	r.span.SetAttributes(attribute.String("workflow.status", string(exec.Status)))
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
		r.log.Error("workflow loop stopped", slog.String("error", err.Error()), slog.String("status", string(exec.Status)))
	} else if exec.Status == types.WorkflowStatusFailed {
		r.span.SetStatus(codes.Error, exec.Reason)
	}
	r.span.End()

	r.handle.finish(err)
}

func (r *run) archive() {
	if r.o.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), archiveTimeout)
	defer cancel()

	events, err := r.o.store.Read(ctx, r.id, 0)
	if err == nil {
		_, err = r.o.archiver.Archive(ctx, r.id, events)
	}
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("error").Inc()
		r.log.Error("archive workflow log", slog.String("error", err.Error()))
		return
	}
	metrics.ArchiveOperations.WithLabelValues("success").Inc()
	r.log.Info("workflow log archived", slog.Int("events", len(events)))
}

// encodeResult renders an agent result for the event payload.
func encodeResult(v interface{}) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		if !json.Valid(val) {
			return nil, fmt.Errorf("result is not valid JSON")
		}
		return append(json.RawMessage(nil), val...), nil
	default:
		return json.Marshal(v)
	}
}
