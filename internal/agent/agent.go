package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Agent performs tasks of one or more task types.
type Agent interface {
	// ID returns the identifier tasks reference in agent_id.
	ID() string

	// PerformTask runs one task attempt. Failures are returned as
	// *types.TaskError values or arbitrary errors, which are classified.
	PerformTask(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error)

	// State returns the lifecycle state.
	State() State
}

// Handler is the capability an agent wraps.
type Handler interface {
	Handle(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
	return f(ctx, taskType, params)
}

// Runtime drives a Handler through the lifecycle machine. Concurrent
// attempts share one machine: it enters processing on the first attempt
// and returns to idle when the last one completes.
type Runtime struct {
	id          string
	handler     Handler
	fsm         *Machine
	autoRecover bool
	logger      *slog.Logger

	mu       sync.Mutex
	inFlight int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithAutoRecover controls whether a failure immediately fires recover.
func WithAutoRecover(on bool) Option {
	return func(r *Runtime) { r.autoRecover = on }
}

// WithLogger sets the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRuntime wraps handler as agent id.
func NewRuntime(id string, handler Handler, opts ...Option) *Runtime {
	r := &Runtime{
		id:          id,
		handler:     handler,
		fsm:         NewMachine(),
		autoRecover: true,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("agent_id", id))
	return r
}

func (r *Runtime) ID() string { return r.id }

func (r *Runtime) State() State { return r.fsm.State() }

// Machine exposes the lifecycle machine for inspection.
func (r *Runtime) Machine() *Machine { return r.fsm }

// Recover fires the recover trigger, for agents running without
// AutoRecover.
func (r *Runtime) Recover() Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fsm.Fire(TriggerRecover)
}

// PerformTask runs the handler under the lifecycle machine.
func (r *Runtime) PerformTask(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}

	result, err := r.invoke(ctx, taskType, params)

	r.finish(err)
	if err != nil {
		return nil, types.AsTaskError(err)
	}
	return result, nil
}

func (r *Runtime) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight == 0 {
		if tr := r.fsm.Fire(TriggerTaskAssigned); tr.Err != nil {
			r.logger.Warn("assignment refused", slog.String("state", string(tr.From)))
			return types.NewInvalidTransitionError(tr.Err.Error())
		}
	}
	r.inFlight++
	return nil
}

func (r *Runtime) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inFlight--
	if err == nil {
		if r.inFlight == 0 {
			r.fsm.Fire(TriggerTaskCompleted)
		}
		return
	}

	r.fsm.Fire(TriggerTaskFailed)
	if !r.autoRecover {
		return
	}
	r.fsm.Fire(TriggerRecover)
	if r.inFlight > 0 {
		// Other attempts are still running.
		r.fsm.Fire(TriggerTaskAssigned)
	}
}

// invoke calls the handler, converting a panic into an execution failure.
func (r *Runtime) invoke(ctx context.Context, taskType string, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("agent panic",
				slog.String("task_type", taskType),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = types.NewExecutionError(fmt.Sprintf("agent panic: %v", p), nil)
		}
	}()
	return r.handler.Handle(ctx, taskType, params)
}

var _ Agent = (*Runtime)(nil)
