// Package agent provides the agent contract, the per-agent lifecycle state
// machine, an explicit agent registry, tools and concrete agent variants.
package agent

import (
	"fmt"
	"sync"
	"time"
)

// State is an agent lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// Trigger drives a state transition.
type Trigger string

const (
	TriggerTaskAssigned  Trigger = "task_assigned"
	TriggerTaskCompleted Trigger = "task_completed"
	TriggerTaskFailed    Trigger = "task_failed"
	TriggerRecover       Trigger = "recover"
)

type edge struct {
	from    State
	trigger Trigger
}

var transitions = map[edge]State{
	{StateIdle, TriggerTaskAssigned}:        StateProcessing,
	{StateProcessing, TriggerTaskCompleted}: StateIdle,
	{StateProcessing, TriggerTaskFailed}:    StateError,
	{StateError, TriggerRecover}:            StateIdle,
}

// InvalidTransitionError reports a trigger the current state does not accept.
type InvalidTransitionError struct {
	From    State   `json:"from"`
	Trigger Trigger `json:"trigger"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s does not accept %s", e.From, e.Trigger)
}

// Transition is one recorded Fire call. Rejected triggers keep From == To
// and carry Err.
type Transition struct {
	From    State                   `json:"from"`
	To      State                   `json:"to"`
	Trigger Trigger                 `json:"trigger"`
	At      time.Time               `json:"at"`
	Err     *InvalidTransitionError `json:"error,omitempty"`
}

// DefaultHistoryLimit bounds the transitions a Machine retains.
const DefaultHistoryLimit = 1000

// Machine is a concurrency safe state machine over the fixed lifecycle table.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []Transition
	limit   int
	now     func() time.Time
}

// NewMachine returns a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, limit: DefaultHistoryLimit, now: time.Now}
}

// Fire applies trigger. An invalid trigger leaves the state unchanged and
// is recorded with its error.
func (m *Machine) Fire(trigger Trigger) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr := Transition{From: m.state, To: m.state, Trigger: trigger, At: m.now().UTC()}
	if next, ok := transitions[edge{m.state, trigger}]; ok {
		tr.To = next
		m.state = next
	} else {
		tr.Err = &InvalidTransitionError{From: m.state, Trigger: trigger}
	}

	m.history = append(m.history, tr)
	if m.limit > 0 && len(m.history) > m.limit {
		// Oldest entries are trimmed.
		m.history = append([]Transition(nil), m.history[len(m.history)-m.limit:]...)
	}
	return tr
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
