package orchestrator

import (
	"sync"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/metrics"
)

// limiter bounds concurrent attempts globally and per agent. Acquire never
// blocks; waiters watch changed() and retry after any release.
type limiter struct {
	mu       sync.Mutex
	global   int
	perAgent int
	total    int
	byAgent  map[string]int
	changed  chan struct{}
}

func newLimiter(global, perAgent int) *limiter {
	return &limiter{
		global:   global,
		perAgent: perAgent,
		byAgent:  make(map[string]int),
		changed:  make(chan struct{}),
	}
}

func (l *limiter) tryAcquire(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global > 0 && l.total >= l.global {
		return false
	}
	if l.perAgent > 0 && l.byAgent[agentID] >= l.perAgent {
		return false
	}
	l.total++
	l.byAgent[agentID]++
	metrics.AgentDispatchesInFlight.WithLabelValues(agentID).Inc()
	return true
}

func (l *limiter) release(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.byAgent[agentID] == 0 {
		return
	}
	l.total--
	l.byAgent[agentID]--
	if l.byAgent[agentID] == 0 {
		delete(l.byAgent, agentID)
	}
	metrics.AgentDispatchesInFlight.WithLabelValues(agentID).Dec()

	// Wake every waiter.
	close(l.changed)
	l.changed = make(chan struct{})
}

// wait returns a channel closed at the next release. Take it before
// trying to acquire so no release is missed.
func (l *limiter) wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

func (l *limiter) inUse() (int, map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.byAgent))
	for k, v := range l.byAgent {
		out[k] = v
	}
	return l.total, out
}
