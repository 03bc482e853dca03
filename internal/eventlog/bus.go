package eventlog

import (
	"sync"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Bus fans committed events out to in-process subscribers. Publish never
// blocks: each subscriber owns an unbounded queue drained by its own
// goroutine, so a slow consumer only delays itself.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events for one workflow, or all workflows when the
// filter is empty.
type Subscription struct {
	bus        *Bus
	workflowID string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*types.Event
	closed bool

	out  chan *types.Event
	done chan struct{}
	once sync.Once
}

// Subscribe registers a subscriber. Events published before the call are
// not delivered; callers catch up from the Store first.
func (b *Bus) Subscribe(workflowID string) *Subscription {
	s := &Subscription{
		bus:        b,
		workflowID: workflowID,
		out:        make(chan *types.Event),
		done:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closed = true
		close(s.done)
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s
}

// Publish enqueues events for every matching subscriber, preserving order.
func (b *Bus) Publish(events ...*types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		for _, evt := range events {
			if s.workflowID == "" || s.workflowID == evt.WorkflowID {
				s.push(evt.Clone())
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan *types.Event { return s.out }

// Close stops delivery and releases the subscription. Queued events are
// dropped.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) push(evt *types.Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, evt)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}
