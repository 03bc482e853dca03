package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string][]*types.Event
	config    *Config
	closed    bool
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		workflows: make(map[string][]*types.Event),
		config:    cfg,
	}
}

func (s *MemoryStore) Append(ctx context.Context, workflowID string, expectedSeq int64, events ...*types.Event) ([]*types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	log := s.workflows[workflowID]
	last := int64(len(log))
	if last != expectedSeq {
		return nil, conflict(workflowID, expectedSeq, last)
	}

	prepared, err := prepare(workflowID, last, s.config.now(), events)
	if err != nil {
		return nil, err
	}
	s.workflows[workflowID] = append(log, prepared...)

	return cloneAll(prepared), nil
}

func (s *MemoryStore) Read(ctx context.Context, workflowID string, fromSequence int64) ([]*types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.workflows[workflowID]
	if fromSequence < 1 {
		fromSequence = 1
	}
	if fromSequence > int64(len(log)) {
		return []*types.Event{}, nil
	}
	// Sequences are dense from 1, so the index is sequence-1.
	return cloneAll(log[fromSequence-1:]), nil
}

func (s *MemoryStore) LastSequence(ctx context.Context, workflowID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.workflows[workflowID])), nil
}

func (s *MemoryStore) Workflows(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, log := range s.workflows {
		total += len(log)
	}
	return map[string]interface{}{
		"adapter":        "memory",
		"healthy":        !s.closed,
		"workflow_count": len(s.workflows),
		"event_count":    total,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
