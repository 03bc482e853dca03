package definitions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps definitions in process memory.
// Suitable for testing and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]*Definition
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs: make(map[string]*Definition),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create saves a new definition.
func (s *MemoryStore) Create(ctx context.Context, req *CreateRequest) (*Definition, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.defs[id]; exists {
		return nil, ErrDefinitionExists
	}

	def, err := clone(newDefinition(id, req, s.now()))
	if err != nil {
		return nil, err
	}
	s.defs[id] = def
	return clone(def)
}

// Get returns a copy of the stored definition.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return clone(def)
}

// Update modifies an existing definition.
func (s *MemoryStore) Update(ctx context.Context, id string, req *UpdateRequest) (*Definition, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	updated, err := clone(def)
	if err != nil {
		return nil, err
	}
	updated.apply(req, s.now())
	if updated, err = clone(updated); err != nil {
		return nil, err
	}
	s.defs[id] = updated
	return clone(updated)
}

// Delete removes a definition.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return ErrDefinitionNotFound
	}
	delete(s.defs, id)
	return nil
}

// List returns definitions matching opts.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Definition, 0, len(s.defs))
	for _, def := range s.defs {
		c, err := clone(def)
		if err != nil {
			return nil, err
		}
		all = append(all, c)
	}
	return page(all, opts), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
