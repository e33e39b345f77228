package dispute

import (
	"context"
	"sync"
)

// Store persists dispute aggregates. Update is the single serialization
// point: fn runs against a private copy while the dispute is locked and its
// result is saved only when fn returns nil.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByOrder(ctx context.Context, orderID string) (*Dispute, error)
	Update(ctx context.Context, id string, fn func(d *Dispute) error) (*Dispute, error)
}

// MemoryStore is an in-process Store guarded by a mutex per dispute.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*memEntry
	byOrder map[string]string
}

type memEntry struct {
	mu sync.Mutex
	d  *Dispute
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*memEntry),
		byOrder: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOrder[d.OrderID]; ok {
		return ErrDuplicateOrder
	}
	c := d.Clone()
	c.Version = 1
	s.byID[d.ID] = &memEntry{d: c}
	s.byOrder[d.OrderID] = d.ID
	d.Version = 1
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.d.Clone(), nil
}

func (s *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	s.mu.RLock()
	id, ok := s.byOrder[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(d *Dispute) error) (*Dispute, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := e.d.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.Version = e.d.Version + 1
	e.d = work
	return work.Clone(), nil
}

func (s *MemoryStore) entry(id string) (*memEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}
