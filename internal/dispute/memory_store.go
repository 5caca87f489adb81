package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	disputes  map[string]*Dispute
	nextEvtID int64
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; ok {
		return ErrAlreadyOpen
	}
	for _, other := range m.disputes {
		if other.EscrowID == d.EscrowID && other.Status == StatusOpen {
			return ErrAlreadyOpen
		}
	}
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.EscrowID == escrowID {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) AddEvidence(_ context.Context, ev *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[ev.DisputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		return ErrDisputeNotOpen
	}
	m.nextEvtID++
	ev.ID = m.nextEvtID
	d.Evidence = append(d.Evidence, *ev)
	d.UpdatedAt = ev.CreatedAt
	return nil
}

func (m *MemoryStore) Close(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if stored.Status != StatusOpen {
		return ErrDisputeNotOpen
	}
	closed := d.clone()
	closed.Evidence = stored.Evidence
	m.disputes[d.ID] = closed
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
