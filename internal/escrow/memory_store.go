package escrow

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bchescrow/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	escrows    map[string]*Escrow
	refs       map[string]string
	addresses  map[string]string
	activities map[string][]*Activity
	nextActID  int64

	// pending has its own lock; it is written from inside Mutate.
	pmu     sync.Mutex
	pending map[string]*PendingPayout
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		refs:       make(map[string]string),
		addresses:  make(map[string]string),
		activities: make(map[string][]*Activity),
		pending:    make(map[string]*PendingPayout),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow, act *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.refs[e.EscrowID]; ok {
		return ErrConflict
	}
	if e.Address != "" {
		if _, ok := m.addresses[e.Address]; ok {
			return ErrAddressInUse
		}
		m.addresses[e.Address] = e.ID
	}
	m.escrows[e.ID] = e.clone()
	m.refs[e.EscrowID] = e.ID
	if act != nil {
		m.appendActivity(act)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.lookup(key)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) lookup(key string) (*Escrow, bool) {
	if e, ok := m.escrows[key]; ok {
		return e, true
	}
	if id, ok := m.refs[key]; ok {
		e, ok := m.escrows[id]
		return e, ok
	}
	return nil, false
}

// Mutate runs fn on a copy without holding the store lock, then writes the
// copy back only if the stored status is still the one fn saw.
func (m *MemoryStore) Mutate(_ context.Context, id string, fn MutateFunc) (*Escrow, error) {
	m.mu.RLock()
	stored, ok := m.escrows[id]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrEscrowNotFound
	}
	work := stored.clone()
	m.mu.RUnlock()

	seen := work.Status
	act, err := fn(work)
	if err != nil {
		return nil, err
	}
	if act == nil {
		return work, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.escrows[id].Status != seen {
		return nil, ErrConflict
	}
	if work.Address != "" {
		if owner, taken := m.addresses[work.Address]; taken && owner != id {
			return nil, ErrAddressInUse
		}
		m.addresses[work.Address] = id
	}
	m.escrows[id] = work.clone()
	m.appendActivity(act)
	return work, nil
}

func (m *MemoryStore) appendActivity(act *Activity) {
	m.nextActID++
	cp := *act
	cp.ID = m.nextActID
	m.activities[act.EscrowID] = append(m.activities[act.EscrowID], &cp)
}

func (m *MemoryStore) FindByAddress(_ context.Context, address string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.addresses[address]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.escrows[id].clone(), nil
}

func (m *MemoryStore) ListByParty(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID != userID && e.SellerID != userID {
			continue
		}
		if after != nil && !olderThan(e, after) {
			continue
		}
		result = append(result, e.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func olderThan(e *Escrow, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[Status]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses[s] = true
	}

	var result []*Escrow
	for _, e := range m.escrows {
		if len(statuses) > 0 && !statuses[e.Status] {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !e.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		if !f.ExpiresBefore.IsZero() && !e.ExpiresAt.Before(f.ExpiresBefore) {
			continue
		}
		if !f.ExpiresAfter.IsZero() && !e.ExpiresAt.After(f.ExpiresAfter) {
			continue
		}
		result = append(result, e.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Activities(_ context.Context, id string) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.escrows[id]; !ok {
		return nil, ErrEscrowNotFound
	}
	src := m.activities[id]
	out := make([]*Activity, len(src))
	for i, a := range src {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) SavePendingPayout(_ context.Context, p *PendingPayout) error {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	m.pending[p.EscrowID] = copyPending(p)
	return nil
}

func (m *MemoryStore) PendingPayout(_ context.Context, escrowID string) (*PendingPayout, error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	p, ok := m.pending[escrowID]
	if !ok {
		return nil, nil
	}
	return copyPending(p), nil
}

func (m *MemoryStore) ClearPendingPayout(_ context.Context, escrowID string) error {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	delete(m.pending, escrowID)
	return nil
}

func (m *MemoryStore) ListPendingPayouts(_ context.Context, createdBefore time.Time, limit int) ([]*PendingPayout, error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	var result []*PendingPayout
	for _, p := range m.pending {
		if p.CreatedAt.Before(createdBefore) {
			result = append(result, copyPending(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyPending(p *PendingPayout) *PendingPayout {
	cp := *p
	cp.Metadata = maps.Clone(p.Metadata)
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
