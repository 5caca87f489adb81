package users

import (
	"context"
	"strings"
	"sync"
)

// MemoryDirectory is an in-memory Directory for development and tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	cp.Email = normalizeEmail(cp.Email)
	if old, ok := d.byID[cp.ID]; ok {
		delete(d.byEmail, old.Email)
	}
	d.byID[cp.ID] = &cp
	if cp.Email != "" {
		d.byEmail[cp.Email] = cp.ID
	}
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryDirectory) Resolve(ctx context.Context, idOrEmail string) (*User, error) {
	if looksLikeEmail(idOrEmail) {
		d.mu.RLock()
		id, ok := d.byEmail[normalizeEmail(idOrEmail)]
		d.mu.RUnlock()
		if !ok {
			return nil, ErrUserNotFound
		}
		return d.Get(ctx, id)
	}
	return d.Get(ctx, idOrEmail)
}

var _ Directory = (*MemoryDirectory)(nil)
