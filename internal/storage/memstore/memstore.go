// Package memstore keeps pastes in process memory. Data is lost on restart.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"pastebin-lite/internal/storage"
)

// Store implements storage.Store with a mutex-guarded map.
type Store struct {
	mu     sync.RWMutex
	pastes map[string]*storage.Paste
}

// New returns an empty Store.
func New() *Store {
	return &Store{pastes: make(map[string]*storage.Paste)}
}

func (m *Store) Save(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pastes[paste.ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *paste
	cp.CreatedAt = cp.CreatedAt.UTC()
	cp.ExpiresAt = cp.ExpiresAt.UTC()
	m.pastes[paste.ID] = &cp
	return nil
}

func (m *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pastes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Store) IncrementViews(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pastes[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if p.Exhausted() {
		return p.ViewCount, storage.ErrExhausted
	}
	p.ViewCount++
	return p.ViewCount, nil
}

func (m *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, paste := range m.pastes {
		if paste.ExpiresAt.IsZero() {
			continue
		}
		if !paste.ExpiresAt.After(before) {
			delete(m.pastes, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Store) Close() error { return nil }
