// Package store — in-memory Store implementation.
// Used when no DATABASE_URL is configured (local dev, tests).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/attune-health/attune/pkg/models"
)

// MemoryStore implements Store with an in-memory map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return &ErrConflict{Key: s.ID}
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Key: id}
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; !exists {
		return &ErrNotFound{Key: s.ID}
	}
	s.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; !exists {
		return &ErrNotFound{Key: id}
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, limit int) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
