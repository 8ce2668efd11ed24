package memory

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process context store for local/dev use.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows map[string]UserContext
	now  func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows: make(map[string]UserContext),
		now:  time.Now,
	}
}

func (s *InMemoryStore) Load(_ context.Context, userID string) (UserContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[userID]
	if !ok {
		return UserContext{}, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *InMemoryStore) Save(_ context.Context, uc UserContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[uc.UserID]; ok && existing.Version >= uc.Version {
		return ErrStaleVersion
	}
	s.rows[uc.UserID] = uc.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[userID]; !ok {
		return false, nil
	}
	delete(s.rows, userID)
	return true, nil
}

func (s *InMemoryStore) SweepExpired(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, row := range s.rows {
		if row.LastActivity.Before(cutoff) {
			delete(s.rows, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

func (s *InMemoryStore) Close() error { return nil }
