// Package memory implements the domain stores in process memory. The
// position mirror is a cache rebuilt from the execution ledger on startup,
// so nothing here survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/leverageguard/internal/domain"
)

// PositionStore implements domain.PositionStore with a map guarded by a
// RWMutex. Stored values are private copies.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates an empty store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]*domain.Position)}
}

func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("memory: position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	p := pos.Clone()
	s.positions[pos.ID] = &p
	return nil
}

func (s *PositionStore) Get(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

// Update runs fn on a copy under the write lock and stores the copy only if
// fn succeeds, so a rejected transition leaves no partial state behind.
func (s *PositionStore) Update(_ context.Context, id string, fn func(*domain.Position) error) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return domain.Position{}, err
	}
	s.positions[id] = &next
	return next.Clone(), nil
}

// ListByStatus returns matching positions ordered by id.
func (s *PositionStore) ListByStatus(_ context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PositionStore) Count(_ context.Context) (map[domain.PositionStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.PositionStatus]int)
	for _, p := range s.positions {
		counts[p.Status]++
	}
	return counts, nil
}
