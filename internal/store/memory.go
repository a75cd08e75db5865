package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemoryRunStore implements RunStore for tests and one-shot runs.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

// NewInMemoryRunStore creates an empty store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]Run)}
}

func (s *InMemoryRunStore) RecordRun(ctx context.Context, r Run) (string, error) {
	prepareRun(&r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return "", fmt.Errorf("run %s already recorded", r.ID)
	}
	s.runs[r.ID] = r
	return r.ID, nil
}

func (s *InMemoryRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []Run
	for _, r := range s.runs {
		if filter.matches(r) {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *InMemoryRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return &r, nil
}

func (s *InMemoryRunStore) Close() error { return nil }
