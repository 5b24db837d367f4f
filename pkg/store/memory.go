package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"covenant/pkg/chain"
)

// Memory is an in-memory covenant store, safe for concurrent use.
// It backs tests and the CLI; covenantd uses Postgres.
type Memory struct {
	mu   sync.RWMutex
	data map[string]*chain.Covenant
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]*chain.Covenant)}
}

// Put stores a copy of the covenant so the caller's value is not
// retained.
func (s *Memory) Put(_ context.Context, cov *chain.Covenant) error {
	if cov == nil || cov.ID == "" {
		return fmt.Errorf("covenant id required")
	}
	copied := copyCovenant(cov)
	s.mu.Lock()
	s.data[cov.ID] = copied
	s.mu.Unlock()
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (*chain.Covenant, error) {
	s.mu.RLock()
	cov, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return copyCovenant(cov), nil
}

func (s *Memory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

func (s *Memory) List(_ context.Context, limit int) ([]*chain.Covenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*chain.Covenant, 0, len(s.data))
	for _, cov := range s.data {
		out = append(out, copyCovenant(cov))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) Children(_ context.Context, parentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, cov := range s.data {
		if cov.Chain != nil && cov.Chain.ParentID == parentID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func copyCovenant(cov *chain.Covenant) *chain.Covenant {
	copied := *cov
	if cov.Chain != nil {
		ref := *cov.Chain
		copied.Chain = &ref
	}
	return &copied
}
