package providers

import (
	"context"
	"sort"
	"sync"

	"github.com/go-go-golems/grove/pkg/errdefs"
)

// Store persists provider records so the registry can be rebuilt after a restart.
type Store interface {
	List(ctx context.Context) ([]*Provider, error)
	Put(ctx context.Context, p *Provider) error
	Delete(ctx context.Context, id string) error
	Close() error
}

type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{providers: map[string]*Provider{}}
}

func (s *MemoryStore) List(_ context.Context) ([]*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		ret = append(ret, p.Clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (s *MemoryStore) Put(_ context.Context, p *Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return errdefs.NotFoundf("provider", id)
	}
	delete(s.providers, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
