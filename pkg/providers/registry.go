package providers

import (
	"context"
	"sort"
	"sync"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/inference/engine"
	"github.com/go-go-golems/grove/pkg/inference/router"
	"github.com/rs/zerolog/log"
)

type entry struct {
	provider *Provider
	engine   engine.Engine
}

// Registry is the runtime table used for dispatch. The store is the record kept for
// restarts; the registry is what Resolve consults.
//
// Engines are built before the write lock is taken, so a slow constructor never blocks
// concurrent lookups.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	factory EngineFactory
	store   Store
}

var _ router.Resolver = (*Registry)(nil)

func NewRegistry(factory EngineFactory, store Store) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Registry{
		entries: map[string]entry{},
		factory: factory,
		store:   store,
	}
}

// Load registers every persisted provider. Records that no longer validate are skipped
// and logged.
func (r *Registry) Load(ctx context.Context) error {
	stored, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range stored {
		if err := r.install(p); err != nil {
			log.Warn().Err(err).Object("provider", p).Msg("skipping persisted provider")
		}
	}
	return nil
}

func (r *Registry) install(p *Provider) error {
	p = p.Clone()
	if err := p.Normalize(); err != nil {
		return err
	}
	eng, err := r.factory.NewEngine(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.entries[p.ID] = entry{provider: p, engine: eng}
	r.mu.Unlock()
	return nil
}

// Register validates, persists and installs p, replacing any provider with the same id.
func (r *Registry) Register(ctx context.Context, p *Provider) (*Provider, error) {
	p = p.Clone()
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	eng, err := r.factory.NewEngine(p)
	if err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, p); err != nil {
		return nil, err
	}

	r.mu.Lock()
	_, replaced := r.entries[p.ID]
	r.entries[p.ID] = entry{provider: p, engine: eng}
	r.mu.Unlock()

	log.Info().Object("provider", p).Bool("replaced", replaced).Msg("registered provider")
	return p.Clone(), nil
}

// Update replaces an existing provider; it is NotFound when id is not registered.
func (r *Registry) Update(ctx context.Context, p *Provider) (*Provider, error) {
	r.mu.RLock()
	_, ok := r.entries[p.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.NotFoundf("provider", p.ID)
	}
	return r.Register(ctx, p)
}

func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return errdefs.NotFoundf("provider", id)
	}

	if err := r.store.Delete(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	log.Info().Str("provider", id).Msg("unregistered provider")
	return nil
}

func (r *Registry) Get(id string) (*Provider, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.NotFoundf("provider", id)
	}
	return e.provider.Clone(), nil
}

func (r *Registry) List() []*Provider {
	r.mu.RLock()
	ret := make([]*Provider, 0, len(r.entries))
	for _, e := range r.entries {
		ret = append(ret, e.provider.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Resolve returns the engine registered for providerID. An unknown id is a ConfigError:
// no provider is configured for the requested operation.
func (r *Registry) Resolve(providerID string) (engine.Engine, error) {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.Config("provider", "no provider "+providerID)
	}
	return e.engine, nil
}

// Puller returns the engine of providerID if it can download models.
func (r *Registry) Puller(providerID string) (engine.Puller, error) {
	eng, err := r.Resolve(providerID)
	if err != nil {
		return nil, err
	}
	p, ok := eng.(engine.Puller)
	if !ok {
		return nil, errdefs.Config("provider", "provider "+providerID+" cannot pull models")
	}
	return p, nil
}

func (r *Registry) Close() error {
	return r.store.Close()
}
