package providers

import (
	"fmt"
	"sync"

	"aigen/internal/domain"
	"aigen/internal/httpx"
	"aigen/internal/infra"
)

// Deps is what every adapter needs beyond its provider row.
type Deps struct {
	Egress *httpx.Egress
	Logger infra.Logger
}

// Factory builds an adapter bound to one provider configuration.
type Factory func(cfg *domain.ProviderConfig, deps Deps) Adapter

// Registry maps api_type values to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[domain.APIType]Factory
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:      deps,
		factories: make(map[domain.APIType]Factory),
	}
}

// Register installs a factory for an api_type, replacing any previous one.
func (r *Registry) Register(t domain.APIType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// For returns an adapter bound to cfg, or an error naming the unknown
// api_type so operators can see exactly which row is misconfigured.
func (r *Registry) For(cfg *domain.ProviderConfig) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.APIType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("providers: no adapter registered for api_type %q (config %d %q)", cfg.APIType, cfg.ID, cfg.Name)
	}
	return f(cfg, r.deps), nil
}
