package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderFactory builds a provider for one model of a backend.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes (provider name, model) pairs to providers. Providers that
// were built successfully are cached; factory errors are not, so a missing
// credential is reported on every call.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	cache     map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		cache:     make(map[string]Provider),
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a backend. Replacing drops its cached providers.
func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	for k := range r.cache {
		if strings.HasPrefix(k, name+"/") {
			delete(r.cache, k)
		}
	}
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalizeName(name)
	key := name + "/" + model

	r.mu.RLock()
	p, cached := r.cache[key]
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if cached {
		return p, nil
	}
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}

	p, err := f(ctx, model)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.cache[key]; ok {
		p = existing
	} else {
		r.cache[key] = p
	}
	r.mu.Unlock()
	return p, nil
}

// Names lists the registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
