package adapters

import (
	"sort"
	"strings"

	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
)

type Registry struct {
	adapters map[string]providerdomain.Adapter
}

func NewRegistry(adapters ...providerdomain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]providerdomain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(adapter.Provider()))
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Get(provider)
	return err == nil
}

func (r *Registry) Get(provider string) (providerdomain.Adapter, error) {
	if r == nil {
		return nil, providerdomain.ErrProviderNotFound
	}
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, providerdomain.ErrProviderNotFound
	}
	return adapter, nil
}

// Providers lists registered rails in name order.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
