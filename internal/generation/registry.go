package generation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the configured providers. It is constructed once at process
// start and passed explicitly to the components that need it.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
}

// NewRegistry creates an empty registry whose default provider is defaultProvider.
func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		providers:       make(map[string]Provider),
		defaultProvider: strings.ToLower(defaultProvider),
	}
}

// Register adds p under its name, replacing any provider of the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Resolve maps a request's optional provider and model to a concrete provider
// and model ID, applying the registry default and the provider's default model.
func (r *Registry) Resolve(providerName, model string) (Provider, string, error) {
	if providerName == "" {
		providerName = r.defaultProvider
	}

	p, err := r.Get(providerName)
	if err != nil {
		return nil, "", err
	}

	if model == "" {
		model = p.DefaultModel()
	}
	if _, ok := FindModel(p.Models(), model); !ok {
		return nil, "", fmt.Errorf("%w: %s does not serve %q", ErrUnsupportedModel, p.Name(), model)
	}

	return p, model, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
