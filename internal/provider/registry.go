package provider

import (
	"fmt"
	"sync"
)

// Factory constructs a provider instance.
type Factory func() Interface

// Registry manages the lifecycle of providers. Factories for the built-in
// providers are registered by the CLI wiring; tests inject instances
// directly with Register.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Interface
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Interface),
	}
}

// RegisterFactory makes a provider constructible by name.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Register installs an already-constructed provider instance.
func (r *Registry) Register(name string, p Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// LoadProvider instantiates and registers a provider by name. Loading an
// already-loaded provider is a no-op.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	f, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}

	r.providers[name] = f()
	return nil
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (Interface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}
