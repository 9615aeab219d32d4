package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves the provider names carried by agent and session
// configuration to configured backends.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]LLMProvider
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]LLMProvider)}
}

// Register adds a provider under its own name. The first registered provider
// becomes the default until SetDefault overrides it.
func (r *Registry) Register(p LLMProvider) error {
	if p == nil {
		return fmt.Errorf("provider is required")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.providers[name] = p
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// SetDefault selects the provider used when a request names none.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; !exists {
		return fmt.Errorf("provider not configured: %s", name)
	}
	r.defaultName = name
	return nil
}

// Get returns the provider registered under name. An empty name resolves to
// the default.
func (r *Registry) Get(name string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("no providers configured")
	}
	p, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider not configured: %s", name)
	}
	return p, nil
}

// Names lists registered provider names, sorted.
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
