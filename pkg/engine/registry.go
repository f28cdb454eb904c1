package engine

import (
	"fmt"
	"sync"
)

// Registry maps each produced capability to the provider responsible for it.
// Registrations happen at startup; afterwards the registry is only read, and
// concurrent builds may share one instance.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// byCapability maps produced capability to provider.
	byCapability map[Capability]Provider

	// providers lists registered providers in registration order.
	providers []Provider
}

// NewRegistry creates a registry holding the given providers. It fails on the
// first registration error.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{
		byCapability: make(map[Capability]Provider),
	}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider. Claiming a capability that another provider
// already produces is an ambiguous production error; the registry is left
// unchanged in that case.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return NewPermanentError("provider is nil", nil).
			WithCode(ErrCodeValidation).
			WithOperation("register")
	}

	provides := p.Provides()
	if len(provides) == 0 {
		return NewPermanentError(fmt.Sprintf("provider %s produces no capabilities", p.Name()), nil).
			WithCode(ErrCodeValidation).
			WithOperation("register")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(CapabilitySet, len(provides))
	for _, c := range provides {
		if c == "" {
			return NewPermanentError(fmt.Sprintf("provider %s declares an empty capability", p.Name()), nil).
				WithCode(ErrCodeValidation).
				WithOperation("register")
		}
		if seen.Has(c) {
			return NewPermanentError(fmt.Sprintf("provider %s declares %s twice", p.Name(), c), nil).
				WithCode(ErrCodeValidation).
				WithCapability(c).
				WithOperation("register")
		}
		seen.Add(c)

		if existing, exists := r.byCapability[c]; exists {
			return NewPermanentError(
				fmt.Sprintf("capability produced by both %s and %s", existing.Name(), p.Name()),
				nil,
			).WithCode(ErrCodeAmbiguousProvider).
				WithCapability(c).
				WithOperation("register")
		}
	}

	for _, c := range provides {
		r.byCapability[c] = p
	}
	r.providers = append(r.providers, p)

	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(providers ...Provider) *Registry {
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the provider producing c.
func (r *Registry) Lookup(c Capability) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byCapability[c]
	return p, ok
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// ProducedTypes returns the union of the capabilities produced by the given
// providers. With no arguments it covers every registered provider.
func (r *Registry) ProducedTypes(providers ...Provider) CapabilitySet {
	if len(providers) == 0 {
		providers = r.Providers()
	}

	out := make(CapabilitySet)
	for _, p := range providers {
		for _, c := range p.Provides() {
			out.Add(c)
		}
	}
	return out
}

// Describe returns the page descriptor for c. Capabilities whose provider
// does not describe itself are page inputs.
func (r *Registry) Describe(c Capability) (PageDescriptor, bool) {
	p, ok := r.Lookup(c)
	if !ok {
		return PageDescriptor{}, false
	}
	if d, ok := p.(Describer); ok {
		if desc, ok := d.Describe(c); ok {
			return desc, true
		}
	}
	return PageDescriptor{Capability: c, Family: FamilyInput}, true
}
