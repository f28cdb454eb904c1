package engine

import (
	"context"
	"fmt"
)

// Provider produces one or more capabilities from its declared dependencies.
// Implementations must be safe for concurrent use: one registered provider
// serves every build in the process.
type Provider interface {
	// Name identifies the provider in logs, errors and metrics.
	Name() string

	// Provides returns the capabilities this provider produces. A provider
	// may produce several related capabilities in one invocation.
	Provides() []Capability

	// Requires returns the capabilities this provider consumes.
	Requires() []Capability

	// Provide builds the wanted capabilities. deps holds an instance for
	// every capability in Requires. wanted is a non-empty subset of
	// Provides; the returned map must hold an instance for each member and
	// may hold more. Provide may block on I/O and must honour ctx.
	Provide(ctx context.Context, deps Instances, wanted CapabilitySet) (Instances, error)
}

// Family classifies what a provider's capability represents.
type Family string

const (
	// FamilyInput marks page inputs such as response data or API payloads.
	FamilyInput Family = "input"

	// FamilyWebPage marks page objects with no item extraction.
	FamilyWebPage Family = "web_page"

	// FamilyItemPage marks page objects that extract exactly one item.
	FamilyItemPage Family = "item_page"
)

// Extractor pulls one item out of a built page instance.
type Extractor func(ctx context.Context, page any) (any, error)

// PageDescriptor describes a produced capability for the callback
// materializer.
type PageDescriptor struct {
	Capability Capability
	Family     Family

	// Extract is nil when the page declares itself an item page but does not
	// implement extraction.
	Extract Extractor
}

// Describer is implemented by providers that can describe the capabilities
// they produce. Providers that don't implement it produce FamilyInput.
type Describer interface {
	Describe(c Capability) (PageDescriptor, bool)
}

// ProvideFunc is the invocation behaviour of a FuncProvider.
type ProvideFunc func(ctx context.Context, deps Instances, wanted CapabilitySet) (Instances, error)

// FuncProvider adapts a function to the Provider interface.
type FuncProvider struct {
	name     string
	provides []Capability
	requires []Capability
	fn       ProvideFunc
}

// NewProvider creates a provider from a function.
func NewProvider(name string, provides, requires []Capability, fn ProvideFunc) *FuncProvider {
	return &FuncProvider{
		name:     name,
		provides: provides,
		requires: requires,
		fn:       fn,
	}
}

// Name implements Provider.
func (p *FuncProvider) Name() string { return p.name }

// Provides implements Provider.
func (p *FuncProvider) Provides() []Capability { return p.provides }

// Requires implements Provider.
func (p *FuncProvider) Requires() []Capability { return p.requires }

// Provide implements Provider.
func (p *FuncProvider) Provide(ctx context.Context, deps Instances, wanted CapabilitySet) (Instances, error) {
	return p.fn(ctx, deps, wanted)
}

// PageProvider builds a single page object synchronously from its
// dependencies. It is the dependency-only construction path: no I/O, no
// batching.
type PageProvider struct {
	capability Capability
	requires   []Capability
	family     Family
	construct  func(deps Instances) (any, error)
	extract    Extractor
}

// NewPage registers construction of a page object that has no item
// extraction.
func NewPage(c Capability, requires []Capability, construct func(deps Instances) (any, error)) *PageProvider {
	return &PageProvider{
		capability: c,
		requires:   requires,
		family:     FamilyWebPage,
		construct:  construct,
	}
}

// NewItemPage registers construction of an item page. extract may be nil for
// a page that is declared as an item page but leaves extraction abstract;
// such a page can be injected but not materialized into a callback.
func NewItemPage(c Capability, requires []Capability, construct func(deps Instances) (any, error), extract Extractor) *PageProvider {
	return &PageProvider{
		capability: c,
		requires:   requires,
		family:     FamilyItemPage,
		construct:  construct,
		extract:    extract,
	}
}

// ItemPage is the typed form of NewItemPage.
func ItemPage[P any](c Capability, requires []Capability, construct func(deps Instances) (P, error), extract func(ctx context.Context, page P) (any, error)) *PageProvider {
	var ex Extractor
	if extract != nil {
		ex = func(ctx context.Context, page any) (any, error) {
			p, ok := page.(P)
			if !ok {
				return nil, fmt.Errorf("page %s holds %T", c, page)
			}
			return extract(ctx, p)
		}
	}
	return NewItemPage(c, requires, func(deps Instances) (any, error) {
		return construct(deps)
	}, ex)
}

// Name implements Provider.
func (p *PageProvider) Name() string { return "page:" + string(p.capability) }

// Provides implements Provider.
func (p *PageProvider) Provides() []Capability { return []Capability{p.capability} }

// Requires implements Provider.
func (p *PageProvider) Requires() []Capability { return p.requires }

// Provide implements Provider.
func (p *PageProvider) Provide(_ context.Context, deps Instances, _ CapabilitySet) (Instances, error) {
	page, err := p.construct(deps)
	if err != nil {
		return nil, err
	}
	return Instances{p.capability: page}, nil
}

// Describe implements Describer.
func (p *PageProvider) Describe(c Capability) (PageDescriptor, bool) {
	if c != p.capability {
		return PageDescriptor{}, false
	}
	return PageDescriptor{
		Capability: p.capability,
		Family:     p.family,
		Extract:    p.extract,
	}, true
}
