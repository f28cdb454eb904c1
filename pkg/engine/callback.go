package engine

import (
	"context"
	"fmt"
	"iter"
)

// Param is one declared callback parameter. An empty Capability marks an
// untyped parameter: nothing is injected into it and the usage analyzer
// treats it as a possible consumer of anything.
type Param struct {
	Name       string
	Capability Capability
}

// CallbackFunc is the body of a callback. args holds one instance per typed
// parameter. The returned sequence may yield zero, one or many results.
type CallbackFunc func(ctx context.Context, args Instances) iter.Seq2[any, error]

// Callback is a target callable with an explicit parameter declaration.
type Callback struct {
	// Name identifies the callback in logs, metrics and requests.
	Name string

	// Params are the declared parameters, first to last.
	Params []Param

	// Variadic marks a callback whose first parameter collects arbitrary
	// positional arguments.
	Variadic bool

	// Fn is invoked with the built instances.
	Fn CallbackFunc

	materialized bool
}

// NewCallback creates a user-authored callback.
func NewCallback(name string, fn CallbackFunc, params ...Param) *Callback {
	return &Callback{
		Name:   name,
		Params: params,
		Fn:     fn,
	}
}

// Materialized reports whether the callback was synthesized by CallbackFor.
func (c *Callback) Materialized() bool {
	return c.materialized
}

// Capabilities returns the capabilities of the typed parameters in
// declaration order.
func (c *Callback) Capabilities() []Capability {
	out := make([]Capability, 0, len(c.Params))
	for _, p := range c.Params {
		if p.Capability != "" {
			out = append(out, p.Capability)
		}
	}
	return out
}

// Validate checks the parameter declaration.
func (c *Callback) Validate() error {
	if c.Fn == nil {
		return NewPermanentError(fmt.Sprintf("callback %s has no body", c.Name), nil).
			WithCode(ErrCodeValidation).
			WithOperation("register")
	}
	seen := make(CapabilitySet, len(c.Params))
	for _, p := range c.Params {
		if p.Capability == "" {
			continue
		}
		if seen.Has(p.Capability) {
			return NewPermanentError(fmt.Sprintf("callback %s declares %s twice", c.Name, p.Capability), nil).
				WithCode(ErrCodeValidation).
				WithCapability(p.Capability).
				WithOperation("register")
		}
		seen.Add(p.Capability)
	}
	return nil
}

// Call invokes the callback body with the instances its typed parameters
// declare.
func (c *Callback) Call(ctx context.Context, in Instances) iter.Seq2[any, error] {
	return c.Fn(ctx, in.Subset(c.Capabilities()))
}

// Yield returns a sequence over the given items.
func Yield(items ...any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Fail returns a sequence yielding only err.
func Fail(err error) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}

// CallbackFor synthesizes a callback that extracts one item from a page.
// The page capability must be registered as an item page with an
// implemented extractor; both checks happen here, never at call time.
func CallbackFor(reg *Registry, page Capability) (*Callback, error) {
	desc, ok := reg.Describe(page)
	if !ok || desc.Family != FamilyItemPage {
		return nil, NewPermanentError(fmt.Sprintf("%s should be registered as an item page", page), nil).
			WithCode(ErrCodeNotItemPage).
			WithCapability(page).
			WithOperation("materialize")
	}
	if desc.Extract == nil {
		return nil, NewPermanentError(fmt.Sprintf("%s should implement item extraction", page), nil).
			WithCode(ErrCodeNotImplemented).
			WithCapability(page).
			WithOperation("materialize")
	}

	extract := desc.Extract
	return &Callback{
		Name:   "callback_for:" + string(page),
		Params: []Param{{Name: "page", Capability: page}},
		Fn: func(ctx context.Context, args Instances) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				instance, ok := args[page]
				if !ok {
					yield(nil, NewPermanentError("page instance not bound", nil).
						WithCode(ErrCodeMissingExternal).
						WithCapability(page).
						WithOperation("invoke"))
					return
				}
				yield(extract(ctx, instance))
			}
		},
		materialized: true,
	}, nil
}
