package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Capability identifies a kind of structured data a callback or provider can
// request, such as "pages.ResponseData" or "autoextract.ProductResponseData".
// Capabilities are compared by value; two declarations naming the same string
// ask for the same thing.
type Capability string

// String implements fmt.Stringer.
func (c Capability) String() string {
	return string(c)
}

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet returns a set holding the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Add inserts c into the set.
func (s CapabilitySet) Add(c Capability) {
	s[c] = struct{}{}
}

// Has reports whether c is in the set. A nil set holds nothing.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Union returns a new set with the members of s and other.
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet, len(s)+len(other))
	for c := range s {
		out[c] = struct{}{}
	}
	for c := range other {
		out[c] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the set as a sorted, comma separated list.
func (s CapabilitySet) String() string {
	sorted := s.Sorted()
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = string(c)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Instances maps capabilities to built values. One map lives for exactly one
// build; it is also used to hand external values to the builder.
type Instances map[Capability]any

// Get returns the instance for c and whether it was present.
func (in Instances) Get(c Capability) (any, bool) {
	v, ok := in[c]
	return v, ok
}

// Keys returns the capabilities present in the map.
func (in Instances) Keys() CapabilitySet {
	s := make(CapabilitySet, len(in))
	for c := range in {
		s[c] = struct{}{}
	}
	return s
}

// Subset returns a new map restricted to the given capabilities. Missing
// capabilities are skipped.
func (in Instances) Subset(caps []Capability) Instances {
	out := make(Instances, len(caps))
	for _, c := range caps {
		if v, ok := in[c]; ok {
			out[c] = v
		}
	}
	return out
}

// Get returns the instance stored for c converted to T.
func Get[T any](in Instances, c Capability) (T, error) {
	var zero T
	v, ok := in[c]
	if !ok {
		return zero, fmt.Errorf("capability %s not present", c)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("capability %s holds %T, not %T", c, v, zero)
	}
	return t, nil
}

// MustGet is Get for code paths where the plan guarantees presence.
func MustGet[T any](in Instances, c Capability) T {
	t, err := Get[T](in, c)
	if err != nil {
		panic(err)
	}
	return t
}
