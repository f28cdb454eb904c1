package engine

import (
	"context"
	"errors"
	"testing"
)

// stubProvider returns a provider that produces "<capability>@<name>" for
// every wanted capability.
func stubProvider(name string, provides []Capability, requires ...Capability) *FuncProvider {
	return NewProvider(name, provides, requires, func(_ context.Context, _ Instances, wanted CapabilitySet) (Instances, error) {
		out := make(Instances, len(wanted))
		for c := range wanted {
			out[c] = string(c) + "@" + name
		}
		return out, nil
	})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	p1 := stubProvider("p1", []Capability{"A"})
	p2 := stubProvider("p2", []Capability{"B", "C"}, "A")

	reg, err := NewRegistry(p1, p2)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for c, want := range map[Capability]string{"A": "p1", "B": "p2", "C": "p2"} {
		p, ok := reg.Lookup(c)
		if !ok {
			t.Fatalf("Expected provider for %s", c)
		}
		if p.Name() != want {
			t.Errorf("Expected %s to be produced by %s, got %s", c, want, p.Name())
		}
	}

	if _, ok := reg.Lookup("D"); ok {
		t.Error("Expected no provider for D")
	}

	providers := reg.Providers()
	if len(providers) != 2 || providers[0].Name() != "p1" || providers[1].Name() != "p2" {
		t.Errorf("Expected providers in registration order, got %v", providers)
	}
}

func TestRegistry_AmbiguousProduction(t *testing.T) {
	reg, err := NewRegistry(stubProvider("p1", []Capability{"A"}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err = reg.Register(stubProvider("p2", []Capability{"B", "A"}))
	if err == nil {
		t.Fatal("Expected ambiguous production error")
	}
	if !errors.Is(err, ErrAmbiguousProvider) {
		t.Errorf("Expected ErrAmbiguousProvider, got: %v", err)
	}
	if FailedCapability(err) != "A" {
		t.Errorf("Expected capability A in error, got %q", FailedCapability(err))
	}

	// Verify the failed registration left nothing behind
	if _, ok := reg.Lookup("B"); ok {
		t.Error("Expected B to stay unregistered after failed registration")
	}
	if len(reg.Providers()) != 1 {
		t.Errorf("Expected 1 provider, got %d", len(reg.Providers()))
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
	}{
		{"nil provider", nil},
		{"no capabilities", stubProvider("empty", nil)},
		{"empty capability", stubProvider("blank", []Capability{""})},
		{"duplicate capability", stubProvider("dup", []Capability{"A", "A"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := NewRegistry()
			err := reg.Register(tt.provider)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var engErr *EngineError
			if !errors.As(err, &engErr) || engErr.Code != ErrCodeValidation {
				t.Errorf("Expected %s, got: %v", ErrCodeValidation, err)
			}
		})
	}
}

func TestRegistry_ProducedTypes(t *testing.T) {
	p1 := stubProvider("p1", []Capability{"A"})
	p2 := stubProvider("p2", []Capability{"B", "C"})
	p3 := stubProvider("p3", []Capability{"D"})
	reg, _ := NewRegistry()
	reg.MustRegister(p1, p2, p3)

	subset := reg.ProducedTypes(p1, p2)
	if len(subset) != 3 || !subset.Has("A") || !subset.Has("B") || !subset.Has("C") {
		t.Errorf("Expected {A, B, C}, got %s", subset)
	}

	all := reg.ProducedTypes()
	if len(all) != 4 || !all.Has("D") {
		t.Errorf("Expected all four capabilities, got %s", all)
	}
}

func TestRegistry_Describe(t *testing.T) {
	reg, err := NewRegistry(
		stubProvider("input", []Capability{"Data"}),
		NewPage("Web", []Capability{"Data"}, func(deps Instances) (any, error) { return "web", nil }),
		NewItemPage("Item", []Capability{"Data"}, func(deps Instances) (any, error) { return "item", nil }, nil),
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tests := []struct {
		capability Capability
		family     Family
	}{
		{"Data", FamilyInput},
		{"Web", FamilyWebPage},
		{"Item", FamilyItemPage},
	}
	for _, tt := range tests {
		desc, ok := reg.Describe(tt.capability)
		if !ok {
			t.Fatalf("Expected descriptor for %s", tt.capability)
		}
		if desc.Family != tt.family {
			t.Errorf("Expected %s to be %s, got %s", tt.capability, tt.family, desc.Family)
		}
	}

	if _, ok := reg.Describe("Unknown"); ok {
		t.Error("Expected no descriptor for unregistered capability")
	}
}
