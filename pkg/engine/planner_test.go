package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"strings"
	"testing"
)

// assertPrecedence fails the test unless every requirement of every step
// appears earlier in the plan and no capability repeats.
func assertPrecedence(t *testing.T, plan *Plan) {
	t.Helper()

	position := make(map[Capability]int, len(plan.Steps))
	for i, step := range plan.Steps {
		if _, dup := position[step.Capability]; dup {
			t.Fatalf("Capability %s appears twice in plan %s", step.Capability, plan)
		}
		position[step.Capability] = i
	}
	for i, step := range plan.Steps {
		for _, dep := range step.Requires {
			j, ok := position[dep]
			if !ok {
				t.Fatalf("Requirement %s of %s missing from plan %s", dep, step.Capability, plan)
			}
			if j >= i {
				t.Fatalf("Requirement %s does not precede %s in plan %s", dep, step.Capability, plan)
			}
		}
	}
}

func TestBuildPlan_SimpleChain(t *testing.T) {
	reg, err := NewRegistry(
		stubProvider("p1", []Capability{"A"}),
		stubProvider("p2", []Capability{"B"}, "A"),
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	plan, err := BuildPlan([]Capability{"B"}, reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if plan.String() != "A, B" {
		t.Errorf("Expected plan [A, B], got [%s]", plan)
	}
	if plan.Depth != 2 {
		t.Errorf("Expected depth 2, got %d", plan.Depth)
	}
	if plan.Steps[1].Provider != "p2" {
		t.Errorf("Expected B to be built by p2, got %s", plan.Steps[1].Provider)
	}
}

func TestBuildPlan_NoTargets(t *testing.T) {
	reg, _ := NewRegistry(stubProvider("p1", []Capability{"A"}))

	plan, err := BuildPlan(nil, reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if plan.Len() != 0 {
		t.Errorf("Expected empty plan, got [%s]", plan)
	}
	if plan.Depth != 0 {
		t.Errorf("Expected depth 0, got %d", plan.Depth)
	}
}

func TestBuildPlan_ExternalLeaves(t *testing.T) {
	reg, _ := NewRegistry(
		stubProvider("data", []Capability{"Data"}, "Request"),
		// A provider for Request exists, but the external value wins
		stubProvider("request", []Capability{"Request"}, "Unknown"),
	)

	plan, err := BuildPlan([]Capability{"Data", "Request"}, reg, NewCapabilitySet("Request"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if plan.String() != "Request, Data" {
		t.Errorf("Expected [Request, Data], got [%s]", plan)
	}
	if !plan.Steps[0].External {
		t.Error("Expected Request to be external")
	}
	if ext := plan.External(); len(ext) != 1 || ext[0] != "Request" {
		t.Errorf("Expected external [Request], got %v", ext)
	}
}

func TestBuildPlan_SharedDependencyOnce(t *testing.T) {
	reg, _ := NewRegistry(
		stubProvider("base", []Capability{"Base"}),
		stubProvider("left", []Capability{"Left"}, "Base"),
		stubProvider("right", []Capability{"Right"}, "Base"),
	)

	plan, err := BuildPlan([]Capability{"Left", "Right"}, reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	assertPrecedence(t, plan)

	if plan.String() != "Base, Left, Right" {
		t.Errorf("Expected [Base, Left, Right], got [%s]", plan)
	}
}

func TestBuildPlan_Unsatisfiable(t *testing.T) {
	reg, _ := NewRegistry(stubProvider("p2", []Capability{"B"}, "A"))

	plan, err := BuildPlan([]Capability{"B"}, reg, nil)
	if err == nil {
		t.Fatalf("Expected unsatisfiable error, got plan [%s]", plan)
	}
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("Expected ErrUnsatisfiable, got: %v", err)
	}
	if FailedCapability(err) != "A" {
		t.Errorf("Expected capability A in error, got %q", FailedCapability(err))
	}
	if !IsPermanent(err) {
		t.Error("Expected unsatisfiable error to be permanent")
	}
}

func TestBuildPlan_Cycle(t *testing.T) {
	reg, _ := NewRegistry(
		stubProvider("pa", []Capability{"A"}, "B"),
		stubProvider("pb", []Capability{"B"}, "C"),
		stubProvider("pc", []Capability{"C"}, "A"),
		stubProvider("pd", []Capability{"D"}, "A"),
	)

	plan, err := BuildPlan([]Capability{"D"}, reg, nil)
	if err == nil {
		t.Fatalf("Expected cycle error, got plan [%s]", plan)
	}
	if plan != nil {
		t.Error("Expected no partial plan")
	}
	if !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("Expected ErrCyclicDependency, got: %v", err)
	}
}

func TestBuildPlan_DuplicateTarget(t *testing.T) {
	reg, _ := NewRegistry(stubProvider("p1", []Capability{"A"}))

	_, err := BuildPlan([]Capability{"A", "A"}, reg, nil)
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeValidation {
		t.Errorf("Expected %s, got: %v", ErrCodeValidation, err)
	}
}

// randomRegistry builds an acyclic registry: capability i only requires
// capabilities with a smaller index.
func randomRegistry(t *testing.T, rng *rand.Rand, n int) *Registry {
	t.Helper()

	reg, _ := NewRegistry()
	for i := 0; i < n; i++ {
		requires := make([]Capability, 0)
		for j := 0; j < i; j++ {
			if rng.Intn(4) == 0 {
				requires = append(requires, Capability(fmt.Sprintf("C%d", j)))
			}
		}
		c := Capability(fmt.Sprintf("C%d", i))
		if err := reg.Register(stubProvider("p"+string(c), []Capability{c}, requires...)); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	return reg
}

func TestBuildPlan_RandomAcyclicGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(15)
		reg := randomRegistry(t, rng, n)

		targets := []Capability{
			Capability(fmt.Sprintf("C%d", n-1)),
			Capability(fmt.Sprintf("C%d", rng.Intn(n-1))),
		}

		first, err := BuildPlan(targets, reg, nil)
		if err != nil {
			t.Fatalf("Round %d: expected no error, got: %v", round, err)
		}
		assertPrecedence(t, first)

		second, err := BuildPlan(targets, reg, nil)
		if err != nil {
			t.Fatalf("Round %d: expected no error, got: %v", round, err)
		}
		assertPrecedence(t, second)

		if first.String() != second.String() {
			t.Errorf("Round %d: expected identical plans, got [%s] and [%s]", round, first, second)
		}
	}
}

func TestPlanner_DiscoverProviders(t *testing.T) {
	batch := stubProvider("batch", []Capability{"X", "Y"}, "Request")
	page := NewPage("Page", []Capability{"X", "Y"}, func(deps Instances) (any, error) { return "page", nil })
	unused := stubProvider("unused", []Capability{"Z"})

	reg, err := NewRegistry(batch, page, unused)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	planner := NewPlanner(reg, NewCapabilitySet("Request"))
	cb := NewCallback("parse", func(_ context.Context, _ Instances) iter.Seq2[any, error] { return Yield() },
		Param{Name: "page", Capability: "Page"})

	providers, err := planner.DiscoverProviders(cb)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	if strings.Join(names, ",") != "batch,page:Page" {
		t.Errorf("Expected [batch page:Page], got %v", names)
	}
}

func TestPlan_ToDOT(t *testing.T) {
	reg, _ := NewRegistry(stubProvider("p2", []Capability{"B"}, "A"))

	plan, err := BuildPlan([]Capability{"B"}, reg, NewCapabilitySet("A"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := plan.ToDOT()
	for _, want := range []string{"digraph Plan {", `"A" -> "B";`, "(external)", "cluster_level_1"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q, got:\n%s", want, dot)
		}
	}
}
