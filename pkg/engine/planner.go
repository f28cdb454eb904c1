package engine

import (
	"fmt"
	"strings"
)

// PlanStep is one capability in a plan.
type PlanStep struct {
	// Capability is the capability built (or bound) by this step.
	Capability Capability `json:"capability"`

	// Requires lists the capabilities the step's provider consumes.
	// Always empty for external steps.
	Requires []Capability `json:"requires,omitempty"`

	// External marks capabilities bound from the external value set.
	External bool `json:"external"`

	// Provider is the name of the provider producing the capability.
	Provider string `json:"provider,omitempty"`

	// Level is the step's depth in the dependency graph; level 0 steps
	// require nothing.
	Level int `json:"level"`
}

// Plan is an ordered sequence of steps. Every step's requirements appear
// strictly earlier; no capability appears twice.
type Plan struct {
	// Targets are the capabilities the plan was built for.
	Targets []Capability `json:"targets"`

	// Steps in build order.
	Steps []PlanStep `json:"steps"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.Steps)
}

// Capabilities returns the step capabilities in plan order.
func (p *Plan) Capabilities() []Capability {
	out := make([]Capability, len(p.Steps))
	for i, step := range p.Steps {
		out[i] = step.Capability
	}
	return out
}

// Contains reports whether c is part of the plan.
func (p *Plan) Contains(c Capability) bool {
	for _, step := range p.Steps {
		if step.Capability == c {
			return true
		}
	}
	return false
}

// External returns the externally supplied capabilities the plan binds.
func (p *Plan) External() []Capability {
	out := make([]Capability, 0)
	for _, step := range p.Steps {
		if step.External {
			out = append(out, step.Capability)
		}
	}
	return out
}

// String renders the plan as "A, B, C".
func (p *Plan) String() string {
	parts := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		parts[i] = string(step.Capability)
	}
	return strings.Join(parts, ", ")
}

// BuildPlan resolves the targets against the registry. External
// capabilities are leaves; every other capability needs a registered
// provider whose own requirements are resolved recursively. The result is
// dependency-first and deterministic for a given registry.
func BuildPlan(targets []Capability, reg *Registry, external CapabilitySet) (*Plan, error) {
	if reg == nil {
		return nil, NewPermanentError("registry is required", nil).
			WithCode(ErrCodeValidation).
			WithOperation("plan")
	}

	declared := make(CapabilitySet, len(targets))
	for _, c := range targets {
		if c == "" {
			return nil, NewPermanentError("target capability is empty", nil).
				WithCode(ErrCodeValidation).
				WithOperation("plan")
		}
		if declared.Has(c) {
			return nil, NewPermanentError(fmt.Sprintf("capability %s declared twice", c), nil).
				WithCode(ErrCodeValidation).
				WithCapability(c).
				WithOperation("plan")
		}
		declared.Add(c)
	}

	d := &discovery{
		registry: reg,
		external: external,
		seen:     make(CapabilitySet),
		steps:    make([]PlanStep, 0),
	}
	for _, c := range targets {
		if err := d.visit(c, nil); err != nil {
			return nil, err
		}
	}

	ordered, err := NewDAGBuilder().Order(d.steps)
	if err != nil {
		return nil, err
	}

	depth := 0
	if len(ordered) > 0 {
		depth = ordered[len(ordered)-1].Level + 1
	}

	return &Plan{
		Targets: append([]Capability(nil), targets...),
		Steps:   ordered,
		Depth:   depth,
	}, nil
}

// discovery walks the capability graph from the targets.
type discovery struct {
	registry *Registry
	external CapabilitySet
	seen     CapabilitySet
	steps    []PlanStep
}

// visit appends c after its requirements. The trail names the chain that
// led to c, for unsatisfiable errors.
func (d *discovery) visit(c Capability, trail []Capability) error {
	if d.seen.Has(c) {
		return nil
	}
	d.seen.Add(c)

	if d.external.Has(c) {
		d.steps = append(d.steps, PlanStep{Capability: c, External: true})
		return nil
	}

	p, ok := d.registry.Lookup(c)
	if !ok {
		err := NewPermanentError("no provider or external value for capability", nil).
			WithCode(ErrCodeUnsatisfiable).
			WithCapability(c).
			WithOperation("plan")
		if len(trail) > 0 {
			err = err.WithDetail("required_by", formatCycle(append(trail, c)))
		}
		return err
	}

	requires := append([]Capability(nil), p.Requires()...)
	next := append(append([]Capability(nil), trail...), c)
	for _, dep := range requires {
		if err := d.visit(dep, next); err != nil {
			return err
		}
	}

	d.steps = append(d.steps, PlanStep{
		Capability: c,
		Requires:   requires,
		Provider:   p.Name(),
	})
	return nil
}

// Planner binds a registry and the externally supplied capabilities so
// callers can plan callbacks without threading both through every call.
type Planner struct {
	registry *Registry
	external CapabilitySet
}

// NewPlanner creates a planner.
func NewPlanner(reg *Registry, external CapabilitySet) *Planner {
	return &Planner{
		registry: reg,
		external: external,
	}
}

// Registry returns the planner's registry.
func (p *Planner) Registry() *Registry {
	return p.registry
}

// External returns the externally supplied capabilities.
func (p *Planner) External() CapabilitySet {
	return p.external
}

// Plan builds a plan for the targets.
func (p *Planner) Plan(targets []Capability) (*Plan, error) {
	return BuildPlan(targets, p.registry, p.external)
}

// PlanCallback builds a plan for the callback's declared parameters.
func (p *Planner) PlanCallback(cb *Callback) (*Plan, error) {
	if cb == nil {
		return nil, NewPermanentError("callback is nil", nil).
			WithCode(ErrCodeValidation).
			WithOperation("plan")
	}
	return p.Plan(cb.Capabilities())
}

// DiscoverProviders returns the providers that take part in the callback's
// plan, in plan order and without duplicates.
func (p *Planner) DiscoverProviders(cb *Callback) ([]Provider, error) {
	plan, err := p.PlanCallback(cb)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	out := make([]Provider, 0)
	for _, step := range plan.Steps {
		if step.External {
			continue
		}
		provider, ok := p.registry.Lookup(step.Capability)
		if !ok || seen[provider.Name()] {
			continue
		}
		seen[provider.Name()] = true
		out = append(out, provider)
	}
	return out, nil
}

// ToDOT generates a DOT representation of the plan for Graphviz.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	levels := make([][]PlanStep, p.Depth)
	for _, step := range p.Steps {
		levels[step.Level] = append(levels[step.Level], step)
	}

	for level, steps := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, step := range steps {
			label := string(step.Capability)
			color := "lightblue"
			if step.External {
				label += "\\n(external)"
				color = "lightgray"
			} else {
				label += "\\n" + step.Provider
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				step.Capability, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, step := range p.Steps {
		for _, dep := range step.Requires {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, step.Capability))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
