package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder orders plan steps so that every capability follows the
// capabilities it requires. It detects cycles and assigns each step a level;
// steps on the same level do not depend on each other.
type DAGBuilder struct {
	// steps maps capabilities to their plan steps
	steps map[Capability]*PlanStep

	// discovery records the order in which steps were handed in
	discovery map[Capability]int

	// adjacencyList maps a capability to the capabilities that require it
	adjacencyList map[Capability][]Capability

	// reverseAdjacencyList maps a capability to the capabilities it requires
	reverseAdjacencyList map[Capability][]Capability

	// inDegree tracks the number of unmet requirements for each step
	inDegree map[Capability]int

	// levels maps execution level to the capabilities at that level
	levels [][]Capability
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		steps:                make(map[Capability]*PlanStep),
		discovery:            make(map[Capability]int),
		adjacencyList:        make(map[Capability][]Capability),
		reverseAdjacencyList: make(map[Capability][]Capability),
		inDegree:             make(map[Capability]int),
		levels:               make([][]Capability, 0),
	}
}

// Order validates the steps, rejects cycles and returns the steps in
// dependency-first order. Ties are broken by the order steps were given in.
// The returned slice is a new slice of copies with Level set.
func (b *DAGBuilder) Order(steps []PlanStep) ([]PlanStep, error) {
	if len(steps) == 0 {
		return []PlanStep{}, nil
	}

	if err := b.initialize(steps); err != nil {
		return nil, err
	}

	if err := b.detectCycles(steps); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	ordered := make([]PlanStep, 0, len(steps))
	for level, caps := range b.levels {
		for _, c := range caps {
			step := *b.steps[c]
			step.Level = level
			ordered = append(ordered, step)
		}
	}
	return ordered, nil
}

// initialize sets up the internal data structures from the steps.
func (b *DAGBuilder) initialize(steps []PlanStep) error {
	// First pass: index all steps
	for i := range steps {
		step := &steps[i]
		if step.Capability == "" {
			return NewPermanentError("plan step has empty capability", nil).
				WithCode(ErrCodeValidation).
				WithOperation("plan")
		}

		if _, exists := b.steps[step.Capability]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate plan step: %s", step.Capability), nil).
				WithCode(ErrCodeValidation).
				WithCapability(step.Capability).
				WithOperation("plan")
		}

		b.steps[step.Capability] = step
		b.discovery[step.Capability] = i
		b.adjacencyList[step.Capability] = make([]Capability, 0)
		b.reverseAdjacencyList[step.Capability] = make([]Capability, 0)
		b.inDegree[step.Capability] = 0
	}

	// Second pass: build adjacency lists in step order so traversal is stable
	for i := range steps {
		step := &steps[i]
		for _, dep := range step.Requires {
			if _, exists := b.steps[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("%s requires %s, which is not part of the plan", step.Capability, dep),
					nil,
				).WithCode(ErrCodeUnsatisfiable).
					WithCapability(dep).
					WithOperation("plan")
			}

			// Edge from requirement to step: the requirement is built first
			b.adjacencyList[dep] = append(b.adjacencyList[dep], step.Capability)
			b.reverseAdjacencyList[step.Capability] = append(b.reverseAdjacencyList[step.Capability], dep)
			b.inDegree[step.Capability]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular requirements.
func (b *DAGBuilder) detectCycles(steps []PlanStep) error {
	visited := make(map[Capability]bool)
	recStack := make(map[Capability]bool)
	path := make([]Capability, 0)

	for i := range steps {
		c := steps[i].Capability
		if !visited[c] {
			if cycle := b.detectCyclesUtil(c, visited, recStack, path); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeCyclicDependency).
					WithCapability(cycle[0]).
					WithOperation("plan").
					WithDetail("cycle", cycle)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS over requirement edges and returns the cycle
// path, first capability repeated at the end, when one is found.
func (b *DAGBuilder) detectCyclesUtil(
	c Capability,
	visited map[Capability]bool,
	recStack map[Capability]bool,
	path []Capability,
) []Capability {
	visited[c] = true
	recStack[c] = true
	path = append(path, c)

	for _, dep := range b.reverseAdjacencyList[c] {
		if !visited[dep] {
			if cycle := b.detectCyclesUtil(dep, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, id := range path {
				if id == dep {
					cycle := make([]Capability, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, dep)
				}
			}
		}
	}

	recStack[c] = false
	return nil
}

// computeLevels assigns levels using Kahn's algorithm. Members of a level
// keep the order in which their steps were handed in.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[Capability]int, len(b.inDegree))
	for c, degree := range b.inDegree {
		inDegreeCopy[c] = degree
	}

	currentLevel := make([]Capability, 0)
	for c, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, c)
		}
	}
	b.sortByDiscovery(currentLevel)

	if len(currentLevel) == 0 {
		return NewPermanentError("no root steps found - every step has requirements", nil).
			WithCode(ErrCodeCyclicDependency).
			WithOperation("plan")
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]Capability, 0)
		for _, c := range currentLevel {
			for _, dependent := range b.adjacencyList[c] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		b.sortByDiscovery(nextLevel)

		currentLevel = nextLevel
	}

	// Cycle detection runs first, so this only fires on internal errors
	if processedCount != len(b.steps) {
		return NewPermanentError("failed to order all steps - possible cycle", nil).
			WithCode(ErrCodeCyclicDependency).
			WithOperation("plan")
	}

	return nil
}

func (b *DAGBuilder) sortByDiscovery(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool {
		return b.discovery[caps[i]] < b.discovery[caps[j]]
	})
}

// Levels returns the computed levels.
func (b *DAGBuilder) Levels() [][]Capability {
	return b.levels
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []Capability) string {
	parts := make([]string, len(cycle))
	for i, c := range cycle {
		parts[i] = string(c)
	}
	return strings.Join(parts, " -> ")
}
