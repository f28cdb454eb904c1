package engine

// UsageAnalyzer decides whether the expensive capability (the downloaded
// response) can be skipped for a callback. It only answers false when the
// callback provably never needs it.
type UsageAnalyzer struct {
	// Registry supplies the providers that may run for the callback.
	Registry *Registry

	// Expensive is the capability whose production should be avoided.
	Expensive Capability

	// Placeholder is the stand-in for Expensive. A callback that declares it
	// states that it does not read the real thing.
	Placeholder Capability

	// External lists the externally supplied capabilities.
	External CapabilitySet
}

// IsReachable reports whether cb may use the expensive capability, either
// directly or through any provider in its plan. A planning error answers
// true along with the error.
func (a *UsageAnalyzer) IsReachable(cb *Callback) (bool, error) {
	if cb == nil {
		return true, NewPermanentError("callback is nil", nil).
			WithCode(ErrCodeValidation).
			WithOperation("analyze")
	}
	if !cb.Materialized() && a.usesDirectly(cb) {
		return true, nil
	}

	plan, err := BuildPlan(cb.Capabilities(), a.Registry, a.External)
	if err != nil {
		return true, err
	}
	return a.PlanUses(plan), nil
}

// usesDirectly inspects the declaration. Only a placeholder first parameter,
// with the expensive capability declared nowhere, proves non-use.
func (a *UsageAnalyzer) usesDirectly(cb *Callback) bool {
	if len(cb.Params) == 0 || cb.Variadic {
		return true
	}

	for _, p := range cb.Params {
		if p.Capability == a.Expensive {
			return true
		}
	}

	first := cb.Params[0]
	if first.Capability == "" {
		return true
	}
	return first.Capability != a.Placeholder
}

// PlanUses reports whether the expensive capability appears anywhere in the
// plan.
func (a *UsageAnalyzer) PlanUses(plan *Plan) bool {
	return plan.Contains(a.Expensive)
}
