package engine

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Counters receives the per-capability provider accounting of the builder.
// Implementations must tolerate concurrent calls from simultaneous builds.
type Counters interface {
	IncAttempted(c Capability)
	IncSucceeded(c Capability)
	IncFailed(c Capability)
}

// NopCounters discards all increments.
type NopCounters struct{}

func (NopCounters) IncAttempted(Capability) {}
func (NopCounters) IncSucceeded(Capability) {}
func (NopCounters) IncFailed(Capability)    {}

// CounterSet is an in-memory Counters implementation.
type CounterSet struct {
	mu        sync.Mutex
	attempted map[Capability]int64
	succeeded map[Capability]int64
	failed    map[Capability]int64
}

// NewCounterSet creates an empty counter set.
func NewCounterSet() *CounterSet {
	return &CounterSet{
		attempted: make(map[Capability]int64),
		succeeded: make(map[Capability]int64),
		failed:    make(map[Capability]int64),
	}
}

// IncAttempted implements Counters.
func (s *CounterSet) IncAttempted(c Capability) { s.inc(s.attempted, c) }

// IncSucceeded implements Counters.
func (s *CounterSet) IncSucceeded(c Capability) { s.inc(s.succeeded, c) }

// IncFailed implements Counters.
func (s *CounterSet) IncFailed(c Capability) { s.inc(s.failed, c) }

func (s *CounterSet) inc(m map[Capability]int64, c Capability) {
	s.mu.Lock()
	m[c]++
	s.mu.Unlock()
}

// Attempted returns the attempted count for c.
func (s *CounterSet) Attempted(c Capability) int64 { return s.get(s.attempted, c) }

// Succeeded returns the succeeded count for c.
func (s *CounterSet) Succeeded(c Capability) int64 { return s.get(s.succeeded, c) }

// Failed returns the failed count for c.
func (s *CounterSet) Failed(c Capability) int64 { return s.get(s.failed, c) }

func (s *CounterSet) get(m map[Capability]int64, c Capability) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m[c]
}

// BuildObserver is notified when a build finishes.
type BuildObserver interface {
	BuildFinished(ctx context.Context, plan *Plan, duration time.Duration, err error)
}

// Builder executes plans against a registry. A Builder holds no per-build
// state and may run any number of builds concurrently.
type Builder struct {
	registry *Registry
	external CapabilitySet
	counters Counters
	observer BuildObserver
	tracer   trace.Tracer
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithCounters sets the provider counters.
func WithCounters(c Counters) BuilderOption {
	return func(b *Builder) {
		if c != nil {
			b.counters = c
		}
	}
}

// WithExternal declares the externally supplied capabilities. BuildFor plans
// them as external steps even when no value is passed, so the build fails
// with ErrMissingExternal instead of falling back to a provider.
func WithExternal(caps CapabilitySet) BuilderOption {
	return func(b *Builder) {
		b.external = caps
	}
}

// WithObserver sets the build observer.
func WithObserver(o BuildObserver) BuilderOption {
	return func(b *Builder) {
		b.observer = o
	}
}

// WithTracer sets the tracer used for build and provider spans.
func WithTracer(t trace.Tracer) BuilderOption {
	return func(b *Builder) {
		if t != nil {
			b.tracer = t
		}
	}
}

// NewBuilder creates a builder.
func NewBuilder(reg *Registry, opts ...BuilderOption) *Builder {
	b := &Builder{
		registry: reg,
		counters: NopCounters{},
		tracer:   otel.Tracer("github.com/pagepoet/pagepoet/pkg/engine"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the builder's registry.
func (b *Builder) Registry() *Registry {
	return b.registry
}

// Build executes the plan. External steps are bound from external; every
// other step runs its provider once, in plan order. The first failure
// aborts the build and no instances are returned.
func (b *Builder) Build(ctx context.Context, plan *Plan, external Instances) (Instances, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).
			WithCode(ErrCodeValidation).
			WithOperation("build")
	}

	ctx, span := b.tracer.Start(ctx, "engine.build",
		trace.WithAttributes(attribute.Int("plan.steps", len(plan.Steps))))
	defer span.End()

	start := time.Now()
	instances, err := b.build(ctx, plan, external)
	if b.observer != nil {
		b.observer.BuildFinished(ctx, plan, time.Since(start), err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return instances, nil
}

func (b *Builder) build(ctx context.Context, plan *Plan, external Instances) (Instances, error) {
	logger := zerolog.Ctx(ctx)
	instances := make(Instances, len(plan.Steps))

	inPlan := make(CapabilitySet, len(plan.Steps))
	for _, step := range plan.Steps {
		inPlan.Add(step.Capability)
	}

	for _, step := range plan.Steps {
		c := step.Capability

		// Built as a side effect of an earlier batch
		if _, built := instances[c]; built {
			continue
		}

		if step.External {
			v, ok := external[c]
			if !ok {
				return nil, NewPermanentError("external value not supplied", nil).
					WithCode(ErrCodeMissingExternal).
					WithCapability(c).
					WithOperation("build")
			}
			instances[c] = v
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, NewPermanentError("build cancelled", err).
				WithCode(ErrCodeCancelled).
				WithCapability(c).
				WithOperation("build")
		}

		p, ok := b.registry.Lookup(c)
		if !ok {
			return nil, NewPermanentError("no provider for capability", nil).
				WithCode(ErrCodeUnsatisfiable).
				WithCapability(c).
				WithOperation("build")
		}

		wanted := NewCapabilitySet(c)
		for _, other := range p.Provides() {
			if _, built := instances[other]; !built && inPlan.Has(other) {
				wanted.Add(other)
			}
		}

		results, err := b.invoke(ctx, p, c, instances.Subset(p.Requires()), wanted)
		if err != nil {
			return nil, err
		}

		for other := range wanted {
			instances[other] = results[other]
		}
		logger.Debug().
			Str("capability", string(c)).
			Str("provider", p.Name()).
			Int("produced", len(wanted)).
			Msg("Provider invoked")
	}

	return instances, nil
}

// invoke runs one provider invocation with accounting and a span.
func (b *Builder) invoke(ctx context.Context, p Provider, c Capability, deps Instances, wanted CapabilitySet) (Instances, error) {
	ctx, span := b.tracer.Start(ctx, "engine.provide",
		trace.WithAttributes(
			attribute.String("provider.name", p.Name()),
			attribute.String("capability", string(c)),
			attribute.Int("capabilities.wanted", len(wanted)),
		))
	defer span.End()

	for w := range wanted {
		b.counters.IncAttempted(w)
	}

	results, err := p.Provide(ctx, deps, wanted)
	if err == nil {
		for w := range wanted {
			if _, ok := results[w]; !ok {
				err = fmt.Errorf("provider %s did not produce %s", p.Name(), w)
				break
			}
		}
	}

	if err != nil {
		for w := range wanted {
			b.counters.IncFailed(w)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		zerolog.Ctx(ctx).Error().
			Err(err).
			Str("capability", string(c)).
			Str("provider", p.Name()).
			Msg("Provider failed")

		if ctx.Err() != nil {
			return nil, NewPermanentError("build cancelled", err).
				WithCode(ErrCodeCancelled).
				WithCapability(c).
				WithOperation("build")
		}

		var failure *EngineError
		if IsTransient(err) {
			failure = NewTransientError(fmt.Sprintf("provider %s failed", p.Name()), err)
		} else {
			failure = NewPermanentError(fmt.Sprintf("provider %s failed", p.Name()), err)
		}
		return nil, failure.
			WithCode(ErrCodeProviderFailed).
			WithCapability(c).
			WithOperation("build").
			WithDetail("provider", p.Name())
	}

	for w := range wanted {
		b.counters.IncSucceeded(w)
	}
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// BuildFor plans the callback against the builder's registry and builds it.
// The declared external capabilities and the keys of external are planned
// as external steps.
func (b *Builder) BuildFor(ctx context.Context, cb *Callback, external Instances) (*Plan, Instances, error) {
	if cb == nil {
		return nil, nil, NewPermanentError("callback is nil", nil).
			WithCode(ErrCodeValidation).
			WithOperation("build")
	}
	if err := cb.Validate(); err != nil {
		return nil, nil, err
	}

	plan, err := BuildPlan(cb.Capabilities(), b.registry, b.external.Union(external.Keys()))
	if err != nil {
		return nil, nil, err
	}

	instances, err := b.Build(ctx, plan, external)
	if err != nil {
		return plan, nil, err
	}
	return plan, instances, nil
}

// Invoke builds the callback's arguments and calls it.
func (b *Builder) Invoke(ctx context.Context, cb *Callback, external Instances) (iter.Seq2[any, error], error) {
	_, instances, err := b.BuildFor(ctx, cb, external)
	if err != nil {
		return nil, err
	}
	return cb.Call(ctx, instances), nil
}
