// Package engine resolves and builds the arguments of page-object callbacks.
//
// # Overview
//
// A callback declares one capability per parameter. Capabilities are either
// produced by registered providers or supplied from outside (the request,
// the downloaded response, the spider, settings). The engine works in four
// steps:
//
//  1. Register - providers are added to a Registry at startup (Registry)
//  2. Plan - the callback's capabilities are resolved into a dependency-first
//     sequence of steps (BuildPlan, DAGBuilder)
//  3. Analyze - the UsageAnalyzer decides whether the expensive capability
//     is needed at all, so the host can skip the download
//  4. Build - the Builder runs each provider once in plan order and hands
//     the resulting Instances to the callback
//
// # Providers
//
// Providers implement one interface:
//
//	type Provider interface {
//	    Name() string
//	    Provides() []Capability
//	    Requires() []Capability
//	    Provide(ctx context.Context, deps Instances, wanted CapabilitySet) (Instances, error)
//	}
//
// A provider may produce several capabilities in one invocation. Page
// objects are providers too; NewPage, NewItemPage and ItemPage build them
// from a constructor function.
//
// # Materialized callbacks
//
// CallbackFor turns an item page capability into a callback yielding the
// page's single item. Misconfigured pages fail at materialization time.
//
// # Error Classification
//
// Errors are *EngineError values carrying a class, a code and the
// capability involved. Use errors.Is with the package sentinels:
//
//	if errors.Is(err, engine.ErrCyclicDependency) {
//	    // ...
//	}
//
// Provider failures keep the provider's error as the cause and are
// transient when the cause is.
//
// # Concurrency
//
// A Registry is read-only once builds start and may be shared. Instances
// belong to a single build. Counters implementations receive concurrent
// increments from simultaneous builds.
package engine
