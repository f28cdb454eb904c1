package engine

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingProvider counts invocations and records what it was asked for.
type recordingProvider struct {
	*FuncProvider
	mu     sync.Mutex
	calls  int
	wanted []CapabilitySet
	deps   []Instances
}

func newRecordingProvider(name string, provides []Capability, requires []Capability, fail error) *recordingProvider {
	rp := &recordingProvider{}
	rp.FuncProvider = NewProvider(name, provides, requires, func(_ context.Context, deps Instances, wanted CapabilitySet) (Instances, error) {
		rp.mu.Lock()
		rp.calls++
		rp.wanted = append(rp.wanted, wanted)
		rp.deps = append(rp.deps, deps)
		rp.mu.Unlock()

		if fail != nil {
			return nil, fail
		}
		out := make(Instances)
		for _, c := range provides {
			out[c] = string(c) + "@" + name
		}
		return out, nil
	})
	return rp
}

func TestBuilder_Build_ProviderChain(t *testing.T) {
	p1 := newRecordingProvider("p1", []Capability{"A"}, nil, nil)
	p2 := newRecordingProvider("p2", []Capability{"B"}, []Capability{"A"}, nil)
	reg, err := NewRegistry(p1, p2)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	plan, err := BuildPlan([]Capability{"B"}, reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if plan.String() != "A, B" {
		t.Fatalf("Expected plan [A, B], got [%s]", plan)
	}

	counters := NewCounterSet()
	instances, err := NewBuilder(reg, WithCounters(counters)).Build(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(instances) != 2 || instances["A"] != "A@p1" || instances["B"] != "B@p2" {
		t.Errorf("Expected {A: A@p1, B: B@p2}, got %v", instances)
	}
	if p1.calls != 1 || p2.calls != 1 {
		t.Errorf("Expected each provider invoked once, got p1=%d p2=%d", p1.calls, p2.calls)
	}
	if p2.deps[0]["A"] != "A@p1" {
		t.Errorf("Expected p2 to receive p1's output, got %v", p2.deps[0])
	}

	for _, c := range []Capability{"A", "B"} {
		if counters.Attempted(c) != 1 || counters.Succeeded(c) != 1 || counters.Failed(c) != 0 {
			t.Errorf("Expected counters 1/1/0 for %s, got %d/%d/%d",
				c, counters.Attempted(c), counters.Succeeded(c), counters.Failed(c))
		}
	}
}

func TestBuilder_Build_EmptyPlan(t *testing.T) {
	reg, _ := NewRegistry()

	plan, err := BuildPlan(nil, reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	instances, err := NewBuilder(reg).Build(context.Background(), plan, Instances{"Request": "req"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("Expected empty instance map, got %v", instances)
	}
}

func TestBuilder_Build_BatchProduction(t *testing.T) {
	batch := newRecordingProvider("batch", []Capability{"X", "Y", "Z"}, []Capability{"Request"}, nil)
	page := NewPage("Page", []Capability{"X", "Y"}, func(deps Instances) (any, error) {
		return MustGet[string](deps, "X") + "+" + MustGet[string](deps, "Y"), nil
	})
	reg, err := NewRegistry(batch, page)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	external := Instances{"Request": "req"}
	plan, err := BuildPlan([]Capability{"Page"}, reg, external.Keys())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	counters := NewCounterSet()
	instances, err := NewBuilder(reg, WithCounters(counters)).Build(context.Background(), plan, external)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, c := range []Capability{"X", "Y", "Page"} {
		if counters.Attempted(c) != 1 || counters.Succeeded(c) != 1 || counters.Failed(c) != 0 {
			t.Errorf("Expected %s attempted=1 succeeded=1 failed=0, got %d/%d/%d",
				c, counters.Attempted(c), counters.Succeeded(c), counters.Failed(c))
		}
	}
	if counters.Attempted("Z") != 0 {
		t.Errorf("Expected Z outside the plan not to be counted, got %d", counters.Attempted("Z"))
	}

	if batch.calls != 1 {
		t.Fatalf("Expected one batch invocation, got %d", batch.calls)
	}
	wanted := batch.wanted[0]
	if len(wanted) != 2 || !wanted.Has("X") || !wanted.Has("Y") {
		t.Errorf("Expected batch asked for {X, Y}, got %s", wanted)
	}
	if _, ok := instances["Z"]; ok {
		t.Error("Expected capability outside the plan to be dropped")
	}
	if instances["Page"] != "X@batch+Y@batch" {
		t.Errorf("Expected page built from batch output, got %v", instances["Page"])
	}
	if batch.deps[0]["Request"] != "req" {
		t.Errorf("Expected external request to reach the provider, got %v", batch.deps[0])
	}
}

func TestBuilder_Build_BatchFailureCountsEveryCapability(t *testing.T) {
	batch := newRecordingProvider("batch", []Capability{"A", "B"}, nil, errors.New("down"))
	reg, _ := NewRegistry(batch)

	plan, err := BuildPlan([]Capability{"A", "B"}, reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	counters := NewCounterSet()
	if _, err := NewBuilder(reg, WithCounters(counters)).Build(context.Background(), plan, nil); err == nil {
		t.Fatal("Expected provider failure")
	}
	for _, c := range []Capability{"A", "B"} {
		if counters.Attempted(c) != 1 || counters.Failed(c) != 1 || counters.Succeeded(c) != 0 {
			t.Errorf("Expected %s attempted=1 failed=1 succeeded=0, got %d/%d/%d",
				c, counters.Attempted(c), counters.Failed(c), counters.Succeeded(c))
		}
	}
}

func TestBuilder_Build_ProviderFailure(t *testing.T) {
	cause := errors.New("upstream exploded")
	p3 := newRecordingProvider("p3", []Capability{"C"}, nil, cause)
	after := newRecordingProvider("after", []Capability{"D"}, []Capability{"C"}, nil)
	reg, _ := NewRegistry(p3, after)

	plan, err := BuildPlan([]Capability{"D"}, reg, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	counters := NewCounterSet()
	instances, err := NewBuilder(reg, WithCounters(counters)).Build(context.Background(), plan, nil)
	if err == nil {
		t.Fatal("Expected provider failure")
	}
	if instances != nil {
		t.Errorf("Expected no partial results, got %v", instances)
	}
	if !errors.Is(err, ErrProviderFailed) {
		t.Errorf("Expected ErrProviderFailed, got: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected original cause to be preserved, got: %v", err)
	}
	if FailedCapability(err) != "C" {
		t.Errorf("Expected failure attributed to C, got %q", FailedCapability(err))
	}

	if counters.Attempted("C") != 1 {
		t.Errorf("Expected 1 attempt for C, got %d", counters.Attempted("C"))
	}
	if counters.Failed("C") != 1 {
		t.Errorf("Expected failed counter for C to be 1, got %d", counters.Failed("C"))
	}
	if counters.Succeeded("C") != 0 {
		t.Errorf("Expected succeeded counter for C to be 0, got %d", counters.Succeeded("C"))
	}
	if after.calls != 0 {
		t.Errorf("Expected build to stop after failure, got %d later invocations", after.calls)
	}
}

func TestBuilder_Build_TransientFailureStaysTransient(t *testing.T) {
	cause := NewTransientError("timeout", nil)
	reg, _ := NewRegistry(newRecordingProvider("flaky", []Capability{"C"}, nil, cause))

	plan, _ := BuildPlan([]Capability{"C"}, reg, nil)
	_, err := NewBuilder(reg).Build(context.Background(), plan, nil)
	if !IsTransient(err) {
		t.Errorf("Expected transient provider failure, got: %v", err)
	}
}

func TestBuilder_Build_MissingExternal(t *testing.T) {
	reg, _ := NewRegistry(newRecordingProvider("p", []Capability{"Data"}, []Capability{"Request"}, nil))

	plan, err := BuildPlan([]Capability{"Data"}, reg, NewCapabilitySet("Request"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err = NewBuilder(reg).Build(context.Background(), plan, Instances{})
	if !errors.Is(err, ErrMissingExternal) {
		t.Fatalf("Expected ErrMissingExternal, got: %v", err)
	}
	if FailedCapability(err) != "Request" {
		t.Errorf("Expected Request in error, got %q", FailedCapability(err))
	}
}

func TestBuilder_Build_IncompleteProviderOutput(t *testing.T) {
	lazy := NewProvider("lazy", []Capability{"A"}, nil, func(context.Context, Instances, CapabilitySet) (Instances, error) {
		return Instances{}, nil
	})
	reg, _ := NewRegistry(lazy)

	plan, _ := BuildPlan([]Capability{"A"}, reg, nil)
	counters := NewCounterSet()
	_, err := NewBuilder(reg, WithCounters(counters)).Build(context.Background(), plan, nil)
	if !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("Expected ErrProviderFailed, got: %v", err)
	}
	if !strings.Contains(err.Error(), "did not produce A") {
		t.Errorf("Expected missing output in error, got: %v", err)
	}
	if counters.Failed("A") != 1 {
		t.Errorf("Expected failed counter 1, got %d", counters.Failed("A"))
	}
}

func TestBuilder_Build_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	first := NewProvider("first", []Capability{"A"}, nil, func(context.Context, Instances, CapabilitySet) (Instances, error) {
		cancel()
		return Instances{"A": "a"}, nil
	})
	second := newRecordingProvider("second", []Capability{"B"}, []Capability{"A"}, nil)
	reg, _ := NewRegistry(first, second)

	plan, _ := BuildPlan([]Capability{"B"}, reg, nil)
	_, err := NewBuilder(reg).Build(ctx, plan, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled cause, got: %v", err)
	}
	if second.calls != 0 {
		t.Errorf("Expected no invocation after cancellation, got %d", second.calls)
	}
}

func TestBuilder_Build_BlockingProviderHonoursContext(t *testing.T) {
	slow := NewProvider("slow", []Capability{"A"}, nil, func(ctx context.Context, _ Instances, _ CapabilitySet) (Instances, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return Instances{"A": "late"}, nil
		}
	})
	reg, _ := NewRegistry(slow)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	plan, _ := BuildPlan([]Capability{"A"}, reg, nil)
	_, err := NewBuilder(reg).Build(ctx, plan, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got: %v", err)
	}
}

func TestBuilder_ConcurrentBuildsShareRegistry(t *testing.T) {
	p1 := newRecordingProvider("p1", []Capability{"A"}, nil, nil)
	p2 := newRecordingProvider("p2", []Capability{"B"}, []Capability{"A"}, nil)
	reg, _ := NewRegistry(p1, p2)

	counters := NewCounterSet()
	builder := NewBuilder(reg, WithCounters(counters))
	cb := NewCallback("parse", noop, Param{Name: "b", Capability: "B"})

	const builds = 20
	var wg sync.WaitGroup
	errs := make(chan error, builds)
	for i := 0; i < builds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, instances, err := builder.BuildFor(context.Background(), cb, nil)
			if err == nil && instances["B"] != "B@p2" {
				err = errors.New("unexpected instance")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if counters.Succeeded("B") != builds {
		t.Errorf("Expected %d successes for B, got %d", builds, counters.Succeeded("B"))
	}
}

type observerFunc func(ctx context.Context, plan *Plan, duration time.Duration, err error)

func (f observerFunc) BuildFinished(ctx context.Context, plan *Plan, duration time.Duration, err error) {
	f(ctx, plan, duration, err)
}

func TestBuilder_Invoke(t *testing.T) {
	reg, _ := NewRegistry(newRecordingProvider("p1", []Capability{"A"}, nil, nil))

	var observed error = errors.New("not observed")
	builder := NewBuilder(reg, WithObserver(observerFunc(func(_ context.Context, _ *Plan, _ time.Duration, err error) {
		observed = err
	})))

	cb := NewCallback("parse", func(_ context.Context, args Instances) iter.Seq2[any, error] {
		return Yield(args["A"], "second")
	}, Param{Name: "request"}, Param{Name: "a", Capability: "A"})

	results, err := builder.Invoke(context.Background(), cb, Instances{"Request": "req"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if observed != nil {
		t.Errorf("Expected observer to see a successful build, got: %v", observed)
	}

	items := make([]any, 0)
	for item, err := range results {
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		items = append(items, item)
	}
	if len(items) != 2 || items[0] != "A@p1" || items[1] != "second" {
		t.Errorf("Expected [A@p1 second], got %v", items)
	}
}

func TestBuilder_Invoke_MissingExternal(t *testing.T) {
	settings := newRecordingProvider("settings", []Capability{"Settings"}, nil, nil)
	reg, _ := NewRegistry(settings)
	cb := NewCallback("parse", noop,
		Param{Name: "request", Capability: "Request"},
		Param{Name: "settings", Capability: "Settings"},
	)

	builder := NewBuilder(reg, WithExternal(NewCapabilitySet("Request", "Settings")))
	_, err := builder.Invoke(context.Background(), cb, Instances{"Request": 1})
	if !errors.Is(err, ErrMissingExternal) {
		t.Fatalf("Expected ErrMissingExternal, got: %v", err)
	}
	if errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("Expected a missing external, not an unsatisfiable plan: %v", err)
	}
	if settings.calls != 0 {
		t.Errorf("Expected declared external not to be built by a provider, got %d calls", settings.calls)
	}

	plan, instances, err := builder.BuildFor(context.Background(), cb, Instances{"Request": 1, "Settings": "s"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !plan.Contains("Settings") || instances["Settings"] != "s" {
		t.Errorf("Expected supplied settings to be bound, got %v", instances)
	}
}

func TestBuilder_BuildFor_NilCallback(t *testing.T) {
	reg, _ := NewRegistry()
	_, _, err := NewBuilder(reg).BuildFor(context.Background(), nil, nil)
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeValidation {
		t.Fatalf("Expected validation error, got: %v", err)
	}
}
