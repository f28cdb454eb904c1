package engine

import (
	"context"
	"errors"
	"iter"
	"testing"
)

const (
	capResponse Capability = "Response"
	capDummy    Capability = "DummyResponse"
	capRequest  Capability = "Request"
)

func noop(context.Context, Instances) iter.Seq2[any, error] { return Yield() }

func newUsageAnalyzer(t *testing.T, providers ...Provider) *UsageAnalyzer {
	t.Helper()

	reg, err := NewRegistry(providers...)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return &UsageAnalyzer{
		Registry:    reg,
		Expensive:   capResponse,
		Placeholder: capDummy,
		External:    NewCapabilitySet(capResponse, capDummy, capRequest),
	}
}

func TestUsageAnalyzer_IsReachable(t *testing.T) {
	analyzer := newUsageAnalyzer(t,
		stubProvider("html", []Capability{"ResponseData"}, capResponse),
		stubProvider("api", []Capability{"ProductData"}, capRequest),
		NewPage("HTMLPage", []Capability{"ResponseData"}, func(Instances) (any, error) { return "html", nil }),
		NewPage("APIPage", []Capability{"ProductData"}, func(Instances) (any, error) { return "api", nil }),
	)

	tests := []struct {
		name string
		cb   *Callback
		want bool
	}{
		{
			name: "no parameters",
			cb:   NewCallback("parse", noop),
			want: true,
		},
		{
			name: "untyped first parameter",
			cb:   NewCallback("parse", noop, Param{Name: "response"}),
			want: true,
		},
		{
			name: "variadic first parameter",
			cb:   &Callback{Name: "parse", Fn: noop, Variadic: true, Params: []Param{{Name: "args", Capability: capDummy}}},
			want: true,
		},
		{
			name: "expensive parameter",
			cb:   NewCallback("parse", noop, Param{Name: "response", Capability: capResponse}),
			want: true,
		},
		{
			name: "placeholder with expensive parameter later",
			cb: NewCallback("parse", noop,
				Param{Name: "response", Capability: capDummy},
				Param{Name: "raw", Capability: capResponse}),
			want: true,
		},
		{
			name: "other typed first parameter",
			cb:   NewCallback("parse", noop, Param{Name: "page", Capability: "APIPage"}),
			want: true,
		},
		{
			name: "placeholder only",
			cb:   NewCallback("parse", noop, Param{Name: "response", Capability: capDummy}),
			want: false,
		},
		{
			name: "placeholder with page not using the response",
			cb: NewCallback("parse", noop,
				Param{Name: "response", Capability: capDummy},
				Param{Name: "page", Capability: "APIPage"}),
			want: false,
		},
		{
			name: "placeholder with page using the response transitively",
			cb: NewCallback("parse", noop,
				Param{Name: "response", Capability: capDummy},
				Param{Name: "page", Capability: "HTMLPage"}),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := analyzer.IsReachable(tt.cb)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected IsReachable %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUsageAnalyzer_MaterializedCallback(t *testing.T) {
	extract := func(_ context.Context, page any) (any, error) { return page, nil }
	analyzer := newUsageAnalyzer(t,
		stubProvider("html", []Capability{"ResponseData"}, capResponse),
		stubProvider("api", []Capability{"ProductData"}, capRequest),
		NewItemPage("HTMLItem", []Capability{"ResponseData"}, func(Instances) (any, error) { return "html", nil }, extract),
		NewItemPage("APIItem", []Capability{"ProductData"}, func(Instances) (any, error) { return "api", nil }, extract),
	)

	apiCb, err := CallbackFor(analyzer.Registry, "APIItem")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	reachable, err := analyzer.IsReachable(apiCb)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if reachable {
		t.Error("Expected materialized API callback to skip the response")
	}

	htmlCb, err := CallbackFor(analyzer.Registry, "HTMLItem")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	reachable, err = analyzer.IsReachable(htmlCb)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reachable {
		t.Error("Expected materialized HTML callback to need the response")
	}
}

func TestUsageAnalyzer_PlanningErrorIsInUse(t *testing.T) {
	analyzer := newUsageAnalyzer(t)

	cb := NewCallback("parse", noop,
		Param{Name: "response", Capability: capDummy},
		Param{Name: "page", Capability: "Unregistered"})

	reachable, err := analyzer.IsReachable(cb)
	if !reachable {
		t.Error("Expected planning failure to be treated as in use")
	}
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("Expected ErrUnsatisfiable, got: %v", err)
	}
}

func TestUsageAnalyzer_NilCallback(t *testing.T) {
	analyzer := newUsageAnalyzer(t)

	reachable, err := analyzer.IsReachable(nil)
	if !reachable {
		t.Error("Expected a nil callback to be treated as in use")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeValidation {
		t.Errorf("Expected validation error, got: %v", err)
	}
}
