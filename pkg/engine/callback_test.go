package engine

import (
	"context"
	"errors"
	"testing"
)

type bookPage struct {
	title string
}

func bookRegistry(t *testing.T) *Registry {
	t.Helper()

	reg, err := NewRegistry(
		stubProvider("data", []Capability{"ResponseData"}, "Response"),
		ItemPage("BookPage", []Capability{"ResponseData"},
			func(deps Instances) (*bookPage, error) {
				data, err := Get[string](deps, "ResponseData")
				if err != nil {
					return nil, err
				}
				return &bookPage{title: data}, nil
			},
			func(_ context.Context, page *bookPage) (any, error) {
				return map[string]string{"title": page.title}, nil
			}),
		NewItemPage("AbstractPage", []Capability{"ResponseData"},
			func(Instances) (any, error) { return struct{}{}, nil }, nil),
		NewPage("PlainPage", []Capability{"ResponseData"},
			func(Instances) (any, error) { return struct{}{}, nil }),
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return reg
}

func TestCallbackFor_Validation(t *testing.T) {
	reg := bookRegistry(t)

	tests := []struct {
		name string
		page Capability
		want error
	}{
		{"web page", "PlainPage", ErrNotItemPage},
		{"page input", "ResponseData", ErrNotItemPage},
		{"unregistered", "Missing", ErrNotItemPage},
		{"abstract extraction", "AbstractPage", ErrNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := CallbackFor(reg, tt.page)
			if err == nil {
				t.Fatal("Expected materialization error")
			}
			if cb != nil {
				t.Error("Expected no callback on error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got: %v", tt.want, err)
			}
		})
	}
}

func TestCallbackFor_YieldsOneItem(t *testing.T) {
	reg := bookRegistry(t)

	cb, err := CallbackFor(reg, "BookPage")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !cb.Materialized() {
		t.Error("Expected callback to be marked materialized")
	}
	if caps := cb.Capabilities(); len(caps) != 1 || caps[0] != "BookPage" {
		t.Errorf("Expected single BookPage parameter, got %v", caps)
	}

	results, err := NewBuilder(reg).Invoke(context.Background(), cb, Instances{"Response": "<html>"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	count := 0
	for item, err := range results {
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		got := item.(map[string]string)["title"]
		if got != "ResponseData@data" {
			t.Errorf("Expected title ResponseData@data, got %q", got)
		}
		count++
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 item, got %d", count)
	}
}

func TestCallback_Validate(t *testing.T) {
	cb := NewCallback("parse", noop,
		Param{Name: "a", Capability: "A"},
		Param{Name: "b", Capability: "A"})
	if err := cb.Validate(); err == nil {
		t.Error("Expected duplicate declaration to fail validation")
	}

	if err := NewCallback("parse", nil).Validate(); err == nil {
		t.Error("Expected callback without body to fail validation")
	}

	ok := NewCallback("parse", noop, Param{Name: "response"}, Param{Name: "a", Capability: "A"})
	if err := ok.Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if caps := ok.Capabilities(); len(caps) != 1 || caps[0] != "A" {
		t.Errorf("Expected untyped parameters to be skipped, got %v", caps)
	}
}
