package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pagepoet/pagepoet/pkg/config"
	"github.com/pagepoet/pagepoet/pkg/crawl"
)

func newTestEngine(t *testing.T, params Params) *Engine {
	t.Helper()

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, params)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Params{})

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{"http-scheme", "offsite", "url-length"}
	for _, expected := range expectedPolicies {
		found := false
		for _, p := range policies {
			if p.Name == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}
}

func TestEvaluateRequest_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t, Params{
		AllowedDomains: []string{"books.example.com", "Example.org"},
		MaxURLLength:   60,
	})

	tests := []struct {
		name        string
		url         string
		wantAllowed bool
		wantPolicy  string
	}{
		{"allowed domain", "http://books.example.com/catalogue", true, ""},
		{"subdomain", "https://www.example.org/", true, ""},
		{"offsite", "http://shop.example.com/", false, "offsite"},
		{"suffix is not a subdomain", "http://notexample.org/", false, "offsite"},
		{"unsupported scheme", "ftp://books.example.com/file", false, "http-scheme"},
		{"too long", "http://books.example.com/" + strings.Repeat("a", 60), false, "url-length"},
		{"invalid url", "http://%zz", false, "url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluateRequest(context.Background(), crawl.NewRequest(tt.url, ""))
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if decision.Allowed != tt.wantAllowed {
				t.Fatalf("Expected allowed=%v, got: %v (violations: %+v)", tt.wantAllowed, decision.Allowed, decision.Violations)
			}
			if tt.wantPolicy == "" {
				return
			}

			found := false
			for _, v := range decision.Violations {
				if v.Policy == tt.wantPolicy {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected violation of %s, got: %+v", tt.wantPolicy, decision.Violations)
			}
		})
	}
}

func TestEvaluateRequest_NoAllowedDomainsAllowsAll(t *testing.T) {
	eng := newTestEngine(t, Params{})

	allowed, err := eng.Allow(context.Background(), crawl.NewRequest("http://anywhere.example.net/", ""))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !allowed {
		t.Fatal("Expected request to be allowed without domain restrictions")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, Params{AllowedDomains: []string{"example.com"}})
	ctx := context.Background()
	offsite := crawl.NewRequest("http://other.example.net/", "")

	if err := eng.DisablePolicy("offsite"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if allowed, _ := eng.Allow(ctx, offsite); !allowed {
		t.Error("Expected offsite request to pass with the policy disabled")
	}

	if err := eng.EnablePolicy("offsite"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if allowed, _ := eng.Allow(ctx, offsite); allowed {
		t.Error("Expected offsite request to be dropped with the policy enabled")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

const loginPolicy = `# Never crawl login pages
package pagepoet.policies.login

import rego.v1

deny contains "login page" if {
	startswith(input.request.path, "/login")
}

deny contains violation if {
	input.request.depth > 3
	violation := {"message": "deep request", "severity": "warning"}
}
`

func TestLoadPolicies_CustomRego(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "login.rego"), []byte(loginPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	eng := newTestEngine(t, Params{})
	ctx := context.Background()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("login")
	if err != nil {
		t.Fatalf("Expected login policy: %v", err)
	}
	if p.Description != "Never crawl login pages" {
		t.Errorf("Expected description from comment, got: %q", p.Description)
	}

	decision, err := eng.EvaluateRequest(ctx, crawl.NewRequest("http://example.com/login?next=/", ""))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed || len(decision.Violations) != 1 || decision.Violations[0].Message != "login page" {
		t.Errorf("Expected login page violation, got: %+v", decision)
	}

	deep := crawl.NewRequest("http://example.com/a", "")
	deep.Depth = 5
	decision, err = eng.EvaluateRequest(ctx, deep)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Expected warnings not to block, got: %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Severity != SeverityWarning {
		t.Errorf("Expected one warning, got: %+v", decision.Warnings)
	}
}

func TestLoadPolicies_RejectsShadowingAndBadRego(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	shadow := filepath.Join(dir, "offsite.rego")
	if err := os.WriteFile(shadow, []byte(loginPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	eng := newTestEngine(t, Params{})
	if err := eng.LoadPolicies(ctx, []string{shadow}); err == nil {
		t.Error("Expected error for a policy shadowing a built-in")
	}

	bad := filepath.Join(dir, "bad.rego")
	if err := os.WriteFile(bad, []byte("package broken\n\ndeny[msg {"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{bad}); err == nil {
		t.Error("Expected compile error")
	}
	if _, err := eng.GetPolicy("bad"); err == nil {
		t.Error("Expected broken policy not to be stored")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t, Params{})
	ctx := context.Background()

	custom := Policy{Name: "login", Rego: loginPolicy, Severity: SeverityError, Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Fatalf("Expected built-ins plus one policy, got: %d", len(eng.ListPolicies()))
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if _, err := eng.GetPolicy("login"); err == nil {
		t.Error("Expected login policy to be removed")
	}
	if _, err := eng.GetPolicy("offsite"); err != nil {
		t.Error("Expected built-in policies to be kept")
	}
}

func TestNewEngineFromSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "login.rego")
	if err := os.WriteFile(path, []byte(loginPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	cfg := config.DefaultSettings().Policy
	cfg.AllowedDomains = []string{"example.com"}
	cfg.Paths = []string{path}

	eng, err := NewEngineFromSettings(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer eng.Close()

	if eng.Params().MaxURLLength != 2083 {
		t.Errorf("Expected default URL length limit, got: %d", eng.Params().MaxURLLength)
	}
	if _, err := eng.GetPolicy("login"); err != nil {
		t.Errorf("Expected login policy to be loaded: %v", err)
	}
}

func TestEngine_FiltersCrawl(t *testing.T) {
	eng := newTestEngine(t, Params{AllowedDomains: []string{"books.example.com"}})

	var filter crawl.RequestFilter = eng
	ctx := context.Background()

	for url, want := range map[string]bool{
		"http://books.example.com/1": true,
		"http://ads.example.net/":    false,
	} {
		got, err := filter.Allow(ctx, crawl.NewRequest(url, ""))
		if err != nil {
			t.Fatalf("Allow(%s) failed: %v", url, err)
		}
		if got != want {
			t.Errorf("Allow(%s) = %v, want %v", url, got, want)
		}
	}
}
