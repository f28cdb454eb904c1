package policy

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/pagepoet/pagepoet/pkg/config"
	"github.com/pagepoet/pagepoet/pkg/crawl"
)

// Engine evaluates request policies. It implements crawl.RequestFilter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	params   Params
	logger   zerolog.Logger
	loader   *Loader
}

var _ crawl.RequestFilter = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	builtin  bool
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies.
func NewEngine(logger zerolog.Logger, params Params) (*Engine, error) {
	if params.AllowedDomains == nil {
		params.AllowedDomains = []string{}
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		params:   params,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		cp.builtin = true
		e.policies[builtins[i].Name] = cp
	}

	return e, nil
}

// NewEngineFromSettings creates an engine configured by the policy settings
// and loads the policy files they name.
func NewEngineFromSettings(ctx context.Context, cfg config.PolicySettings, logger zerolog.Logger) (*Engine, error) {
	e, err := NewEngine(logger, Params{
		AllowedDomains: cfg.AllowedDomains,
		MaxURLLength:   cfg.MaxURLLength,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := e.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Params returns the parameters passed to every evaluation.
func (e *Engine) Params() Params {
	return e.params
}

// EvaluateRequest evaluates every enabled policy against req. Policies that
// fail to evaluate are reported as warnings.
func (e *Engine) EvaluateRequest(ctx context.Context, req *crawl.Request) (*Decision, error) {
	startTime := time.Now()

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "" && u.Opaque == "" && u.Host == "") {
		return &Decision{
			Allowed: false,
			Violations: []Violation{{
				Policy:   "url",
				URL:      req.URL,
				Message:  "invalid URL",
				Severity: SeverityError,
			}},
			Duration: time.Since(startTime),
		}, nil
	}

	input := &Input{
		Request: RequestInput{
			URL:      req.URL,
			Scheme:   strings.ToLower(u.Scheme),
			Host:     strings.ToLower(u.Hostname()),
			Path:     u.Path,
			Callback: req.Callback,
			Depth:    req.Depth,
		},
		Params: e.params,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("url", req.URL).
				Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, Violation{
				Policy:   name,
				URL:      req.URL,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}
	decision.Duration = time.Since(startTime)

	return decision, nil
}

// Allow implements crawl.RequestFilter.
func (e *Engine) Allow(ctx context.Context, req *crawl.Request) (bool, error) {
	decision, err := e.EvaluateRequest(ctx, req)
	if err != nil {
		return false, err
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("url", req.URL).Msg(w.Message)
	}
	if !decision.Allowed {
		for _, v := range decision.Violations {
			e.logger.Debug().Str("policy", v.Policy).Str("url", req.URL).Msg(v.Message)
		}
	}
	return decision.Allowed, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadPolicies loads policy files and directories in addition to the
// policies already known.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every loaded policy for policies. Built-in policies
// are kept. Nothing changes when any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(e.policies))
	for name, cp := range e.policies {
		if cp.builtin {
			next[name] = cp
		}
	}
	for name, cp := range compiled {
		if _, ok := next[name]; ok {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
		next[name] = cp
	}
	e.policies = next

	return nil
}

// Watch reloads the policies under paths whenever a file changes, until ctx
// is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		if _, dup := compiled[policies[i].Name]; dup {
			return nil, fmt.Errorf("policy %s defined twice", policies[i].Name)
		}
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return nil, fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}
	return compiled, nil
}

// compilePolicy prepares the query for the deny set of the policy's package.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// evaluatePolicy evaluates a single compiled policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from a deny result: a message string
// or an object with "message" and optionally "severity".
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		URL:      input.Request.URL,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
