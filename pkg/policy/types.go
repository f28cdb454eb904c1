package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for requests that are crawled but logged.
	SeverityWarning Severity = "warning"

	// SeverityError drops the request.
	SeverityError Severity = "error"

	// SeverityCritical drops the request.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity drop the request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny rules reject crawl requests.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its package must define a
	// "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is one deny result of a policy.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// URL is the request URL.
	URL string `json:"url"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against one
// request.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block, and policies that
	// failed to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	Request RequestInput `json:"request"`
	Params  Params       `json:"params"`
}

// RequestInput describes the request under evaluation.
type RequestInput struct {
	URL      string `json:"url"`
	Scheme   string `json:"scheme"`
	Host     string `json:"host"`
	Path     string `json:"path"`
	Callback string `json:"callback"`
	Depth    int    `json:"depth"`
}

// Params are the settings the built-in policies read.
type Params struct {
	// AllowedDomains restricts requests to these domains and their
	// subdomains. Empty allows every domain.
	AllowedDomains []string `json:"allowed_domains"`

	// MaxURLLength rejects longer URLs. Zero disables the check.
	MaxURLLength int `json:"max_url_length"`
}
