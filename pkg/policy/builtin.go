package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		httpSchemePolicy(),
		offsitePolicy(),
		urlLengthPolicy(),
	}
}

// httpSchemePolicy only lets http and https requests through.
func httpSchemePolicy() Policy {
	return Policy{
		Name:        "http-scheme",
		Description: "Only http and https URLs can be downloaded",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"builtin", "scheme"},
		Rego: `package pagepoet.policies.scheme

import rego.v1

allowed_schemes := {"http", "https"}

deny contains violation if {
	not allowed_schemes[input.request.scheme]
	violation := {
		"message": sprintf("unsupported URL scheme '%s'", [input.request.scheme]),
	}
}
`,
	}
}

// offsitePolicy drops requests outside the allowed domains.
func offsitePolicy() Policy {
	return Policy{
		Name:        "offsite",
		Description: "Requests must target an allowed domain or one of its subdomains",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"builtin", "domains"},
		Rego: `package pagepoet.policies.offsite

import rego.v1

deny contains violation if {
	count(input.params.allowed_domains) > 0
	not allowed_host
	violation := {
		"message": sprintf("offsite request to %s", [input.request.host]),
	}
}

allowed_host if {
	some domain in input.params.allowed_domains
	input.request.host == lower(domain)
}

allowed_host if {
	some domain in input.params.allowed_domains
	endswith(input.request.host, concat("", [".", lower(domain)]))
}
`,
	}
}

// urlLengthPolicy drops requests with overly long URLs.
func urlLengthPolicy() Policy {
	return Policy{
		Name:        "url-length",
		Description: "URLs longer than the configured limit are not crawled",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"builtin", "limits"},
		Rego: `package pagepoet.policies.urllength

import rego.v1

deny contains violation if {
	input.params.max_url_length > 0
	count(input.request.url) > input.params.max_url_length
	violation := {
		"message": sprintf("URL longer than %d characters", [input.params.max_url_length]),
	}
}
`,
	}
}
