// Package policy decides which crawl requests are crawled, using Open Policy
// Agent (OPA) Rego policies.
//
// Every policy is a Rego module whose package defines a "deny" set. Each
// element is a message string or an object with "message" and optionally
// "severity". Violations of severity error or critical drop the request;
// warnings are only logged. Policies see this input document:
//
//	{
//	  "request": {"url": ..., "scheme": ..., "host": ..., "path": ...,
//	              "callback": ..., "depth": ...},
//	  "params":  {"allowed_domains": [...], "max_url_length": 2083}
//	}
//
// # Built-in Policies
//
//   - http-scheme: only http and https URLs
//   - offsite: the host must be an allowed domain or a subdomain of one
//     (inactive while allowed_domains is empty)
//   - url-length: URLs longer than max_url_length are dropped
//
// # Usage
//
//	engine, err := policy.NewEngineFromSettings(ctx, settings.Policy, logger)
//	if err != nil {
//	    return err
//	}
//	crawler := crawl.NewCrawler(reg, env, downloader, crawl.WithRequestFilter(engine))
//
// Custom policies are loaded from .rego files (named after the file) or
// .json files with inline Rego or a rego_file. The leading comments of a
// .rego file describe it and may set its severity, tags and enabled state:
//
//	# Never crawl login pages
//	# severity: error
//	# tags: auth
//	package pagepoet.policies.login
//
//	import rego.v1
//
//	deny contains "login page" if {
//	    startswith(input.request.path, "/login")
//	}
//
// Engine.Watch reloads the files when they change.
package policy
