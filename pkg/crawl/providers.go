package crawl

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pagepoet/pagepoet/pkg/config"
	"github.com/pagepoet/pagepoet/pkg/engine"
	"github.com/pagepoet/pagepoet/pkg/pages"
	"github.com/pagepoet/pagepoet/pkg/telemetry"
)

// Capabilities bound by the crawler for every build.
const (
	CapRequest       engine.Capability = "Request"
	CapResponse      engine.Capability = "Response"
	CapDummyResponse engine.Capability = "DummyResponse"
	CapSpider        engine.Capability = "Spider"
	CapSettings      engine.Capability = "Settings"
	CapStats         engine.Capability = "Stats"
	CapSession       engine.Capability = "Session"
	CapLogger        engine.Capability = "Logger"
)

// ExternalCapabilities returns every capability the crawler supplies. The
// response is in the set even for requests whose download is skipped.
func ExternalCapabilities() engine.CapabilitySet {
	return engine.NewCapabilitySet(
		CapRequest,
		CapResponse,
		CapDummyResponse,
		CapSpider,
		CapSettings,
		CapStats,
		CapSession,
		CapLogger,
	)
}

// Env holds the values shared by every build of one crawl.
type Env struct {
	Spider   *Spider
	Settings *config.Settings
	Stats    *telemetry.Stats
	Session  *Session
	Logger   *zerolog.Logger
}

// ExternalValues binds the crawl values for one request. resp is nil when
// the download was skipped; the placeholder is bound either way.
func ExternalValues(env *Env, req *Request, resp *Response) engine.Instances {
	in := engine.Instances{
		CapRequest:       req,
		CapDummyResponse: NewDummyResponse(req),
	}
	if resp != nil {
		in[CapResponse] = resp
	}
	if env == nil {
		return in
	}
	if env.Spider != nil {
		in[CapSpider] = env.Spider
	}
	if env.Settings != nil {
		in[CapSettings] = env.Settings
	}
	if env.Stats != nil {
		in[CapStats] = env.Stats
	}
	if env.Session != nil {
		in[CapSession] = env.Session
	}
	if env.Logger != nil {
		in[CapLogger] = env.Logger
	}
	return in
}

// ResponseDataProvider builds pages.ResponseData from the downloaded
// response. It is the built-in consumer of the response capability.
type ResponseDataProvider struct{}

// Name implements engine.Provider.
func (ResponseDataProvider) Name() string { return "response_data" }

// Provides implements engine.Provider.
func (ResponseDataProvider) Provides() []engine.Capability {
	return []engine.Capability{pages.CapResponseData}
}

// Requires implements engine.Provider.
func (ResponseDataProvider) Requires() []engine.Capability {
	return []engine.Capability{CapResponse}
}

// Provide implements engine.Provider.
func (ResponseDataProvider) Provide(_ context.Context, deps engine.Instances, _ engine.CapabilitySet) (engine.Instances, error) {
	resp, err := engine.Get[*Response](deps, CapResponse)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("no response to build page input from")
	}
	return engine.Instances{
		pages.CapResponseData: pages.ResponseData{URL: resp.URL, HTML: resp.Text()},
	}, nil
}

// RegisterProviders registers the response data provider and the built-in
// pages.
func RegisterProviders(reg *engine.Registry) error {
	providers := append([]engine.Provider{ResponseDataProvider{}}, pages.Providers()...)
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("failed to register %s: %w", p.Name(), err)
		}
	}
	return nil
}
