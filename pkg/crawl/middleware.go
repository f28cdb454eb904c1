package crawl

import (
	"context"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagepoet/pagepoet/pkg/engine"
	"github.com/pagepoet/pagepoet/pkg/telemetry"
)

// InjectionMiddleware sits between the scheduler and the callbacks. Before a
// download it decides whether the response is needed at all; after it, it
// builds the callback's arguments and calls it.
type InjectionMiddleware struct {
	registry *engine.Registry
	analyzer *engine.UsageAnalyzer
	builder  *engine.Builder
	env      *Env
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
}

// MiddlewareOption configures an InjectionMiddleware.
type MiddlewareOption func(*middlewareOptions)

type middlewareOptions struct {
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	builder []engine.BuilderOption
}

// WithMetrics records downloads and provider counters in m.
func WithMetrics(m *telemetry.Metrics) MiddlewareOption {
	return func(o *middlewareOptions) { o.metrics = m }
}

// WithEvents publishes skip and build events to ep.
func WithEvents(ep *telemetry.EventPublisher) MiddlewareOption {
	return func(o *middlewareOptions) { o.events = ep }
}

// WithBuilderOptions passes extra options to the instance builder.
func WithBuilderOptions(opts ...engine.BuilderOption) MiddlewareOption {
	return func(o *middlewareOptions) { o.builder = append(o.builder, opts...) }
}

// NewInjectionMiddleware creates the middleware for one crawl. Provider
// counters go to env.Stats and, when set, the metrics.
func NewInjectionMiddleware(reg *engine.Registry, env *Env, opts ...MiddlewareOption) *InjectionMiddleware {
	var o middlewareOptions
	for _, opt := range opts {
		opt(&o)
	}

	var counters []engine.Counters
	if env != nil && env.Stats != nil {
		counters = append(counters, env.Stats)
	}
	builderOpts := make([]engine.BuilderOption, 0, len(o.builder)+3)
	builderOpts = append(builderOpts, engine.WithExternal(ExternalCapabilities()))
	if o.metrics != nil {
		counters = append(counters, o.metrics)
		builderOpts = append(builderOpts, engine.WithObserver(o.metrics))
	}
	builderOpts = append(builderOpts, engine.WithCounters(telemetry.CombineCounters(counters...)))
	builderOpts = append(builderOpts, o.builder...)

	return &InjectionMiddleware{
		registry: reg,
		analyzer: &engine.UsageAnalyzer{
			Registry:    reg,
			Expensive:   CapResponse,
			Placeholder: CapDummyResponse,
			External:    ExternalCapabilities(),
		},
		builder: engine.NewBuilder(reg, builderOpts...),
		env:     env,
		metrics: o.metrics,
		events:  o.events,
	}
}

// Analyzer returns the usage analyzer.
func (m *InjectionMiddleware) Analyzer() *engine.UsageAnalyzer {
	return m.analyzer
}

// IsResponseGoingToBeUsed reports whether req's callback may read the
// downloaded response, directly or through any provider in its plan.
func (m *InjectionMiddleware) IsResponseGoingToBeUsed(req *Request) (bool, error) {
	cb, err := m.env.Spider.CallbackFor(req)
	if err != nil {
		return true, err
	}
	return m.analyzer.IsReachable(cb)
}

// ProcessRequest returns a placeholder response when the download can be
// skipped and nil when it must happen. Analysis errors fall back to
// downloading.
func (m *InjectionMiddleware) ProcessRequest(ctx context.Context, req *Request) *DummyResponse {
	used, err := m.IsResponseGoingToBeUsed(req)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("url", req.URL).
			Str("callback", req.Callback).
			Msg("Cannot tell whether the response is used, downloading")
		return nil
	}
	if used {
		return nil
	}

	zerolog.Ctx(ctx).Debug().
		Str("url", req.URL).
		Str("callback", req.Callback).
		Msg("Skipping download")

	if m.env.Stats != nil {
		m.env.Stats.IncValue("pagepoet/downloads_skipped", 1)
	}
	if m.metrics != nil {
		m.metrics.RecordDownload(telemetry.DownloadSkipped)
	}
	if m.events != nil {
		_ = m.events.PublishDownloadSkipped(m.sessionID(), req.URL, req.Callback)
	}
	return NewDummyResponse(req)
}

// ProcessResponse builds the arguments of req's callback and calls it. resp
// is nil when ProcessRequest skipped the download.
func (m *InjectionMiddleware) ProcessResponse(ctx context.Context, req *Request, resp *Response) (iter.Seq2[any, error], error) {
	cb, err := m.env.Spider.CallbackFor(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	items, err := m.builder.Invoke(ctx, cb, ExternalValues(m.env, req, resp))
	if m.events != nil {
		if err != nil {
			_ = m.events.PublishBuildFailed(m.sessionID(), req.URL, cb.Name, err.Error())
		} else {
			_ = m.events.PublishBuildCompleted(m.sessionID(), req.URL, cb.Name, time.Since(start))
		}
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (m *InjectionMiddleware) sessionID() string {
	if m.env == nil || m.env.Session == nil {
		return ""
	}
	return m.env.Session.ID
}
