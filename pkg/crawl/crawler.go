package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pagepoet/pagepoet/pkg/engine"
	"github.com/pagepoet/pagepoet/pkg/telemetry"
)

// ItemSink receives scraped items.
type ItemSink interface {
	SaveItem(ctx context.Context, item *Item) error
}

// SessionRecorder persists the lifecycle of a crawl session.
type SessionRecorder interface {
	StartSession(ctx context.Context, session *Session) error
	FinishSession(ctx context.Context, session *Session, stats map[string]int64) error
}

// RequestFilter decides whether a request is crawled at all.
type RequestFilter interface {
	Allow(ctx context.Context, req *Request) (bool, error)
}

// Crawler runs requests through the injection middleware with bounded
// concurrency. Requests yielded by callbacks are crawled level by level up
// to the depth limit, each URL at most once.
type Crawler struct {
	middleware  *InjectionMiddleware
	downloader  Downloader
	env         *Env
	sink        ItemSink
	sessions    SessionRecorder
	filter      RequestFilter
	metrics     *telemetry.Metrics
	events      *telemetry.EventPublisher
	tracer      *telemetry.Tracer
	concurrency int
	depthLimit  int
}

// CrawlerOption configures a Crawler.
type CrawlerOption func(*Crawler)

// WithItemSink stores items in sink.
func WithItemSink(sink ItemSink) CrawlerOption {
	return func(c *Crawler) { c.sink = sink }
}

// WithSessionRecorder records the session in r.
func WithSessionRecorder(r SessionRecorder) CrawlerOption {
	return func(c *Crawler) { c.sessions = r }
}

// WithRequestFilter drops the requests f does not allow.
func WithRequestFilter(f RequestFilter) CrawlerOption {
	return func(c *Crawler) { c.filter = f }
}

// WithConcurrency bounds the number of requests in flight.
func WithConcurrency(n int) CrawlerOption {
	return func(c *Crawler) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithDepthLimit bounds follow-up hops from the start requests.
func WithDepthLimit(n int) CrawlerOption {
	return func(c *Crawler) {
		if n >= 0 {
			c.depthLimit = n
		}
	}
}

// WithTelemetry records metrics and publishes events.
func WithTelemetry(m *telemetry.Metrics, ep *telemetry.EventPublisher) CrawlerOption {
	return func(c *Crawler) {
		c.metrics = m
		c.events = ep
	}
}

// WithTracing opens a span per crawl, per request and per build in t.
// Without it the tracer of the telemetry in the crawl context is used.
func WithTracing(t *telemetry.Tracer) CrawlerOption {
	return func(c *Crawler) { c.tracer = t }
}

// NewCrawler creates a crawler for env.Spider. A missing session or stats
// collector in env is created.
func NewCrawler(reg *engine.Registry, env *Env, downloader Downloader, opts ...CrawlerOption) *Crawler {
	if env.Session == nil {
		env.Session = NewSession(env.Spider.Name)
	}
	if env.Stats == nil {
		env.Stats = telemetry.NewStats()
	}

	c := &Crawler{
		downloader:  downloader,
		env:         env,
		concurrency: 8,
	}
	if env.Settings != nil {
		c.concurrency = env.Settings.Download.Concurrency
		c.depthLimit = env.Settings.Download.DepthLimit
	}
	for _, opt := range opts {
		opt(c)
	}

	var mwOpts []MiddlewareOption
	if c.metrics != nil {
		mwOpts = append(mwOpts, WithMetrics(c.metrics))
	}
	if c.events != nil {
		mwOpts = append(mwOpts, WithEvents(c.events))
	}
	if c.tracer != nil {
		mwOpts = append(mwOpts, WithBuilderOptions(engine.WithTracer(c.tracer.Tracer())))
	}
	c.middleware = NewInjectionMiddleware(reg, env, mwOpts...)
	return c
}

// Session returns the crawl session.
func (c *Crawler) Session() *Session {
	return c.env.Session
}

// Stats returns the session stats.
func (c *Crawler) Stats() *telemetry.Stats {
	return c.env.Stats
}

// Middleware returns the injection middleware.
func (c *Crawler) Middleware() *InjectionMiddleware {
	return c.middleware
}

// Crawl processes reqs, or the spider's start requests when reqs is empty,
// and every follow-up request within the depth limit. Failures of single
// requests are logged and counted; only cancellation and item sink failures
// stop the crawl.
func (c *Crawler) Crawl(ctx context.Context, reqs ...*Request) error {
	session := c.env.Session
	if len(reqs) == 0 {
		reqs = c.env.Spider.StartRequests()
	}

	tracer, err := c.tracerFor(ctx)
	if err != nil {
		return err
	}
	ctx, span := tracer.StartCrawlSpan(ctx, session.ID, session.Spider)
	defer span.End()

	ctx = telemetry.WithSessionContext(ctx, session.ID, session.Spider)
	logger := zerolog.Ctx(ctx)
	if c.env.Logger == nil {
		c.env.Logger = logger
	}

	if c.sessions != nil {
		if err := c.sessions.StartSession(ctx, session); err != nil {
			return fmt.Errorf("failed to record session: %w", err)
		}
	}
	if c.events != nil {
		_ = c.events.PublishSessionStarted(session.ID, session.Spider)
	}
	logger.Info().
		Int("requests", len(reqs)).
		Str("trace_id", telemetry.TraceID(ctx)).
		Msg("Crawl started")

	err = c.run(ctx, tracer, reqs)

	status := SessionCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, engine.ErrCancelled):
		status = SessionCancelled
	default:
		status = SessionFailed
	}
	session.Finish(status, err)

	if c.sessions != nil {
		// The crawl context may be cancelled already
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ferr := c.sessions.FinishSession(finishCtx, session, c.env.Stats.Snapshot()); ferr != nil {
			err = errors.Join(err, fmt.Errorf("failed to record session: %w", ferr))
		}
	}
	if c.events != nil {
		_ = c.events.PublishSessionCompleted(session.ID, status, session.FinishedAt.Sub(session.StartedAt))
	}

	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	logger.Info().Str("status", status).Msg("Crawl finished")
	return err
}

// tracerFor returns the configured tracer, the tracer of the telemetry in
// ctx, or a tracer on the global provider.
func (c *Crawler) tracerFor(ctx context.Context) (*telemetry.Tracer, error) {
	if c.tracer != nil {
		return c.tracer, nil
	}
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil && tel.Tracer != nil {
		return tel.Tracer, nil
	}
	return telemetry.NewTracer(telemetry.TracingConfig{}, "pagepoet", "", "")
}

func (c *Crawler) run(ctx context.Context, tracer *telemetry.Tracer, reqs []*Request) error {
	seen := make(map[string]bool)
	level := c.unseen(seen, reqs)

	for len(level) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)

		var mu sync.Mutex
		var next []*Request
		for _, req := range level {
			g.Go(func() error {
				follow, err := c.traced(gctx, tracer, req)
				if err != nil {
					return err
				}
				mu.Lock()
				next = append(next, follow...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var within []*Request
		for _, req := range next {
			if req.Depth <= c.depthLimit {
				within = append(within, req)
			}
		}
		level = c.unseen(seen, within)
	}
	return nil
}

func (c *Crawler) unseen(seen map[string]bool, reqs []*Request) []*Request {
	out := make([]*Request, 0, len(reqs))
	for _, req := range reqs {
		key := req.Callback + " " + req.URL
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, req)
	}
	return out
}

// traced runs process inside a request span.
func (c *Crawler) traced(ctx context.Context, tracer *telemetry.Tracer, req *Request) ([]*Request, error) {
	ctx, span := tracer.StartRequestSpan(ctx, req.URL, req.Callback)
	defer span.End()

	follow, err := c.process(ctx, span, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return follow, nil
}

// process handles one request and returns the requests its callback
// yielded.
func (c *Crawler) process(ctx context.Context, span trace.Span, req *Request) ([]*Request, error) {
	stats := c.env.Stats
	reqLogger := telemetry.FromContext(ctx).WithField("url", req.URL)
	logger := reqLogger.Zerolog()
	stats.MaxValue("pagepoet/max_depth", int64(req.Depth))

	if c.filter != nil {
		allowed, err := c.filter.Allow(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Error().Err(err).Msg("Request policy failed, dropping request")
			stats.IncValue("pagepoet/policy_errors", 1)
			return nil, nil
		}
		if !allowed {
			stats.IncValue("pagepoet/requests_filtered", 1)
			return nil, nil
		}
	}

	stats.IncValue("pagepoet/request_count", 1)

	cb, err := c.env.Spider.CallbackFor(req)
	if err != nil {
		logger.Error().Err(err).Msg("No callback for request")
		stats.IncValue("pagepoet/callback_missing", 1)
		return nil, nil
	}
	logger = reqLogger.WithCallback(cb.Name).Zerolog()

	var resp *Response
	skipped := c.middleware.ProcessRequest(ctx, req) != nil
	span.SetAttributes(telemetry.AttrSkipped.Bool(skipped))
	if !skipped {
		resp, err = c.downloader.Fetch(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Msg("Download failed")
			stats.IncValue("pagepoet/download_errors", 1)
			if c.metrics != nil {
				c.metrics.RecordDownload(telemetry.DownloadFailed)
			}
			return nil, nil
		}
		stats.IncValue("pagepoet/downloads", 1)
		if c.metrics != nil {
			c.metrics.RecordDownload(telemetry.DownloadFetched)
		}
	}

	items, err := c.middleware.ProcessResponse(ctx, req, resp)
	if err != nil {
		if errors.Is(err, engine.ErrCancelled) || ctx.Err() != nil {
			return nil, err
		}
		logger.Error().Err(err).Msg("Failed to build callback arguments")
		stats.IncValue("pagepoet/build_errors", 1)
		return nil, nil
	}

	var follow []*Request
	for item, err := range items {
		if err != nil {
			logger.Error().Err(err).Msg("Callback error")
			stats.IncValue("pagepoet/callback_errors", 1)
			continue
		}

		if next, ok := item.(*Request); ok {
			next.Depth = req.Depth + 1
			follow = append(follow, next)
			continue
		}

		if err := c.emit(ctx, req, cb.Name, item); err != nil {
			return nil, err
		}
	}
	return follow, nil
}

func (c *Crawler) emit(ctx context.Context, req *Request, callback string, data any) error {
	item := &Item{
		ID:        uuid.New().String(),
		SessionID: c.env.Session.ID,
		URL:       req.URL,
		Callback:  callback,
		Data:      data,
		ScrapedAt: time.Now().UTC(),
	}
	if c.sink != nil {
		if err := c.sink.SaveItem(ctx, item); err != nil {
			return fmt.Errorf("failed to save item from %s: %w", req.URL, err)
		}
	}

	c.env.Stats.IncValue("pagepoet/item_scraped_count", 1)
	if c.metrics != nil {
		c.metrics.RecordItem(callback)
	}
	if c.events != nil {
		_ = c.events.PublishItemScraped(c.env.Session.ID, req.URL, callback)
	}
	return nil
}
