package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pagepoet/pagepoet/pkg/engine"
)

// Metrics provides Prometheus metrics for pagepoet. It implements
// engine.Counters and engine.BuildObserver.
type Metrics struct {
	config MetricsConfig

	// Provider metrics
	providerAttempts *prometheus.CounterVec
	providerSuccess  *prometheus.CounterVec
	providerFailures *prometheus.CounterVec

	// Build metrics
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec

	// Crawl metrics
	downloads *prometheus.CounterVec
	items     *prometheus.CounterVec

	registry *prometheus.Registry
}

// Download outcomes.
const (
	DownloadFetched = "fetched"
	DownloadSkipped = "skipped"
	DownloadFailed  = "failed"
)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		providerAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Total number of provider invocations started",
			},
			[]string{"capability"},
		),
		providerSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_success_total",
				Help:      "Total number of provider invocations that succeeded",
			},
			[]string{"capability"},
		),
		providerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_failures_total",
				Help:      "Total number of provider invocations that failed",
			},
			[]string{"capability"},
		),

		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Total number of callback argument builds",
			},
			[]string{"status"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Duration of callback argument builds in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Total number of requests by download outcome",
			},
			[]string{"outcome"},
		),
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Total number of items produced by callbacks",
			},
			[]string{"callback"},
		),
	}

	registry.MustRegister(
		m.providerAttempts,
		m.providerSuccess,
		m.providerFailures,
		m.builds,
		m.buildDuration,
		m.downloads,
		m.items,
	)

	return m, nil
}

// Provider Metrics

// IncAttempted implements engine.Counters.
func (m *Metrics) IncAttempted(c engine.Capability) {
	if m.providerAttempts == nil {
		return
	}
	m.providerAttempts.WithLabelValues(string(c)).Inc()
}

// IncSucceeded implements engine.Counters.
func (m *Metrics) IncSucceeded(c engine.Capability) {
	if m.providerSuccess == nil {
		return
	}
	m.providerSuccess.WithLabelValues(string(c)).Inc()
}

// IncFailed implements engine.Counters.
func (m *Metrics) IncFailed(c engine.Capability) {
	if m.providerFailures == nil {
		return
	}
	m.providerFailures.WithLabelValues(string(c)).Inc()
}

// Build Metrics

// BuildFinished implements engine.BuildObserver.
func (m *Metrics) BuildFinished(_ context.Context, _ *engine.Plan, duration time.Duration, err error) {
	if m.builds == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.builds.WithLabelValues(status).Inc()
	m.buildDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Crawl Metrics

// RecordDownload records a request's download outcome.
func (m *Metrics) RecordDownload(outcome string) {
	if m.downloads == nil {
		return
	}
	m.downloads.WithLabelValues(outcome).Inc()
}

// RecordItem records an item produced by a callback.
func (m *Metrics) RecordItem(callback string) {
	if m.items == nil {
		return
	}
	m.items.WithLabelValues(callback).Inc()
}

// Registry returns the Prometheus registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the crawl
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	return server
}
