// Package telemetry provides observability instrumentation for pagepoet.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), a per-session stats collector and
// event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Injection counters
//
// Metrics and Stats both implement engine.Counters, so the instance builder
// can report provider attempts, successes and failures to either or both:
//
//	counters := telemetry.CombineCounters(tel.Metrics, stats)
//	builder := engine.NewBuilder(reg, engine.WithCounters(counters),
//	    engine.WithObserver(tel.Metrics),
//	    engine.WithTracer(tel.Tracer.Tracer()))
//
// # Stats
//
// Stats is the value injected for the stats capability. Providers record
// their own keys:
//
//	stats.IncValue("autoextract/product/total", 1)
//
// # Events
//
// The EventPublisher delivers crawl events (download.skipped, build.failed,
// item.scraped, ...) to subscribers, asynchronously when EnableAsync is set.
package telemetry
