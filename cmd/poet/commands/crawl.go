package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pagepoet/pagepoet/pkg/crawl"
	"github.com/pagepoet/pagepoet/pkg/policy"
	"github.com/pagepoet/pagepoet/pkg/telemetry"
)

type crawlReport struct {
	Session *crawl.Session   `json:"session"`
	Stats   map[string]int64 `json:"stats,omitempty"`
}

func newCrawlCommand() *cobra.Command {
	var (
		callback     string
		concurrency  int
		depthLimit   int
		serveMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "crawl [URL...]",
		Short: "Crawl URLs with the configured callbacks",
		Long: `Crawl the given URLs, or the spider's start URLs when none are given.

For each request:
  - The callback's plan decides whether the response is downloaded
  - Providers build the callback's inputs
  - Yielded items are stored; yielded requests are followed up to the depth limit

The session, its items, stats and events are stored in the settings' store.`,
		Example: `  # Crawl the start URLs from the settings
  poet crawl --config books.yaml

  # Crawl one URL with a named callback
  poet crawl --config shop.cue --callback parse_product https://shop.example.com/chair

  # Expose Prometheus metrics while crawling
  poet crawl --config books.yaml --serve-metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, reg, spider, err := newSpider(ctx)
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(&settings.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			ctx = tel.WithContext(ctx)

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()

			store.RecordEvents(context.WithoutCancel(ctx), tel.Events, func(err error) {
				log.Warn().Err(err).Msg("Failed to store event")
			})

			if serveMetrics {
				if srv := tel.Metrics.StartMetricsServer(); srv != nil {
					log.Info().Str("addr", srv.Addr).Msg("Serving metrics")
					defer srv.Close()
				}
			}

			policies, err := policy.NewEngineFromSettings(ctx, settings.Policy, *tel.Logger.NewComponentLogger("policy").Zerolog())
			if err != nil {
				return err
			}
			defer policies.Close()
			if settings.Policy.Watch && len(settings.Policy.Paths) > 0 {
				if err := policies.Watch(ctx, settings.Policy.Paths); err != nil {
					return err
				}
			}

			opts := []crawl.CrawlerOption{
				crawl.WithRequestFilter(policies),
				crawl.WithItemSink(store),
				crawl.WithSessionRecorder(store),
				crawl.WithTelemetry(tel.Metrics, tel.Events),
				crawl.WithTracing(tel.Tracer),
			}
			if concurrency > 0 {
				opts = append(opts, crawl.WithConcurrency(concurrency))
			}
			if cmd.Flags().Changed("depth") {
				opts = append(opts, crawl.WithDepthLimit(depthLimit))
			}

			env := &crawl.Env{
				Spider:   spider,
				Settings: settings,
				Logger:   tel.Logger.Zerolog(),
			}
			crawler := crawl.NewCrawler(reg, env, crawl.NewHTTPDownloader(settings.Download), opts...)

			reqs := make([]*crawl.Request, len(args))
			for i, url := range args {
				reqs[i] = crawl.NewRequest(url, callback)
			}
			if len(reqs) == 0 && len(spider.StartURLs) == 0 {
				return fmt.Errorf("no URLs given and no start URLs configured")
			}

			crawlErr := crawler.Crawl(ctx, reqs...)

			report := crawlReport{
				Session: crawler.Session(),
				Stats:   crawler.Stats().Snapshot(),
			}
			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printCrawl(cmd, report)
			}
			return crawlErr
		},
	}

	cmd.Flags().StringVar(&callback, "callback", "", "callback for the given URLs (default: the spider's default callback)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "requests in flight (default: from settings)")
	cmd.Flags().IntVar(&depthLimit, "depth", 0, "follow-up depth limit (default: from settings)")
	cmd.Flags().BoolVar(&serveMetrics, "serve-metrics", false, "serve Prometheus metrics during the crawl")

	return cmd
}

func printCrawl(cmd *cobra.Command, r crawlReport) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Session %s (%s): %s\n", r.Session.ID, r.Session.Spider, r.Session.Status)
	if r.Session.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", r.Session.Error)
	}

	printStats(out, r.Stats, "  ")
}

func printStats(out io.Writer, stats map[string]int64, indent string) {
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "%s%-48s %d\n", indent, key, stats[key])
	}
}
