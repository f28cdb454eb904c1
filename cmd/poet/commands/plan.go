package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pagepoet/pagepoet/pkg/crawl"
	"github.com/pagepoet/pagepoet/pkg/engine"
)

// planReport is the JSON form of `poet plan`.
type planReport struct {
	Callback         string         `json:"callback"`
	Plan             *engine.Plan   `json:"plan"`
	Providers        []string       `json:"providers"`
	ResponseUsed     bool           `json:"response_used"`
	DownloadSkipped  bool           `json:"download_skipped"`
	Params           []engine.Param `json:"params"`
}

func newPlanCommand() *cobra.Command {
	var (
		callback string
		dotFile  string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how a callback's inputs are built",
		Long: `Show the build plan of a callback.

The plan:
  - Lists every capability the callback needs, level by level
  - Names the provider that builds each one, or marks it external
  - Tells whether the response would be downloaded or skipped`,
		Example: `  # Plan the default callback
  poet plan

  # Plan a named callback and write a Graphviz file
  poet plan --callback parse_product --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, spider, err := newSpider(cmd.Context())
			if err != nil {
				return err
			}

			if callback == "" {
				callback = spider.DefaultCallback
			}
			cb, ok := spider.Callback(callback)
			if !ok {
				return fmt.Errorf("unknown callback %q (have %s)", callback, strings.Join(spider.CallbackNames(), ", "))
			}

			log.Debug().Str("callback", callback).Msg("Planning callback")

			planner := engine.NewPlanner(reg, crawl.ExternalCapabilities())
			plan, err := planner.PlanCallback(cb)
			if err != nil {
				return err
			}
			providers, err := planner.DiscoverProviders(cb)
			if err != nil {
				return err
			}

			mw := crawl.NewInjectionMiddleware(reg, &crawl.Env{Spider: spider})
			used, err := mw.IsResponseGoingToBeUsed(crawl.NewRequest("", callback))
			if err != nil {
				return err
			}

			report := planReport{
				Callback:        callback,
				Plan:            plan,
				Providers:       make([]string, len(providers)),
				ResponseUsed:    used,
				DownloadSkipped: !used,
				Params:          cb.Params,
			}
			for i, p := range providers {
				report.Providers[i] = p.Name()
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(plan.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printPlan(cmd, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&callback, "callback", "", "callback to plan (default: the spider's default callback)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file (optional)")

	return cmd
}

func printPlan(cmd *cobra.Command, r planReport) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Callback: %s\n", r.Callback)
	fmt.Fprintln(out, "Steps:")
	for _, step := range r.Plan.Steps {
		source := step.Provider
		if step.External {
			source = "external"
		}
		fmt.Fprintf(out, "  [%d] %-28s %s\n", step.Level, step.Capability, source)
	}

	providers := "none"
	if len(r.Providers) > 0 {
		providers = strings.Join(r.Providers, ", ")
	}
	fmt.Fprintf(out, "Providers: %s\n", providers)

	if r.DownloadSkipped {
		fmt.Fprintln(out, "Download: skipped")
	} else {
		fmt.Fprintln(out, "Download: required")
	}
}
