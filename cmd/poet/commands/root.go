package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "poet",
		Short: "pagepoet - dependency-injected page objects for web crawling",
		Long: `pagepoet resolves the inputs of crawl callbacks from registered providers.

A callback declares the pages it wants (a summary page, a product page, a
raw response). pagepoet plans which providers build them and skips the
download of every response no callback actually reads.

Features:
  - Typed settings via YAML or CUE
  - Callbacks as page objects or Starlark scripts
  - AutoExtract-backed product, article and product list pages
  - SQLite storage of sessions, items and events`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newProvidersCommand())
	rootCmd.AddCommand(newCrawlCommand())
	rootCmd.AddCommand(newItemsCommand())
	rootCmd.AddCommand(newSessionsCommand())

	return rootCmd
}
