package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newItemsCommand() *cobra.Command {
	var (
		sessionID string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List stored items",
		Long: `List items scraped by previous crawls, in scrape order. Items are printed
one JSON document per line.`,
		Example: `  # Items of one session
  poet items --session 5f0c...

  # Second page of all items
  poet items --limit 50 --offset 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			var filter *string
			if sessionID != "" {
				filter = &sessionID
			}
			items, err := store.ListItems(ctx, filter, limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, items)
			}
			for _, item := range items {
				fmt.Fprintf(out, "%s %s %s\n", item.Callback, item.URL, item.Data)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "only items of this session")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of items")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of items to skip")

	return cmd
}

func newSessionsCommand() *cobra.Command {
	var (
		limit     int
		showStats bool
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List crawl sessions",
		Long:  `List recorded crawl sessions, newest first, optionally with their stats.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(ctx, limit, 0)
			if err != nil {
				return err
			}

			reports := make([]crawlReport, len(sessions))
			for i, session := range sessions {
				reports[i].Session = session
				if showStats {
					if reports[i].Stats, err = store.GetStats(ctx, session.ID); err != nil {
						return err
					}
				}
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), reports)
			}
			for _, r := range reports {
				printSession(cmd, r)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")
	cmd.Flags().BoolVar(&showStats, "stats", false, "include session stats")

	return cmd
}

func printSession(cmd *cobra.Command, r crawlReport) {
	out := cmd.OutOrStdout()
	s := r.Session

	finished := "-"
	if s.FinishedAt != nil {
		finished = s.FinishedAt.Format("2006-01-02 15:04:05")
	}
	fmt.Fprintf(out, "%s %-10s %-10s %s %s\n", s.ID, s.Spider, s.Status,
		s.StartedAt.Format("2006-01-02 15:04:05"), finished)

	printStats(out, r.Stats, "    ")
}
