package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pagepoet/pagepoet/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a settings file",
		Long: `Validate a YAML or CUE settings file.

This command checks:
  - YAML syntax, or CUE syntax and schema conformance
  - Field constraints (URLs, limits, required AutoExtract credentials)
  - Callback declarations: unique names, a page or a script
  - That every callback can be built against the registered providers`,
		Example: `  # Validate the file passed with --config
  poet validate --config poet.yaml

  # Validate a specific file
  poet validate ./spiders/books.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				configPath = args[0]
			}
			if configPath == "" {
				return fmt.Errorf("no settings file given")
			}

			log.Info().Str("path", configPath).Msg("Validating settings")

			_, _, spider, err := newSpider(cmd.Context())
			if err != nil {
				var loadErr *config.LoadError
				if errors.As(err, &loadErr) {
					for _, e := range loadErr.Errors {
						fmt.Fprintln(cmd.ErrOrStderr(), e.Error())
					}
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (spider %s, callbacks: %v)\n",
				configPath, spider.Name, spider.CallbackNames())
			return nil
		},
	}

	return cmd
}
