package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pagepoet/pagepoet/pkg/engine"
)

type providerInfo struct {
	Name     string              `json:"name"`
	Provides []engine.Capability `json:"provides"`
	Requires []engine.Capability `json:"requires"`
}

func newProvidersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List registered providers",
		Long: `List the providers available to callbacks with the capabilities each
one provides and requires. AutoExtract providers are listed when AutoExtract
is enabled in the settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			reg, err := newRegistry(settings)
			if err != nil {
				return err
			}

			infos := make([]providerInfo, 0)
			for _, p := range reg.Providers() {
				infos = append(infos, providerInfo{
					Name:     p.Name(),
					Provides: p.Provides(),
					Requires: p.Requires(),
				})
			}
			sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), infos)
			}

			out := cmd.OutOrStdout()
			for _, info := range infos {
				fmt.Fprintf(out, "%-28s provides %s requires %s\n",
					info.Name, joinCaps(info.Provides), joinCaps(info.Requires))
			}
			return nil
		},
	}

	return cmd
}

func joinCaps(caps []engine.Capability) string {
	if len(caps) == 0 {
		return "-"
	}
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
