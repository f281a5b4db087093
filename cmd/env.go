// env.go - Ausgabe der wirksamen Konfiguration
// Hauptfunktionen: newEnvCmd
package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kvbridge/kvbridge/envconfig"
)

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the effective environment configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			vars := envconfig.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				e := vars[k]
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %v\n", e.Name, e.Value)
			}
		},
	}
}
