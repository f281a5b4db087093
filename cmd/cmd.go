// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kvbridge/kvbridge/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "kvbridge",
		Short:         "KV cache handoff between disaggregated inference groups",
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	demoCmd := newDemoCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(demoCmd, []envconfig.EnvVar{
		envVars["KVBRIDGE_BACKEND"],
		envVars["KVBRIDGE_HOST"],
		envVars["KVBRIDGE_MAX_TOKENS"],
		envVars["KVBRIDGE_SEND_BUFFERS"],
		envVars["KVBRIDGE_RECV_BUFFERS"],
		envVars["KVBRIDGE_DEBUG"],
	})

	rootCmd.AddCommand(demoCmd, envCmd)
	return rootCmd
}
