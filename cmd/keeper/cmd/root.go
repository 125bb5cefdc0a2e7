package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stationops/keeper/pkg/config"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "keeper",
	Short: "Single-host worker supervisor with self-update",
	Long: `keeper keeps a long-running worker process alive on a single host.

It pulls updates to the worker's codebase from a git remote, provisions the
runtime environment (system packages and a Python virtualenv), supervises
the worker with exponential-backoff restarts, and alerts an operator over
Telegram when the worker misbehaves.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath,
		"config file (KEY=VALUE lines)")
}
