package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	verbose      bool
	jsonOutput   bool
	outputFormat string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pconf",
		Short: "platformconf - platform configuration and host facts",
		Long: `pconf manages the configuration files of a platform controller.

It can:
  - parse and watch the clock synchronization config (clock-conf.conf)
  - read and change "section/setting" entries of service ini files
  - collect and cache host facts locally or over SSH
  - gate setting changes with Rego policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default /etc/platformconf/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", FormatTable, "output format (table, compact, csv, json, yaml)")

	rootCmd.AddCommand(newClockCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newSettingCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
