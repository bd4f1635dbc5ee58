package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/platformconf/platformconf/pkg/config"
	"github.com/platformconf/platformconf/pkg/engine"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the platformconf configuration",
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigValidateCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults and environment overrides
(` + config.EnvLogLevel + `, ` + config.EnvDatabase + `, ` + config.EnvRoot + `) are applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				f := format()
				if f != FormatJSON {
					f = FormatYAML
				}
				return renderValue(os.Stdout, f, redactedConfig(a.cfg))
			})
		},
	}

	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [PATH]",
		Short: "Check a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				path = config.DefaultPath
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}

			cfg := config.Default()
			err = config.Parse(path, data, cfg)
			if err == nil {
				err = cfg.Validate()
			}

			var schemaErr *config.SchemaError
			if errors.As(err, &schemaErr) {
				rows := make([][]string, len(schemaErr.Errors))
				for i, ve := range schemaErr.Errors {
					rows[i] = []string{strconv.Itoa(ve.Line), strconv.Itoa(ve.Column), ve.Message}
				}
				if rerr := renderTable(os.Stdout, format(), []string{"LINE", "COLUMN", "MESSAGE"}, rows, schemaErr.Errors); rerr != nil {
					return rerr
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "%s: ok\n", path)
			return nil
		},
	}

	return cmd
}

// redactedConfig returns a copy of cfg without host passwords.
func redactedConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Hosts = make([]engine.Host, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		if h.Password != "" {
			h.Password = engine.RedactedNew
		}
		out.Hosts[i] = h
	}
	return &out
}
