package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/platformconf/platformconf/pkg/engine"
)

func newSettingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "setting",
		Aliases: []string{"settings"},
		Short:   "Manage ini file settings",
		Long: `Read and change individual "section/setting" entries of platform
service configuration files. Every change is checked against the
configured policies and recorded in the audit trail.`,
	}

	cmd.AddCommand(newSettingTypesCommand())
	cmd.AddCommand(newSettingGetCommand())
	cmd.AddCommand(newSettingSetCommand())
	cmd.AddCommand(newSettingDeleteCommand())
	cmd.AddCommand(newSettingListCommand())
	cmd.AddCommand(newSettingHistoryCommand())

	return cmd
}

func newSettingTypesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List the setting types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				registry, err := a.cfg.SettingRegistry()
				if err != nil {
					return err
				}

				var (
					rows [][]string
					defs []any
				)
				for _, name := range registry.Types() {
					def, _ := registry.Get(name)
					rows = append(rows, []string{def.Name, def.Path, def.Description})
					defs = append(defs, def)
				}
				return renderTable(os.Stdout, format(), []string{"TYPE", "PATH", "DESCRIPTION"}, rows, defs)
			})
		},
	}

	return cmd
}

func newSettingGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get TYPE SECTION/SETTING",
		Short: "Show a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				svc, err := a.settingsService(args[0])
				if err != nil {
					return err
				}

				setting, err := svc.Get(a.ctx, args[1])
				if err != nil {
					return err
				}

				f := format()
				if !strings.HasPrefix(f, FormatJSON) && !strings.HasPrefix(f, FormatYAML) {
					fmt.Fprintln(os.Stdout, setting.Value)
					return nil
				}
				return renderValue(os.Stdout, f, setting)
			})
		},
	}

	return cmd
}

func newSettingSetCommand() *cobra.Command {
	var secret bool

	cmd := &cobra.Command{
		Use:   "set TYPE SECTION/SETTING VALUE",
		Short: "Create or update a setting",
		Example: `  pconf setting set dcagent_config DEFAULT/debug True
  pconf setting set usm_config keystone_authtoken/password s3cret --secret`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				svc, err := a.settingsService(args[0])
				if err != nil {
					return err
				}

				change, err := svc.Set(a.ctx, engine.Setting{
					Name:   args[1],
					Value:  args[2],
					Secret: secret,
				})
				if err != nil {
					return err
				}
				return renderChange(change)
			})
		},
	}

	cmd.Flags().BoolVar(&secret, "secret", false, "hide the value in output and the audit trail")

	return cmd
}

func newSettingDeleteCommand() *cobra.Command {
	var secret bool

	cmd := &cobra.Command{
		Use:     "delete TYPE SECTION/SETTING",
		Aliases: []string{"rm"},
		Short:   "Remove a setting",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				svc, err := a.settingsService(args[0])
				if err != nil {
					return err
				}

				change, err := svc.Remove(a.ctx, args[1], secret)
				if err != nil {
					return err
				}
				return renderChange(change)
			})
		},
	}

	cmd.Flags().BoolVar(&secret, "secret", false, "hide the old value in output and the audit trail")

	return cmd
}

func renderChange(change *engine.Change) error {
	rows := [][]string{{change.Name, string(change.Action), strconv.FormatBool(change.Changed), change.Before, change.After}}
	return renderTable(os.Stdout, format(), []string{"SETTING", "ACTION", "CHANGED", "BEFORE", "AFTER"}, rows, change)
}

func newSettingListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list TYPE",
		Short: "List every setting of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				svc, err := a.settingsService(args[0])
				if err != nil {
					return err
				}

				settings, err := svc.List(a.ctx)
				if err != nil {
					return err
				}

				rows := make([][]string, len(settings))
				for i, s := range settings {
					rows[i] = []string{s.Section, s.Key, s.Value}
				}
				return renderTable(os.Stdout, format(), []string{"SECTION", "SETTING", "VALUE"}, rows, settings)
			})
		},
	}

	return cmd
}

func newSettingHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history TYPE",
		Short: "Show the audit trail of a setting type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				svc, err := a.settingsService(args[0])
				if err != nil {
					return err
				}

				entries, err := svc.History(a.ctx, limit)
				if err != nil {
					return err
				}

				rows := make([][]string, len(entries))
				for i, e := range entries {
					rows[i] = []string{e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.Target, e.Details}
				}
				return renderTable(os.Stdout, format(), []string{"TIME", "ACTOR", "ACTION", "SETTING", "DETAILS"}, rows, entries)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}
