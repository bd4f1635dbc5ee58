package commands

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/platformconf/platformconf/pkg/clockconf"
	"github.com/platformconf/platformconf/pkg/config"
)

func newClockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Clock synchronization configuration",
		Long: `Inspect the clock synchronization config that lists timing instances
per network interface:

  ifname [eth0]
  base_port [1000]
  ptp4l_config /etc/ptp4l-eth0.conf

Out-of-order and malformed lines are skipped. Use --strict or
"pconf clock check" to report them.

PATH, like clock_conf.path, is a path on the managed system and is read
below the configured root on local hosts.`,
	}

	cmd.AddCommand(newClockParseCommand())
	cmd.AddCommand(newClockCheckCommand())
	cmd.AddCommand(newClockWatchCommand())

	return cmd
}

// clockPath is the clock configuration on the managed system: PATH when
// given, the configured path otherwise. Executors apply Root themselves.
func clockPath(cfg *config.Config, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.ClockConf.Path
}

// localClockPath is clockPath joined under Root for direct local reads.
func localClockPath(cfg *config.Config, args []string) string {
	return cfg.Resolve(clockPath(cfg, args))
}

func newClockParseCommand() *cobra.Command {
	var (
		strict bool
		host   string
	)

	cmd := &cobra.Command{
		Use:   "parse [PATH]",
		Short: "Parse the clock configuration",
		Example: `  # Parse the configured file
  pconf clock parse

  # Parse a file on a remote controller as YAML
  pconf clock parse --host controller-1 --format yaml

  # Fail on skipped lines
  pconf clock parse /etc/platform/ptpinstance/clock-conf.conf --strict`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				ex, done, err := a.executor(host)
				if err != nil {
					return err
				}
				defer done()

				if !cmd.Flags().Changed("strict") {
					strict = a.cfg.ClockConf.Strict
				}

				cfg, err := clockconf.Load(a.ctx, ex, clockPath(a.cfg, args), clockconf.WithStrict(strict))
				if err != nil {
					return err
				}

				return renderClockConfig(cfg)
			})
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail when lines are skipped")
	cmd.Flags().StringVar(&host, "host", "", "read the file from a configured host over SSH")

	return cmd
}

func renderClockConfig(cfg clockconf.ParsedConfig) error {
	switch f := format(); {
	case strings.HasPrefix(f, FormatJSON):
		return clockconf.Encode(os.Stdout, cfg, clockconf.FormatJSON)
	case strings.HasPrefix(f, FormatYAML):
		return clockconf.Encode(os.Stdout, cfg, clockconf.FormatYAML)
	default:
		rows := make([][]string, 0, len(cfg))
		for _, name := range cfg.Names() {
			rec := cfg[name]
			basePort := ""
			if rec.BasePort != nil {
				basePort = *rec.BasePort
			}
			rows = append(rows, []string{name, basePort, formatParameters(rec.Parameters)})
		}
		return renderTable(os.Stdout, f, []string{"IFNAME", "BASE PORT", "PARAMETERS"}, rows, cfg)
	}
}

func formatParameters(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + params[k]
	}
	return strings.Join(lines, "\n")
}

func newClockCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [PATH]",
		Short: "Report lines the parser would skip",
		Long: `Parse the clock configuration and list every line that is ignored
together with the reason. Exits non-zero when any line is skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				path := localClockPath(a.cfg, args)

				_, err := clockconf.Load(a.ctx, clockconf.LocalReader{}, path, clockconf.WithStrict(true))
				var skipped *clockconf.SkippedLinesError
				if err != nil && !errors.As(err, &skipped) {
					return err
				}
				if skipped == nil {
					fmt.Fprintf(os.Stdout, "%s: no skipped lines\n", path)
					return nil
				}

				rows := make([][]string, len(skipped.Lines))
				for i, l := range skipped.Lines {
					rows[i] = []string{strconv.Itoa(l.Number), string(l.Reason), l.Text}
				}
				if err := renderTable(os.Stdout, format(), []string{"LINE", "REASON", "TEXT"}, rows, skipped.Lines); err != nil {
					return err
				}
				return skipped
			})
		},
	}

	return cmd
}

func newClockWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [PATH]",
		Short: "Re-parse the clock configuration whenever it changes",
		Long: `Watch the clock configuration and print the parsed result after every
change. Metrics are served while watching when enabled in the config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				if err := a.tel.StartMetricsServer(); err != nil {
					return err
				}

				path := localClockPath(a.cfg, args)
				w := clockconf.NewWatcher(path, clockconf.WithStrict(a.cfg.ClockConf.Strict))

				err := w.Watch(a.ctx, func(cfg clockconf.ParsedConfig, err error) {
					if err != nil {
						log.Error().Err(err).Str("path", path).Msg("Clock configuration invalid")
						return
					}
					if err := renderClockConfig(cfg); err != nil {
						log.Error().Err(err).Msg("Failed to render clock configuration")
					}
				})
				if err != nil {
					return err
				}

				<-a.ctx.Done()
				return nil
			})
		},
	}

	return cmd
}
