package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/platformconf/platformconf/pkg/engine"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Collect and inspect host facts",
		Long: `Facts are values discovered on a host, such as the persistent name of
the boot disk. Collected facts are cached in the database until their TTL
expires.`,
	}

	cmd.AddCommand(newFactsCollectCommand())
	cmd.AddCommand(newFactsListCommand())
	cmd.AddCommand(newFactsShowCommand())
	cmd.AddCommand(newFactsForgetCommand())
	cmd.AddCommand(newFactsPurgeCommand())
	cmd.AddCommand(newFactsNamesCommand())

	return cmd
}

func newFactsCollectCommand() *cobra.Command {
	var (
		targets  []string
		selector string
		names    []string
		refresh  bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect facts from targets",
		Example: `  # Collect every fact on this machine
  pconf facts collect

  # Collect two facts from all storage hosts, ignoring the cache
  pconf facts collect --selector role=storage --name boot_disk --name has_ceph --refresh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				collector, err := a.factsCollector()
				if err != nil {
					return err
				}

				if selector != "" {
					hosts, err := a.cfg.HostRegistry()
					if err != nil {
						return err
					}
					for _, h := range hosts.SelectHosts(selector) {
						targets = append(targets, h.Name)
					}
					if len(targets) == 0 {
						return fmt.Errorf("no hosts match selector %q", selector)
					}
				}
				if len(targets) == 0 {
					targets = []string{engine.LocalTarget}
				}

				var (
					results []*engine.FactsCollectionResult
					failed  int
				)
				for _, target := range targets {
					result, err := collectTarget(a, collector, target, names, refresh)
					if err != nil {
						log.Error().Err(err).Str("target", target).Msg("Facts collection failed")
						failed++
						continue
					}
					results = append(results, result)
				}

				rows := make([][]string, len(results))
				for i, r := range results {
					rows[i] = []string{
						r.TargetID,
						strconv.Itoa(r.FactsCount),
						strconv.Itoa(r.CachedCount),
						strconv.Itoa(len(r.Failed)),
						r.Duration.Round(time.Millisecond).String(),
					}
				}
				if err := renderTable(os.Stdout, format(), []string{"TARGET", "FACTS", "CACHED", "FAILED", "DURATION"}, rows, results); err != nil {
					return err
				}

				if failed > 0 {
					return fmt.Errorf("facts collection failed on %d of %d targets", failed, len(targets))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target host (default localhost)")
	cmd.Flags().StringVar(&selector, "selector", "", "select hosts by labels, e.g. role=storage")
	cmd.Flags().StringSliceVar(&names, "name", nil, "facts to collect (default all)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "resolve facts even when cached")

	return cmd
}

func collectTarget(a *app, collector *engine.FactsCollector, target string, names []string, refresh bool) (*engine.FactsCollectionResult, error) {
	ex, done, err := a.executor(target)
	if err != nil {
		return nil, err
	}
	defer done()

	return collector.CollectFacts(a.ctx, target, names, ex, refresh)
}

func newFactsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List targets with cached facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				collector, err := a.factsCollector()
				if err != nil {
					return err
				}

				summaries, err := collector.ListTargets(a.ctx)
				if err != nil {
					return err
				}

				rows := make([][]string, len(summaries))
				for i, s := range summaries {
					rows[i] = []string{s.TargetID, strconv.Itoa(s.FactsCount), s.LastUpdated.Format(time.RFC3339)}
				}
				return renderTable(os.Stdout, format(), []string{"TARGET", "FACTS", "LAST UPDATED"}, rows, summaries)
			})
		},
	}

	return cmd
}

func newFactsShowCommand() *cobra.Command {
	var (
		target string
		names  []string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the cached facts of a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				collector, err := a.factsCollector()
				if err != nil {
					return err
				}

				values, err := collector.GetFacts(a.ctx, target)
				if err != nil {
					return err
				}

				if len(names) > 0 {
					selected := make(map[string]any, len(names))
					for _, name := range names {
						v, ok := values[name]
						if !ok {
							return engine.NewNotFoundError("fact not cached", name)
						}
						selected[name] = v
					}
					values = selected
				}

				keys := make([]string, 0, len(values))
				for k := range values {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				rows := make([][]string, len(keys))
				for i, k := range keys {
					rows[i] = []string{k, factString(values[k])}
				}
				return renderTable(os.Stdout, format(), []string{"FACT", "VALUE"}, rows, values)
			})
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", engine.LocalTarget, "target host")
	cmd.Flags().StringSliceVar(&names, "name", nil, "facts to show (default all)")

	return cmd
}

// factString renders a fact value for a table cell.
func factString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

func newFactsForgetCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete the cached facts of a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				collector, err := a.factsCollector()
				if err != nil {
					return err
				}

				n, err := collector.ForgetTarget(a.ctx, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Deleted %d facts of %s\n", n, target)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "target host")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func newFactsPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				collector, err := a.factsCollector()
				if err != nil {
					return err
				}

				n, err := collector.PurgeExpired(a.ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Purged %d expired facts\n", n)
				return nil
			})
		},
	}

	return cmd
}

func newFactsNamesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "names",
		Short: "List the facts that can be collected",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				registry, err := a.factsRegistry()
				if err != nil {
					return err
				}

				names := registry.Names()
				rows := make([][]string, len(names))
				for i, name := range names {
					f, _ := registry.Get(name)
					rows[i] = []string{name, f.Description}
				}
				return renderTable(os.Stdout, format(), []string{"NAME", "DESCRIPTION"}, rows, names)
			})
		},
	}

	return cmd
}
