package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/platformconf/platformconf/pkg/engine"
	"github.com/platformconf/platformconf/pkg/inisetting"
	"github.com/platformconf/platformconf/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect setting change policies",
		Long: `Policies are Rego modules evaluated before a setting is written or
deleted. Each module contributes violations through its "deny" set;
violations of severity error or critical reject the change.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app) error {
				eng, err := a.policyEngine()
				if err != nil {
					return err
				}

				policies := eng.ListPolicies()
				rows := make([][]string, len(policies))
				for i, p := range policies {
					source := p.Source
					if source == "" {
						source = "built-in"
					}
					rows[i] = []string{p.Name, string(p.Severity), strconv.FormatBool(p.Enabled), source, p.Description}
				}
				return renderTable(os.Stdout, format(), []string{"NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION"}, rows, policies)
			})
		},
	}

	return cmd
}

// errPolicyRejected is returned by "policy check" when a change would be
// rejected.
var errPolicyRejected = engine.NewValidationError("change rejected by policy", nil).WithCode(engine.ErrCodePolicyViolation)

func newPolicyCheckCommand() *cobra.Command {
	var (
		secret bool
		remove bool
	)

	cmd := &cobra.Command{
		Use:   "check TYPE SECTION/SETTING [VALUE]",
		Short: "Evaluate policies for a change without applying it",
		Example: `  pconf policy check usm_config keystone_authtoken/password hunter2
  pconf policy check dcagent_config DEFAULT/debug --delete`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !remove && len(args) != 3 {
				return fmt.Errorf("a value is required unless --delete is set")
			}

			return runWithApp(cmd, func(a *app) error {
				registry, err := a.cfg.SettingRegistry()
				if err != nil {
					return err
				}
				def, ok := registry.Get(args[0])
				if !ok {
					return engine.NewNotFoundError("unknown setting type", args[0])
				}

				section, key, err := inisetting.SplitName(args[1])
				if err != nil {
					return err
				}

				input := policy.SettingInput{
					Type:    def.Name,
					Path:    a.cfg.Resolve(def.Path),
					Name:    args[1],
					Section: section,
					Key:     key,
					Secret:  secret,
					Action:  "write",
				}
				switch {
				case remove:
					input.Action = "delete"
				case secret:
					input.Value = engine.RedactedNew
				default:
					input.Value = args[2]
				}

				eng, err := a.policyEngine()
				if err != nil {
					return err
				}
				result, err := eng.EvaluateSetting(a.ctx, input)
				if err != nil {
					return err
				}

				rows := make([][]string, len(result.Violations))
				for i, v := range result.Violations {
					rows[i] = []string{v.Policy, string(v.Severity), v.Message}
				}
				if err := renderTable(os.Stdout, format(), []string{"POLICY", "SEVERITY", "MESSAGE"}, rows, result); err != nil {
					return err
				}

				if !result.Allowed {
					return errPolicyRejected
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&secret, "secret", false, "treat the value as secret")
	cmd.Flags().BoolVar(&remove, "delete", false, "check a delete instead of a write")

	return cmd
}
