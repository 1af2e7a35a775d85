package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/quadnix/octo-sub002/pkg/engine"
	"github.com/quadnix/octo-sub002/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "List and check policies",
		Long: `List the configured policies and check persisted resources against them.

Policies are the built-in Rego policies, the Rego files found under
policy.paths and the Starlark guards of policy.guards.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			eng, err := cfg.PolicyEngine(cmd.Context(), policyLogger())
			if err != nil {
				return err
			}

			policies := eng.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			for _, gc := range cfg.Policy.Guards {
				severity := gc.Severity
				if severity == "" {
					severity = string(policy.SeverityError)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\tguard: %s\n", gc.Name, severity, true, gc.Expr)
			}
			return w.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var document string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check persisted resources against the policies",
		Long: `Evaluate every persisted resource of a resources document as a validate diff.

The command fails when a blocking violation is found. Warnings are printed but
do not fail the check.`,
		Example: `  octo policy check
  octo policy check --document resources.actual`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if document != engine.ActualResourcesDocument && document != engine.OldResourcesDocument {
				return fmt.Errorf("unknown resources document %q", document)
			}

			ctx := cmd.Context()
			cfg, opened, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeState(opened)

			eng, err := cfg.PolicyEngine(ctx, policyLogger())
			if err != nil {
				return err
			}
			doc, err := readResources(ctx, opened, document)
			if err != nil {
				return err
			}

			inputs := policy.InputsFromResourceState(&doc.Data)
			result, err := eng.Evaluate(ctx, inputs)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				return result.Err()
			}

			out := cmd.OutOrStdout()
			for _, v := range result.Violations {
				fmt.Fprintf(out, "DENY  %s\n", v.String())
			}
			for _, v := range result.Warnings {
				fmt.Fprintf(out, "WARN  %s\n", v.String())
			}
			fmt.Fprintf(out, "%d resources checked against %d policies: %d violations, %d warnings\n",
				len(inputs), len(result.EvaluatedPolicies),
				len(result.Violations), len(result.Warnings))
			return result.Err()
		},
	}

	cmd.Flags().StringVar(&document, "document", engine.OldResourcesDocument, "resources document to check")

	return cmd
}

func policyLogger() zerolog.Logger {
	return log.Logger.With().Str("component", "policy").Logger()
}
