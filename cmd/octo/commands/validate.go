package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Example: `  # Validate a YAML configuration
  octo validate --config octo.yaml

  # Validate a CUE package
  octo validate --config ./config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := cfg.PolicyEngine(cmd.Context(), policyLogger()); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (backend %s)\n", cfg.State.Backend)
			return nil
		},
	}
}
