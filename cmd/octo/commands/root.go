package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/quadnix/octo-sub002/pkg/config"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "octo",
		Short: "Inspect octo state, runs and policies",
		Long: `octo inspects the state documents written by the reconciliation engine.

It reads the models and resources documents from the configured state backend,
lists recorded transaction runs, checks persisted resources against the
configured policies and serves engine metrics.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .cue, .json or a CUE directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", configPath).Str("backend", string(cfg.State.Backend)).Msg("Configuration loaded")
	return cfg, nil
}

// openState loads the configuration and opens its state backend. The caller closes it.
func openState(ctx context.Context) (*config.Config, *stores.Opened, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	opened, err := stores.Open(ctx, cfg.State)
	if err != nil {
		return nil, nil, err
	}
	return cfg, opened, nil
}

func closeState(opened *stores.Opened) {
	if err := opened.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close state backend")
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
