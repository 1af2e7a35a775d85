package commands

import (
	"context"
	"fmt"

	"github.com/quadnix/octo-sub002/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMetricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Expose engine metrics",
	}

	cmd.AddCommand(newMetricsServeCommand())

	return cmd
}

func newMetricsServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Prometheus metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			tcfg := cfg.Telemetry
			tcfg.Metrics.Enabled = true
			if listen != "" {
				tcfg.Metrics.ListenAddress = listen
			}
			if tcfg.Metrics.ListenAddress == "" {
				return fmt.Errorf("no metrics listen address configured")
			}

			tel, err := telemetry.NewTelemetry(&tcfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Failed to shut down telemetry")
				}
			}()

			log.Info().Str("address", tcfg.Metrics.ListenAddress).Str("path", tcfg.Metrics.Path).Msg("Serving metrics")
			return tel.Metrics.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides telemetry.metrics.listenAddress")

	return cmd
}
