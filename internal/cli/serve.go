package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"faultwatch/internal/config"
	"faultwatch/internal/logger"
	"faultwatch/internal/processor"
)

func newServeCmd(logLevel *string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry service",
		Long: `Run the HTTP service, and the Kafka consumer when configured.

Without --config the built-in defaults are used: in-memory stores, log
alerts, and the API on :8080. When a config file is given, changes to its
alerts section are applied without a restart.

Examples:
  faultwatch serve
  faultwatch serve --config /etc/faultwatch/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			level := cfg.Log.Level
			if *logLevel != "" {
				level = *logLevel
			}
			logger.Init(level)

			var opts []processor.Option
			if configPath != "" {
				opts = append(opts, processor.WithConfigPath(configPath))
			}
			p, err := processor.New(cfg, opts...)
			if err != nil {
				logger.Logger.Error().Err(err).Msg("failed to start")
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return p.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	return cmd
}
