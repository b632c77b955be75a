package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"faultwatch/internal/config"
	"faultwatch/internal/simulate"
)

func newSimulateCmd() *cobra.Command {
	cfg := simulate.Config{}
	var apiKeyEnv string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send synthetic readings to a running service",
		Long: `Send a run of normal readings (65-70 °C, 1.2-1.6 vibration) followed by one
fault reading (84.0 °C, 3.1 vibration), then query the machine so the fault
is classified and alerted.

Examples:
  faultwatch simulate
  faultwatch simulate --url http://localhost:8080 --machine M-202 --interval 500ms`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKeyEnv != "" {
				cfg.APIKey = os.Getenv(apiKeyEnv)
			}
			cfg.Out = cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			_, err := simulate.Run(ctx, cfg)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost"+config.DefaultHTTPAddr, "Base URL of the service")
	f.StringVarP(&cfg.MachineID, "machine", "m", config.DefaultMachineID, "Machine id to report as")
	f.IntVarP(&cfg.NormalReadings, "count", "n", simulate.DefaultNormalReadings, "Number of normal readings before the fault")
	f.DurationVar(&cfg.Interval, "interval", simulate.DefaultInterval, "Delay between normal readings")
	f.BoolVar(&cfg.Query, "query", true, "Query the machine after the fault reading")
	f.StringVar(&apiKeyEnv, "api-key-env", "", "Environment variable holding the API key")
	f.StringVar(&cfg.APIKeyHeader, "api-key-header", "X-API-Key", "Header carrying the API key")
	return cmd
}
