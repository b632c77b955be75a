package cli

import (
	"github.com/spf13/cobra"

	"faultwatch/internal/logger"
)

// Execute runs the faultwatch command line.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "faultwatch",
		Short: "Machine telemetry scoring and fault alerting",
		Long: `faultwatch ingests temperature and vibration readings from machines,
classifies each machine as NORMAL, WARNING or FAULT_SOON on query, and sends
an alert when a machine is expected to fail soon.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// serve re-initializes from its config file
			logger.InitWithWriter(logLevel, cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(&logLevel),
		newSimulateCmd(),
		newScoreCmd(),
	)
	return root
}
