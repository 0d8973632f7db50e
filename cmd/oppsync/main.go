package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/david/opportunity-sync/internal/config"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "oppsync",
	Short:        "Opportunity sync operator CLI",
	Long:         "Run syncs by hand, inspect run history and store counts, and manage the admin secret.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config overlay (default $OPPSYNC_CONFIG)")

	rootCmd.AddCommand(fullCmd, incrementalCmd, backfillCmd)
	rootCmd.AddCommand(runsCmd, verifyCmd)
	rootCmd.AddCommand(triggerCmd, hashSecretCmd)
}

// loadConfig reads configuration and routes the standard logger. The returned
// func restores logging.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, config.SetupLogging(cfg.Log), nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
