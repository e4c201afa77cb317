package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/logging"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "portalgate",
	Short: "Request mediation daemon for the campus portal dashboard",
	Long: `portalgate drives a hidden browser to keep the campus portal's one-table
token and academic session alive, and relays the dashboard's legacy requests
with the Origin, Referer and cookies those endpoints expect.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
