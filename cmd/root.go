package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "coolsite",
	Short: "Walking-distance cooling-site placement",
	Long:  "Builds pedestrian networks from OpenStreetMap, computes walking-time coverage between heat-vulnerable demand and candidate cooling sites, and selects the sites that cover the most demand.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return &configError{err: err}
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return &configError{err: err}
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
