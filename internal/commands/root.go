package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/trade-footprint/pkg/config"
	"github.com/trade-footprint/pkg/logger"
)

var (
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "footprint",
	Short: "Volume-profile signal engine for crypto futures",
	Long: `Footprint computes the volume profile behind every reversal candle it is
handed and scores the candle as a buy or sell signal.

Features:
• Live trade and candle streams with reconnect and gap recovery
• Rate-limited, ban-aware historical fallback
• POC / value area computation per candle window
• Idempotent signal records in MySQL, fan-out to InfluxDB and NATS`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "force debug logging")
}

// bootstrap loads .env, the configuration and the logger shared by every
// subcommand
func bootstrap() (*config.Config, *logrus.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}
