package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/config"
	"github.com/ppiankov/dispatchwatch/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dispatchwatch",
	Short: "Autonomous dispatch, escalation and fleet orchestration for same-day delivery",
	Long: "Assigns orders to drivers, watches delivery deadlines and rebalances the fleet.\n" +
		"Every autonomous action passes a tiered authorization gate; risky ones wait for a human.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.dispatchwatch/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies DISPATCHWATCH_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout stays free for command output and
// the MCP transport.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
}
