package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/app"
)

var runListen string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runListen, "listen", "", "Ops API listen address (overrides api.listen; \"off\" disables)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatch engine, escalation monitor and orchestrator",
	Long: "Starts every loop in one process with the ops API.\n" +
		"The policy file is watched and hot-reloaded; a bad edit keeps the previous policy.",
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	switch runListen {
	case "":
	case "off":
		cfg.API.Listen = ""
	default:
		cfg.API.Listen = runListen
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer a.Close()

	err = a.Run(ctx)
	fmt.Fprintln(os.Stderr, "dispatchwatch stopped")
	return err
}
