package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/app"
	dwmcp "github.com/ppiankov/dispatchwatch/internal/mcp"
)

var mcpResolver string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpResolver, "resolver", "mcp", "Resolver recorded on tickets approved or rejected through MCP")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for operator assistants",
	Long: "Runs dispatchwatch as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes the gate check, the approval queue, execution statistics and fleet SLA status.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The MCP session drives no loops and serves no HTTP.
	cfg.API.Listen = ""
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer a.Close()

	srv := dwmcp.New(dwmcp.Config{
		Gate:      a.Gate,
		Approvals: a.Approvals,
		SLA:       a.Monitor,
		Resolver:  mcpResolver,
		Logger:    logger,
		Version:   version,
	})

	fmt.Fprintln(os.Stderr, "dispatchwatch MCP server running on stdio")
	return srv.Run(ctx)
}
