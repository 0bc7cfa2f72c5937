package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/escalation"
	"github.com/ppiankov/dispatchwatch/internal/policy"
)

// SLAReporter summarizes open orders against their deadlines.
type SLAReporter interface {
	SLAStatus(ctx context.Context) (escalation.SLAStatus, error)
}

// Config holds MCP server dependencies.
type Config struct {
	Gate      *policy.Gate
	Approvals *approval.Store
	// SLA is optional; without it fleet_sla_status reports an error.
	SLA SLAReporter
	// Resolver is recorded on tickets approved or rejected through MCP.
	Resolver string
	Logger   *slog.Logger
	Version  string
}

// Server exposes the approval queue and fleet statistics as MCP tools so
// an operator's assistant can work the queue.
type Server struct {
	mcpServer *mcpsdk.Server
	gate      *policy.Gate
	approvals *approval.Store
	sla       SLAReporter
	resolver  string
	logger    *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Resolver == "" {
		cfg.Resolver = "mcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		gate:      cfg.Gate,
		approvals: cfg.Approvals,
		sla:       cfg.SLA,
		resolver:  cfg.Resolver,
		logger:    cfg.Logger,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "dispatchwatch",
			Version: cfg.Version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves over stdio. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dispatchwatch_check",
		Description: "Ask the authorization gate whether an action may run with the given context. Approval-tier actions open a ticket and return its id.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dispatchwatch_pending",
		Description: "List approval tickets waiting for a human decision.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dispatchwatch_approve",
		Description: "Approve a pending ticket so the blocked action can run once.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dispatchwatch_reject",
		Description: "Reject a pending ticket. The requesting component escalates instead.",
	}, s.handleReject)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "dispatchwatch_stats",
		Description: "Execution statistics over a trailing window (30m, 24h, 7d).",
	}, s.handleStats)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "fleet_sla_status",
		Description: "Active, at-risk and breached order counts with an overall SLA status.",
	}, s.handleSLA)
}
