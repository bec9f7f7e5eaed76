// Package mcp exposes calhub to AI assistants over the Model Context Protocol.
package mcp

import (
	"context"
	"log"
	"os"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// Version is reported to MCP clients.
var Version = "dev"

// MCPServer exposes calhub capabilities to AI assistants via MCP.
type MCPServer struct {
	api    DaemonAPI
	limits LimitsConfig
	logger zerolog.Logger
}

// New creates an MCPServer. Call Run() to start serving on stdio.
func New(cfg Config, logger zerolog.Logger) *MCPServer {
	return &MCPServer{
		api:    NewAPIClient(cfg.Daemon.Socket),
		limits: cfg.Limits,
		logger: logger.With().Str("component", "mcp").Logger(),
	}
}

// SetDaemonAPI overrides the daemon API client. Intended for testing with a mock.
func (s *MCPServer) SetDaemonAPI(api DaemonAPI) {
	s.api = api
}

// Run registers MCP tools and serves on stdio.
// It blocks until stdin is closed or the context is cancelled.
func (s *MCPServer) Run(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.build())
	stdio.SetErrorLogger(log.New(s.logger, "", 0))

	s.logger.Info().Msg("MCP server starting on stdio")
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *MCPServer) build() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"calhub",
		Version,
		mcpserver.WithRecovery(),
	)
	s.registerTools(srv)
	return srv
}

func (s *MCPServer) registerTools(srv *mcpserver.MCPServer) {
	srv.AddTool(
		mcplib.NewTool("get_status",
			mcplib.WithDescription("Get calhub status: overall health, per-account sync state, last sync time and errors, and cache counts"),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetStatus,
	)

	srv.AddTool(
		mcplib.NewTool("list_accounts",
			mcplib.WithDescription("List configured calendar accounts (secrets are never returned)"),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListAccounts,
	)

	srv.AddTool(
		mcplib.NewTool("list_calendars",
			mcplib.WithDescription("List calendars discovered under the accounts"),
			mcplib.WithString("account_id", mcplib.Description("Only calendars of this account")),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListCalendars,
	)

	srv.AddTool(
		mcplib.NewTool("list_events",
			mcplib.WithDescription("List cached events ordered by start. Times are in the daemon's display timezone"),
			mcplib.WithString("calendar_id", mcplib.Description("Only events of this calendar")),
			mcplib.WithString("from", mcplib.Description("Range start, a timestamp or YYYY-MM-DD")),
			mcplib.WithString("to", mcplib.Description("Range end (exclusive), a timestamp or YYYY-MM-DD")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum number of events (default 100)")),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListEvents,
	)

	srv.AddTool(
		mcplib.NewTool("sync_account",
			mcplib.WithDescription("Run a sync pass for one account now and report what changed"),
			mcplib.WithString("account_id", mcplib.Required(), mcplib.Description("Account ID")),
		),
		s.handleSyncAccount,
	)

	srv.AddTool(
		mcplib.NewTool("execute_copy_rule",
			mcplib.WithDescription("Execute one copy rule now, replicating source calendar events into the destination calendar"),
			mcplib.WithString("rule_id", mcplib.Required(), mcplib.Description("Copy rule ID")),
		),
		s.handleExecuteCopyRule,
	)

	srv.AddTool(
		mcplib.NewTool("recent_activity",
			mcplib.WithDescription("List the most recent hub events (syncs, rule runs, account changes), newest first"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum number of events (default 20)")),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleRecentActivity,
	)
}
