package mcp

import (
	"context"
	"errors"
	"fmt"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/questrunner/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	defaultRuns     = 10
)

// RegisterTools registers all quest status tools on the MCP server.
func RegisterTools(s *server.MCPServer, src Source) {
	registerAccounts(s, src)
	registerAccount(s, src)
	registerSummary(s, src)
	registerRuns(s, src)
}

func registerAccounts(s *server.MCPServer, src Source) {
	tool := gomcp.NewTool("quest_accounts",
		gomcp.WithDescription("List profiles with their address and the four quest completion flags, ordered by profile number."),
		gomcp.WithNumber("limit",
			gomcp.Description("Page size (default 50, max 500)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Rows to skip (default 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		return accountsTool(ctx, src, req.GetInt("limit", defaultPageSize), req.GetInt("offset", 0)), nil
	})
}

func accountsTool(ctx context.Context, src Source, limit, offset int) *gomcp.CallToolResult {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	page, err := src.ListAccounts(ctx, limit, offset)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Quest store unavailable: %v", err))
	}
	return gomcp.NewToolResultText(formatAccounts(page.Accounts, page.Total, offset))
}

func registerAccount(s *server.MCPServer, src Source) {
	tool := gomcp.NewTool("quest_account",
		gomcp.WithDescription("Show one profile: address, per-quest status and its recent runs."),
		gomcp.WithNumber("profile",
			gomcp.Required(),
			gomcp.Description("Profile serial number"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		profile, err := req.RequireInt("profile")
		if err != nil || profile <= 0 {
			return gomcp.NewToolResultError("profile must be a positive number"), nil
		}
		return accountTool(ctx, src, profile), nil
	})
}

func accountTool(ctx context.Context, src Source, profile int) *gomcp.CallToolResult {
	status, err := src.GetByProfile(ctx, profile)
	if errors.Is(err, storage.ErrNotFound) {
		return gomcp.NewToolResultError(fmt.Sprintf("Profile %d has no quest record yet", profile))
	}
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Quest store unavailable: %v", err))
	}
	// Run history is optional detail.
	runs, _ := src.ListRuns(ctx, profile, defaultRuns)
	return gomcp.NewToolResultText(formatAccount(status, runs))
}

func registerSummary(s *server.MCPServer, src Source) {
	tool := gomcp.NewTool("quest_summary",
		gomcp.WithDescription("Completion counts: profiles tracked, fully complete profiles and completions per quest."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		return summaryTool(ctx, src), nil
	})
}

func summaryTool(ctx context.Context, src Source) *gomcp.CallToolResult {
	summary, err := src.Summary(ctx)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Quest store unavailable: %v", err))
	}
	return gomcp.NewToolResultText(formatSummary(summary))
}

func registerRuns(s *server.MCPServer, src Source) {
	tool := gomcp.NewTool("quest_runs",
		gomcp.WithDescription("Recent account runs with outcome, attempts and error, newest first."),
		gomcp.WithNumber("profile",
			gomcp.Description("Only runs of this profile (default: all)"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Number of runs (default 10)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		return runsTool(ctx, src, req.GetInt("profile", 0), req.GetInt("limit", defaultRuns)), nil
	})
}

func runsTool(ctx context.Context, src Source, profile, limit int) *gomcp.CallToolResult {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultRuns
	}
	if profile < 0 {
		profile = 0
	}
	runs, err := src.ListRuns(ctx, profile, limit)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Quest store unavailable: %v", err))
	}
	return gomcp.NewToolResultText(formatRuns(runs))
}
