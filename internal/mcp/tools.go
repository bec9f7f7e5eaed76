package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *MCPServer) handleGetStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status, err := s.api.GetStatus(ctx)
	if err != nil {
		return textError("failed to get status: " + err.Error()), nil
	}
	return textJSON(status)
}

func (s *MCPServer) handleListAccounts(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	accounts, err := s.api.ListAccounts(ctx)
	if err != nil {
		return textError("failed to list accounts: " + err.Error()), nil
	}
	return textJSON(accounts.Accounts)
}

func (s *MCPServer) handleListCalendars(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	cals, err := s.api.ListCalendars(ctx, req.GetString("account_id", ""))
	if err != nil {
		return textError("failed to list calendars: " + err.Error()), nil
	}
	return textJSON(cals.Calendars)
}

func (s *MCPServer) handleListEvents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	events, err := s.api.ListEvents(ctx, EventQuery{
		CalendarID: req.GetString("calendar_id", ""),
		From:       req.GetString("from", ""),
		To:         req.GetString("to", ""),
		Limit:      req.GetInt("limit", s.limits.Events),
	})
	if err != nil {
		return textError("failed to list events: " + err.Error()), nil
	}
	return textJSON(events.Events)
}

func (s *MCPServer) handleSyncAccount(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := req.RequireString("account_id")
	if err != nil {
		return textError("missing required parameter: account_id"), nil
	}
	res, err := s.api.SyncAccount(ctx, id)
	if err != nil {
		return textError("failed to sync account: " + err.Error()), nil
	}
	return textJSON(res)
}

func (s *MCPServer) handleExecuteCopyRule(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := req.RequireString("rule_id")
	if err != nil {
		return textError("missing required parameter: rule_id"), nil
	}
	res, err := s.api.ExecuteRule(ctx, id)
	if err != nil {
		return textError("failed to execute copy rule: " + err.Error()), nil
	}
	return textJSON(res)
}

func (s *MCPServer) handleRecentActivity(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	act, err := s.api.Activity(ctx, req.GetInt("limit", s.limits.Activity))
	if err != nil {
		return textError("failed to read activity: " + err.Error()), nil
	}
	return textJSON(act.Events)
}

// textResult returns a successful text result.
func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

// textError returns an error text result.
func textError(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// textJSON marshals v to indented JSON and returns it as a text result.
func textJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return textError("failed to marshal response: " + err.Error()), nil
	}
	return textResult(string(data)), nil
}
