package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

// mockAPI implements DaemonAPI for unit tests.
type mockAPI struct {
	status    *protocol.StatusResponse
	accounts  *protocol.AccountsResponse
	calendars *protocol.CalendarsResponse
	events    *protocol.EventsResponse
	sync      *protocol.SyncResponse
	execute   *protocol.ExecuteResponse
	activity  *protocol.ActivityResponse
	err       error

	gotAccountID string
	gotQuery     EventQuery
	gotRuleID    string
	gotLimit     int
}

func (m *mockAPI) GetStatus(context.Context) (*protocol.StatusResponse, error) {
	return m.status, m.err
}
func (m *mockAPI) ListAccounts(context.Context) (*protocol.AccountsResponse, error) {
	return m.accounts, m.err
}
func (m *mockAPI) ListCalendars(_ context.Context, accountID string) (*protocol.CalendarsResponse, error) {
	m.gotAccountID = accountID
	return m.calendars, m.err
}
func (m *mockAPI) ListEvents(_ context.Context, q EventQuery) (*protocol.EventsResponse, error) {
	m.gotQuery = q
	return m.events, m.err
}
func (m *mockAPI) SyncAccount(_ context.Context, id string) (*protocol.SyncResponse, error) {
	m.gotAccountID = id
	return m.sync, m.err
}
func (m *mockAPI) ExecuteRule(_ context.Context, id string) (*protocol.ExecuteResponse, error) {
	m.gotRuleID = id
	return m.execute, m.err
}
func (m *mockAPI) Activity(_ context.Context, limit int) (*protocol.ActivityResponse, error) {
	m.gotLimit = limit
	return m.activity, m.err
}

func call(args map[string]any) mcplib.CallToolRequest {
	var req mcplib.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	if len(r.Content) == 0 {
		t.Fatal("empty result")
	}
	return r.Content[0].(mcplib.TextContent).Text
}

var testLimits = LimitsConfig{Events: 100, Activity: 20}

func TestGetStatus(t *testing.T) {
	s := &MCPServer{api: &mockAPI{status: &protocol.StatusResponse{
		Status:       "degraded",
		Uptime:       "1h30m",
		AccountCount: 2,
		Accounts:     []protocol.AccountStatus{{ID: "a1", State: "error", LastError: "timeout"}},
	}}}

	result, err := s.handleGetStatus(context.Background(), mcplib.CallToolRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatal("expected success, got error result")
	}

	var status protocol.StatusResponse
	if err := json.Unmarshal([]byte(resultText(t, result)), &status); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status.Status != "degraded" || status.AccountCount != 2 || status.Accounts[0].LastError != "timeout" {
		t.Errorf("status = %+v", status)
	}
}

func TestListAccounts(t *testing.T) {
	s := &MCPServer{api: &mockAPI{accounts: &protocol.AccountsResponse{
		Accounts: []protocol.AccountInfo{{ID: "a1", Name: "work", AuthKind: "basic", HasSecret: true}},
	}}}

	result, _ := s.handleListAccounts(context.Background(), mcplib.CallToolRequest{})
	var accounts []protocol.AccountInfo
	if err := json.Unmarshal([]byte(resultText(t, result)), &accounts); err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].Name != "work" {
		t.Errorf("accounts = %+v", accounts)
	}
}

func TestListCalendarsPassesAccountFilter(t *testing.T) {
	api := &mockAPI{calendars: &protocol.CalendarsResponse{Calendars: []protocol.CalendarInfo{{ID: "c1"}}}}
	s := &MCPServer{api: api, limits: testLimits}

	result, _ := s.handleListCalendars(context.Background(), call(map[string]any{"account_id": "a1"}))
	if result.IsError {
		t.Fatal(resultText(t, result))
	}
	if api.gotAccountID != "a1" {
		t.Errorf("account filter = %q", api.gotAccountID)
	}
}

func TestListEventsArguments(t *testing.T) {
	api := &mockAPI{events: &protocol.EventsResponse{Events: []protocol.EventInfo{
		{ID: "e1", Summary: "Standup", Start: "2025-03-10T09:00:00+01:00"},
	}}}
	s := &MCPServer{api: api, limits: testLimits}

	result, _ := s.handleListEvents(context.Background(), call(map[string]any{
		"calendar_id": "c1", "from": "2025-03-10", "limit": float64(5),
	}))
	if result.IsError {
		t.Fatal(resultText(t, result))
	}
	want := EventQuery{CalendarID: "c1", From: "2025-03-10", Limit: 5}
	if api.gotQuery != want {
		t.Errorf("query = %+v, want %+v", api.gotQuery, want)
	}
	if !strings.Contains(resultText(t, result), "Standup") {
		t.Error("expected event in result")
	}

	s.handleListEvents(context.Background(), call(nil))
	if api.gotQuery.Limit != 100 {
		t.Errorf("default limit = %d, want 100", api.gotQuery.Limit)
	}
}

func TestSyncAccount(t *testing.T) {
	api := &mockAPI{sync: &protocol.SyncResponse{AccountID: "a1", State: "idle", Inserted: 3}}
	s := &MCPServer{api: api, limits: testLimits}

	result, _ := s.handleSyncAccount(context.Background(), call(map[string]any{"account_id": "a1"}))
	if result.IsError {
		t.Fatal(resultText(t, result))
	}
	var res protocol.SyncResponse
	if err := json.Unmarshal([]byte(resultText(t, result)), &res); err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 3 || api.gotAccountID != "a1" {
		t.Errorf("sync = %+v", res)
	}

	missing, _ := s.handleSyncAccount(context.Background(), call(nil))
	if !missing.IsError {
		t.Error("expected error result without account_id")
	}
}

func TestExecuteCopyRule(t *testing.T) {
	api := &mockAPI{execute: &protocol.ExecuteResponse{RuleID: "r1", Created: 2, Failed: 1, Errors: []string{"e2: boom"}}}
	s := &MCPServer{api: api, limits: testLimits}

	result, _ := s.handleExecuteCopyRule(context.Background(), call(map[string]any{"rule_id": "r1"}))
	if result.IsError {
		t.Fatal(resultText(t, result))
	}
	if api.gotRuleID != "r1" || !strings.Contains(resultText(t, result), "e2: boom") {
		t.Errorf("execute result = %s", resultText(t, result))
	}

	missing, _ := s.handleExecuteCopyRule(context.Background(), call(nil))
	if !missing.IsError {
		t.Error("expected error result without rule_id")
	}
}

func TestRecentActivity(t *testing.T) {
	api := &mockAPI{activity: &protocol.ActivityResponse{Events: []protocol.Event{{Type: protocol.EventSyncCompleted}}}}
	s := &MCPServer{api: api, limits: testLimits}

	result, _ := s.handleRecentActivity(context.Background(), call(nil))
	if result.IsError || api.gotLimit != 20 {
		t.Errorf("limit = %d, result = %s", api.gotLimit, resultText(t, result))
	}
}

func TestAPIErrorBecomesErrorResult(t *testing.T) {
	s := &MCPServer{api: &mockAPI{err: errors.New("connection refused")}}

	result, err := s.handleGetStatus(context.Background(), mcplib.CallToolRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || !strings.Contains(resultText(t, result), "connection refused") {
		t.Errorf("result = %+v", result)
	}
}

func TestToolsRegistered(t *testing.T) {
	s := New(Config{Daemon: DaemonConfig{Socket: "/nonexistent.sock"}}, zerolog.Nop())
	srv := s.build()

	resp := srv.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"get_status", "list_accounts", "list_calendars", "list_events",
		"sync_account", "execute_copy_rule", "recent_activity"} {
		if !strings.Contains(string(data), `"`+name+`"`) {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestLoadConfigDefaultsAndFile(t *testing.T) {
	t.Setenv("CALHUB_DAEMON_SOCKET", "")
	t.Setenv("CALHUB_SOCKET", "")
	path := filepath.Join(t.TempDir(), "calhub-mcp.toml")
	if err := os.WriteFile(path, []byte("[daemon]\nsocket = \"/run/calhub.sock\"\n\n[limits]\nevents = 25\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := Config{Daemon: DaemonConfig{Socket: "/run/calhub.sock"}, Limits: LimitsConfig{Events: 25, Activity: 20}}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for a named config file that does not exist")
	}
}

func TestAPIClientOverSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "calhubd.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "2025-01-01" || r.URL.Query().Get("limit") != "10" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "bad query " + r.URL.RawQuery})
			return
		}
		json.NewEncoder(w).Encode(protocol.EventsResponse{Events: []protocol.EventInfo{{ID: "e1"}}})
	})
	mux.HandleFunc("POST /api/v1/rules/{id}/execute", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: `not found: copy rule "` + r.PathValue("id") + `"`})
	})
	hs := &http.Server{Handler: mux}
	go hs.Serve(ln)
	t.Cleanup(func() { hs.Close() })

	c := NewAPIClient(sock)
	events, err := c.ListEvents(context.Background(), EventQuery{From: "2025-01-01", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(events.Events) != 1 || events.Events[0].ID != "e1" {
		t.Errorf("events = %+v", events)
	}

	_, err = c.ExecuteRule(context.Background(), "r9")
	if err == nil || !strings.Contains(err.Error(), `copy rule "r9"`) {
		t.Errorf("err = %v, want daemon error message", err)
	}
}
