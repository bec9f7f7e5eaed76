package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

// DaemonAPI is the subset of the calhubd API the tools use.
// Implemented by APIClient; tests can provide a mock.
type DaemonAPI interface {
	GetStatus(ctx context.Context) (*protocol.StatusResponse, error)
	ListAccounts(ctx context.Context) (*protocol.AccountsResponse, error)
	ListCalendars(ctx context.Context, accountID string) (*protocol.CalendarsResponse, error)
	ListEvents(ctx context.Context, q EventQuery) (*protocol.EventsResponse, error)
	SyncAccount(ctx context.Context, accountID string) (*protocol.SyncResponse, error)
	ExecuteRule(ctx context.Context, ruleID string) (*protocol.ExecuteResponse, error)
	Activity(ctx context.Context, limit int) (*protocol.ActivityResponse, error)
}

// EventQuery filters ListEvents. From and To are display timestamps or dates.
type EventQuery struct {
	CalendarID string
	From       string
	To         string
	Limit      int
}

// APIClient talks to the calhubd daemon over its Unix socket HTTP API.
type APIClient struct {
	client *http.Client
}

// NewAPIClient creates an APIClient connected to the daemon's Unix socket.
func NewAPIClient(socketPath string) *APIClient {
	return &APIClient{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *APIClient) GetStatus(ctx context.Context) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	return &resp, c.do(ctx, http.MethodGet, "/api/v1/status", &resp)
}

func (c *APIClient) ListAccounts(ctx context.Context) (*protocol.AccountsResponse, error) {
	var resp protocol.AccountsResponse
	return &resp, c.do(ctx, http.MethodGet, "/api/v1/accounts", &resp)
}

func (c *APIClient) ListCalendars(ctx context.Context, accountID string) (*protocol.CalendarsResponse, error) {
	path := "/api/v1/calendars"
	if accountID != "" {
		path += "?account_id=" + url.QueryEscape(accountID)
	}
	var resp protocol.CalendarsResponse
	return &resp, c.do(ctx, http.MethodGet, path, &resp)
}

func (c *APIClient) ListEvents(ctx context.Context, q EventQuery) (*protocol.EventsResponse, error) {
	v := url.Values{}
	if q.CalendarID != "" {
		v.Set("calendar_id", q.CalendarID)
	}
	if q.From != "" {
		v.Set("from", q.From)
	}
	if q.To != "" {
		v.Set("to", q.To)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/v1/events"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var resp protocol.EventsResponse
	return &resp, c.do(ctx, http.MethodGet, path, &resp)
}

func (c *APIClient) SyncAccount(ctx context.Context, accountID string) (*protocol.SyncResponse, error) {
	var resp protocol.SyncResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/accounts/"+url.PathEscape(accountID)+"/sync", &resp)
}

func (c *APIClient) ExecuteRule(ctx context.Context, ruleID string) (*protocol.ExecuteResponse, error) {
	var resp protocol.ExecuteResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/rules/"+url.PathEscape(ruleID)+"/execute", &resp)
}

func (c *APIClient) Activity(ctx context.Context, limit int) (*protocol.ActivityResponse, error) {
	var resp protocol.ActivityResponse
	return &resp, c.do(ctx, http.MethodGet, "/api/v1/activity?limit="+strconv.Itoa(limit), &resp)
}

func (c *APIClient) do(ctx context.Context, method, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://calhubd"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", path, e.Error)
		}
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
