package protocol

import "time"

// Timestamps in these DTOs are strings in the daemon's display timezone
// (RFC3339), or YYYY-MM-DD for all-day events.

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status          string          `json:"status"` // ok | degraded | needs_reauth
	Uptime          string          `json:"uptime"`
	StartedAt       time.Time       `json:"started_at"`
	NATSRunning     bool            `json:"nats_running"`
	DisplayTimezone string          `json:"display_timezone"`
	Accounts        []AccountStatus `json:"accounts"`
	AccountCount    int             `json:"account_count"`
	CalendarCount   int             `json:"calendar_count"`
	EventCount      int             `json:"event_count"`
	RuleCount       int             `json:"rule_count"`
}

// AccountStatus is the sync status of one account.
type AccountStatus struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	AuthKind         string `json:"auth_kind"`
	State            string `json:"state"`
	Enabled          bool   `json:"enabled"`
	Connected        bool   `json:"connected"`
	NeedsReauth      bool   `json:"needs_reauth"`
	LastSyncedAt     string `json:"last_synced_at,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	Calendars        int    `json:"calendars"`
	EnabledCalendars int    `json:"enabled_calendars"`
}

// AccountInfo is an account without its secrets.
type AccountInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ServerURL       string `json:"server_url,omitempty"`
	AuthKind        string `json:"auth_kind"`
	Username        string `json:"username,omitempty"`
	HasSecret       bool   `json:"has_secret"`
	OAuthClientID   string `json:"oauth_client_id,omitempty"`
	HasRefreshToken bool   `json:"has_refresh_token"`
	TokenExpiry     string `json:"token_expiry,omitempty"`
	SyncInterval    string `json:"sync_interval,omitempty"`
	Enabled         bool   `json:"enabled"`
	LastSyncedAt    string `json:"last_synced_at,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	NeedsReauth     bool   `json:"needs_reauth"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// AccountsResponse is returned by GET /api/v1/accounts.
type AccountsResponse struct {
	Accounts []AccountInfo `json:"accounts"`
}

// AccountRequest creates (POST /api/v1/accounts) or partially updates
// (PATCH /api/v1/accounts/{id}) an account. On update, omitted fields are
// left unchanged.
type AccountRequest struct {
	Name              *string `json:"name,omitempty"`
	ServerURL         *string `json:"server_url,omitempty"`
	AuthKind          *string `json:"auth_kind,omitempty"`
	Username          *string `json:"username,omitempty"`
	Secret            *string `json:"secret,omitempty"` // #nosec G117 -- request field
	OAuthClientID     *string `json:"oauth_client_id,omitempty"`
	OAuthClientSecret *string `json:"oauth_client_secret,omitempty"` // #nosec G117
	AccessToken       *string `json:"access_token,omitempty"`
	RefreshToken      *string `json:"refresh_token,omitempty"`
	SyncInterval      *string `json:"sync_interval,omitempty"` // Go duration, "0" = default
	Enabled           *bool   `json:"enabled,omitempty"`
}

// SyncResponse is returned by POST /api/v1/accounts/{id}/sync. The pass
// outcome is reported through the account status.
type SyncResponse struct {
	AccountID string `json:"account_id"`
	Skipped   bool   `json:"skipped"`
	State     string `json:"state"`
	Calendars int    `json:"calendars"`
	Failed    int    `json:"failed"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Deleted   int    `json:"deleted"`
	LastError string `json:"last_error,omitempty"`
}

// TestConnectionResponse is returned by POST /api/v1/accounts/{id}/test.
type TestConnectionResponse struct {
	OK        bool   `json:"ok"`
	Calendars int    `json:"calendars"`
	Error     string `json:"error,omitempty"`
}

// CalendarInfo is one calendar.
type CalendarInfo struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	RemoteID     string `json:"remote_id"`
	Name         string `json:"name"`
	Color        string `json:"color,omitempty"`
	Enabled      bool   `json:"enabled"`
	Missing      bool   `json:"missing"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// CalendarsResponse is returned by GET /api/v1/calendars.
type CalendarsResponse struct {
	Calendars []CalendarInfo `json:"calendars"`
}

// EventInfo is one cached event.
type EventInfo struct {
	ID          string `json:"id"`
	CalendarID  string `json:"calendar_id"`
	RemoteID    string `json:"remote_id"`
	Summary     string `json:"summary"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	AllDay      bool   `json:"all_day"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	RRule       string `json:"rrule,omitempty"`
	Status      string `json:"status,omitempty"`
	ETag        string `json:"etag,omitempty"`
	Origin      string `json:"origin,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// EventsResponse is returned by GET /api/v1/events.
type EventsResponse struct {
	Events []EventInfo `json:"events"`
}

// EventRequest creates (POST /api/v1/events) or partially updates
// (PATCH /api/v1/events/{id}) an event. An empty "end" on update makes the
// event open-ended.
type EventRequest struct {
	CalendarID  *string `json:"calendar_id,omitempty"`
	Summary     *string `json:"summary,omitempty"`
	Start       *string `json:"start,omitempty"`
	End         *string `json:"end,omitempty"`
	Location    *string `json:"location,omitempty"`
	Description *string `json:"description,omitempty"`
	RRule       *string `json:"rrule,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// RuleInfo is one copy rule.
type RuleInfo struct {
	ID                    string `json:"id"`
	Name                  string `json:"name,omitempty"`
	SourceCalendarID      string `json:"source_calendar_id"`
	DestinationCalendarID string `json:"destination_calendar_id"`
	Enabled               bool   `json:"enabled"`
	LastExecutedAt        string `json:"last_executed_at,omitempty"`
	LastError             string `json:"last_error,omitempty"`
	CreatedAt             string `json:"created_at"`
}

// RulesResponse is returned by GET /api/v1/rules.
type RulesResponse struct {
	Rules []RuleInfo `json:"rules"`
}

// RuleRequest creates a copy rule, or updates its name and enabled flag.
type RuleRequest struct {
	Name                  *string `json:"name,omitempty"`
	SourceCalendarID      string  `json:"source_calendar_id,omitempty"`
	DestinationCalendarID string  `json:"destination_calendar_id,omitempty"`
	Enabled               *bool   `json:"enabled,omitempty"`
}

// ExecuteResponse is returned by POST /api/v1/rules/{id}/execute.
type ExecuteResponse struct {
	RuleID  string   `json:"rule_id"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// ActivityResponse is returned by GET /api/v1/activity, newest first.
type ActivityResponse struct {
	Events []Event `json:"events"`
}

// ConfigReloadResponse is returned by POST /api/v1/config/reload.
type ConfigReloadResponse struct {
	Status          string `json:"status"`
	DisplayTimezone string `json:"display_timezone"`
	DefaultInterval string `json:"default_interval"`
}
