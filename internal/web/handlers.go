package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sekia-ai/calhub/internal/accounts"
	"github.com/sekia-ai/calhub/internal/syncer"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

const recentEvents = 50

// DashboardData is the top-level template data for the dashboard page.
type DashboardData struct {
	Status   StatusData
	Accounts []AccountData
	Events   []EventData
}

// StatusData holds system status for the template.
type StatusData struct {
	Status        string
	Uptime        string
	StartedAt     string
	Timezone      string
	AccountCount  int
	CalendarCount int
	EventCount    int
	RuleCount     int
	Error         string
}

// AccountData is one account row.
type AccountData struct {
	ID          string
	Name        string
	AuthKind    string
	State       string
	Enabled     bool
	NeedsReauth bool
	LastSynced  string
	LastError   string
	Calendars   int
}

// EventData holds a single event for the template.
type EventData struct {
	Time    string
	Type    string
	Subject string
	Payload string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	status, accts := s.snapshot(r.Context())
	data := DashboardData{
		Status:   status,
		Accounts: accts,
		Events:   s.buildRecentEvents(r.Context()),
	}
	s.render(w, "layout", data)
}

func (s *Server) handlePartialStatus(w http.ResponseWriter, r *http.Request) {
	status, _ := s.snapshot(r.Context())
	s.render(w, "status", status)
}

func (s *Server) handlePartialAccounts(w http.ResponseWriter, r *http.Request) {
	_, accts := s.snapshot(r.Context())
	s.render(w, "accounts", accts)
}

func (s *Server) handlePartialActivity(w http.ResponseWriter, r *http.Request) {
	s.render(w, "activity", s.buildRecentEvents(r.Context()))
}

func (s *Server) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// The pass keeps running on the daemon context if the browser goes away.
	if _, err := s.deps.Accounts.SyncNow(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	_, accts := s.snapshot(r.Context())
	s.render(w, "accounts", accts)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error().Err(err).Str("template", name).Msg("render failed")
	}
}

func (s *Server) display(t time.Time) string {
	return t.In(s.deps.Zone.Location()).Format("2006-01-02 15:04:05")
}

func (s *Server) snapshot(ctx context.Context) (StatusData, []AccountData) {
	status := StatusData{
		Uptime:    time.Since(s.deps.StartedAt).Truncate(time.Second).String(),
		StartedAt: s.display(s.deps.StartedAt),
		Timezone:  s.deps.Zone.Location().String(),
	}
	st, err := s.deps.Accounts.Status(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read status")
		status.Status = "error"
		status.Error = err.Error()
		return status, nil
	}
	status.Status = st.Overall
	status.AccountCount = st.Counts.Accounts
	status.CalendarCount = st.Counts.Calendars
	status.EventCount = st.Counts.Events
	status.RuleCount = st.Counts.Rules

	accts := make([]AccountData, 0, len(st.Accounts))
	for _, a := range st.Accounts {
		accts = append(accts, s.accountData(a))
	}
	return status, accts
}

func (s *Server) accountData(a accounts.AccountStatus) AccountData {
	d := AccountData{
		ID:          a.ID,
		Name:        a.Name,
		AuthKind:    string(a.AuthKind),
		State:       string(a.State),
		Enabled:     a.Enabled,
		NeedsReauth: a.NeedsReauth,
		LastError:   a.LastError,
		Calendars:   a.EnabledCalendars,
		LastSynced:  "never",
	}
	if a.LastSyncedAt.Valid {
		d.LastSynced = s.display(a.LastSyncedAt.Time)
	}
	if !a.Enabled {
		d.State = "disabled"
	} else if a.NeedsReauth {
		d.State = "needs reauth"
	}
	return d
}

func stateClass(state string) string {
	switch state {
	case string(syncer.StateIdle):
		return "ok"
	case string(syncer.StateDiscovering), string(syncer.StateSyncing):
		return "busy"
	case "disabled":
		return "muted"
	}
	return "bad"
}

func (s *Server) buildRecentEvents(ctx context.Context) []EventData {
	raw, err := s.deps.History.Recent(ctx, recentEvents)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read event history")
	}
	events := make([]EventData, 0, len(raw))
	for _, evt := range raw {
		events = append(events, s.eventData(evt))
	}
	return events
}

func (s *Server) eventData(evt protocol.Event) EventData {
	payload, _ := json.Marshal(evt.Payload)
	d := EventData{
		Time:    s.display(time.Unix(evt.Timestamp, 0)),
		Type:    evt.Type,
		Payload: string(payload),
	}
	for _, key := range []string{"account_name", "rule_name", "summary"} {
		if v, ok := evt.Payload[key].(string); ok && v != "" {
			d.Subject = v
			break
		}
	}
	return d
}
