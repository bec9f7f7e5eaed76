package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/samber/mo"
	"gopkg.in/guregu/null.v3"

	"github.com/sekia-ai/calhub/internal/accounts"
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/timezone"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

func opt[T any](p *T) mo.Option[T] {
	if p == nil {
		return mo.None[T]()
	}
	return mo.Some(*p)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func display(t null.Time, loc *time.Location) string {
	if !t.Valid {
		return ""
	}
	return timezone.ToDisplay(t.Time, loc)
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, model.Invalid("sync_interval %q: %v", s, err)
	}
	return d, nil
}

func intervalString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, model.Invalid("%s must be a non-negative integer", name)
	}
	return n, nil
}

func toAccountStatus(a accounts.AccountStatus, loc *time.Location) protocol.AccountStatus {
	return protocol.AccountStatus{
		ID:               a.ID,
		Name:             a.Name,
		AuthKind:         string(a.AuthKind),
		State:            string(a.State),
		Enabled:          a.Enabled,
		Connected:        a.Connected,
		NeedsReauth:      a.NeedsReauth,
		LastSyncedAt:     display(a.LastSyncedAt, loc),
		LastError:        a.LastError,
		Calendars:        a.Calendars,
		EnabledCalendars: a.EnabledCalendars,
	}
}

func toAccountInfo(a *model.Account, loc *time.Location) protocol.AccountInfo {
	return protocol.AccountInfo{
		ID:              a.ID,
		Name:            a.Name,
		ServerURL:       a.ServerURL,
		AuthKind:        string(a.AuthKind),
		Username:        a.Username,
		HasSecret:       a.Secret != "",
		OAuthClientID:   a.OAuthClientID,
		HasRefreshToken: a.RefreshToken != "",
		TokenExpiry:     display(a.TokenExpiry, loc),
		SyncInterval:    intervalString(a.SyncInterval),
		Enabled:         a.Enabled,
		LastSyncedAt:    display(a.LastSyncedAt, loc),
		LastError:       a.LastError,
		NeedsReauth:     a.NeedsReauth,
		CreatedAt:       timezone.ToDisplay(a.CreatedAt, loc),
		UpdatedAt:       timezone.ToDisplay(a.UpdatedAt, loc),
	}
}

func toCalendarInfo(c *model.Calendar, loc *time.Location) protocol.CalendarInfo {
	return protocol.CalendarInfo{
		ID:           c.ID,
		AccountID:    c.AccountID,
		RemoteID:     c.RemoteID,
		Name:         c.Name,
		Color:        c.Color,
		Enabled:      c.Enabled,
		Missing:      c.Missing,
		LastSyncedAt: display(c.LastSyncedAt, loc),
		LastError:    c.LastError,
	}
}

func toEventInfo(e *model.Event, loc *time.Location) protocol.EventInfo {
	info := protocol.EventInfo{
		ID:          e.ID,
		CalendarID:  e.CalendarID,
		RemoteID:    e.RemoteID,
		Summary:     e.Summary,
		Start:       timezone.Format(e.Start, e.AllDay, loc),
		AllDay:      e.AllDay,
		Location:    e.Location,
		Description: e.Description,
		RRule:       e.RRule,
		Status:      e.Status,
		ETag:        e.ETag,
		Origin:      e.Origin,
		CreatedAt:   timezone.ToDisplay(e.CreatedAt, loc),
		UpdatedAt:   timezone.ToDisplay(e.UpdatedAt, loc),
	}
	if e.End.Valid {
		info.End = timezone.Format(e.End.Time, e.AllDay, loc)
	}
	return info
}

func toRuleInfo(r *model.CopyRule, loc *time.Location) protocol.RuleInfo {
	return protocol.RuleInfo{
		ID:                    r.ID,
		Name:                  r.Name,
		SourceCalendarID:      r.SourceCalendarID,
		DestinationCalendarID: r.DestinationCalendarID,
		Enabled:               r.Enabled,
		LastExecutedAt:        display(r.LastExecutedAt, loc),
		LastError:             r.LastError,
		CreatedAt:             timezone.ToDisplay(r.CreatedAt, loc),
	}
}
