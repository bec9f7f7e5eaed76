package model

import (
	"strings"
	"time"

	"gopkg.in/guregu/null.v3"
)

// Calendar is one remote collection discovered under an Account.
type Calendar struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`
	RemoteID  string `db:"remote_id"`
	Name      string `db:"name"`
	Color     string `db:"color"`
	Enabled   bool   `db:"enabled"`
	Missing   bool   `db:"missing"`
	// Reenable is set when a missing calendar was enabled as it vanished.
	Reenable     bool      `db:"reenable"`
	LastSyncedAt null.Time `db:"last_synced_at"`
	LastError    string    `db:"last_error"`
}

// Event is one calendar entry cached in canonical UTC.
// All-day events carry UTC midnight bounds with an exclusive end date.
type Event struct {
	ID          string    `db:"id"`
	CalendarID  string    `db:"calendar_id"`
	RemoteID    string    `db:"remote_id"`
	Href        string    `db:"href"`
	Summary     string    `db:"summary"`
	Start       time.Time `db:"start_at"`
	End         null.Time `db:"end_at"`
	AllDay      bool      `db:"all_day"`
	Location    string    `db:"location"`
	Description string    `db:"description"`
	RRule       string    `db:"rrule"`
	Status      string    `db:"status"`
	ETag        string    `db:"etag"`
	Origin      string    `db:"origin"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// SameContent reports whether two events carry the same user-visible fields.
func (e Event) SameContent(o Event) bool {
	return e.Summary == o.Summary &&
		e.Start.Equal(o.Start) &&
		e.End.Valid == o.End.Valid &&
		(!e.End.Valid || e.End.Time.Equal(o.End.Time)) &&
		e.AllDay == o.AllDay &&
		e.Location == o.Location &&
		e.Description == o.Description &&
		e.RRule == o.RRule &&
		e.Status == o.Status
}

// CopyRule replicates events one way from a source to a destination calendar.
type CopyRule struct {
	ID                    string    `db:"id"`
	Name                  string    `db:"name"`
	SourceCalendarID      string    `db:"source_calendar_id"`
	DestinationCalendarID string    `db:"destination_calendar_id"`
	Enabled               bool      `db:"enabled"`
	LastExecutedAt        null.Time `db:"last_executed_at"`
	LastError             string    `db:"last_error"`
	CreatedAt             time.Time `db:"created_at"`
}

// CopyLink records which destination event a source event produced.
type CopyLink struct {
	RuleID             string `db:"rule_id"`
	SourceRemoteID     string `db:"source_remote_id"`
	DestinationEventID string `db:"destination_event_id"`
	SourceETag         string `db:"source_etag"`
}

// OriginMarker builds the provenance value stamped on replicated events.
func OriginMarker(ruleID, sourceRemoteID string) string {
	return ruleID + "/" + sourceRemoteID
}

// ParseOrigin splits a provenance marker into rule id and source remote id.
func ParseOrigin(origin string) (ruleID, sourceRemoteID string, ok bool) {
	ruleID, sourceRemoteID, ok = strings.Cut(origin, "/")
	if !ok || ruleID == "" || sourceRemoteID == "" {
		return "", "", false
	}
	return ruleID, sourceRemoteID, true
}
