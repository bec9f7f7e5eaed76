// Package remote defines the transport contract between the hub and calendar
// servers. Backends live in subpackages: caldav for generic CalDAV servers
// and gcal for the Google Calendar API.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/sekia-ai/calhub/internal/model"
)

// ErrNotFound is returned when the server reports a calendar or event as
// absent (404/410).
var ErrNotFound = errors.New("remote: not found")

// Calendar is one collection as reported by the server.
type Calendar struct {
	// ID is the server's identifier: the collection URL for CalDAV, the
	// calendar id for Google.
	ID    string
	Name  string
	Color string
}

// Event is one entry as the server reports it. Times are UTC; all-day events
// carry midnight bounds with an exclusive end.
type Event struct {
	// UID is stable across syncs and forms the merge key.
	UID string
	// Href locates the object on CalDAV servers.
	Href        string
	ETag        string
	Summary     string
	Start       time.Time
	End         time.Time // zero when open-ended
	AllDay      bool
	Location    string
	Description string
	RRule       string
	Status      string
	// Origin is the copy rule provenance marker, when present.
	Origin string
}

// Client talks to one account on one server.
type Client interface {
	ListCalendars(ctx context.Context) ([]Calendar, error)
	ListEvents(ctx context.Context, calendarID string) ([]Event, error)
	// CreateEvent stores e and returns it with the server-assigned UID, Href
	// and ETag filled in.
	CreateEvent(ctx context.Context, calendarID string, e Event) (Event, error)
	// UpdateEvent overwrites the event identified by e.UID (and e.Href).
	UpdateEvent(ctx context.Context, calendarID string, e Event) (Event, error)
	DeleteEvent(ctx context.Context, calendarID string, e Event) error
}

// FromModel converts a cached event into its transport form.
func FromModel(e model.Event) Event {
	r := Event{
		UID:         e.RemoteID,
		Href:        e.Href,
		ETag:        e.ETag,
		Summary:     e.Summary,
		Start:       e.Start.UTC(),
		AllDay:      e.AllDay,
		Location:    e.Location,
		Description: e.Description,
		RRule:       e.RRule,
		Status:      e.Status,
		Origin:      e.Origin,
	}
	if e.End.Valid {
		r.End = e.End.Time.UTC()
	}
	return r
}

// ToModel converts a server event into a cache row for calendarID. Local
// id and timestamps are left for the store.
func (e Event) ToModel(calendarID string) model.Event {
	m := model.Event{
		CalendarID:  calendarID,
		RemoteID:    e.UID,
		Href:        e.Href,
		ETag:        e.ETag,
		Summary:     e.Summary,
		Start:       e.Start.UTC(),
		AllDay:      e.AllDay,
		Location:    e.Location,
		Description: e.Description,
		RRule:       e.RRule,
		Status:      e.Status,
		Origin:      e.Origin,
	}
	if !e.End.IsZero() {
		m.End.Valid = true
		m.End.Time = e.End.UTC()
	}
	return m
}
