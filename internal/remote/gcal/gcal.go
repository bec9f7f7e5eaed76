// Package gcal is the Google Calendar API backend of remote.Client.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sekia-ai/calhub/internal/remote"
)

// OriginKey is the private extended property holding the copy rule
// provenance marker.
const OriginKey = "calhubOrigin"

const dateLayout = "2006-01-02"

// Client is a Google Calendar remote.Client.
type Client struct {
	svc *calendar.Service
}

var _ remote.Client = (*Client)(nil)

// New builds a client authenticated with ts. Extra options (endpoint, HTTP
// client) are appended, which lets tests point it at a fake server.
func New(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*Client, error) {
	all := append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := calendar.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// ListCalendars lists the user's calendar list, skipping hidden and deleted
// entries.
func (c *Client) ListCalendars(ctx context.Context) ([]remote.Calendar, error) {
	var cals []remote.Calendar
	err := c.svc.CalendarList.List().Context(ctx).Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			if item.Deleted || item.Hidden {
				continue
			}
			name := item.SummaryOverride
			if name == "" {
				name = item.Summary
			}
			cals = append(cals, remote.Calendar{ID: item.Id, Name: name, Color: item.BackgroundColor})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", classify(err))
	}
	return cals, nil
}

// ListEvents returns the master events of a calendar; recurring series are
// not expanded and per-instance overrides are skipped.
func (c *Client) ListEvents(ctx context.Context, calendarID string) ([]remote.Event, error) {
	var events []remote.Event
	call := c.svc.Events.List(calendarID).
		SingleEvents(false).
		ShowDeleted(false).
		MaxResults(2500).
		Context(ctx)
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item.RecurringEventId != "" || item.Status == "cancelled" {
				continue
			}
			ev, err := fromAPI(item)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", classify(err))
	}
	return events, nil
}

// CreateEvent inserts e; Google assigns the id.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, e remote.Event) (remote.Event, error) {
	created, err := c.svc.Events.Insert(calendarID, toAPI(e)).Context(ctx).Do()
	if err != nil {
		return remote.Event{}, fmt.Errorf("create event: %w", classify(err))
	}
	return fromAPI(created)
}

// UpdateEvent replaces the event with id e.UID.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, e remote.Event) (remote.Event, error) {
	updated, err := c.svc.Events.Update(calendarID, e.UID, toAPI(e)).Context(ctx).Do()
	if err != nil {
		return remote.Event{}, fmt.Errorf("update event: %w", classify(err))
	}
	return fromAPI(updated)
}

// DeleteEvent deletes the event with id e.UID.
func (c *Client) DeleteEvent(ctx context.Context, calendarID string, e remote.Event) error {
	if err := c.svc.Events.Delete(calendarID, e.UID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete event: %w", classify(err))
	}
	return nil
}

// classify wraps 404 and 410 API errors with remote.ErrNotFound.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		return fmt.Errorf("%w: %w", remote.ErrNotFound, err)
	}
	return err
}

func fromAPI(item *calendar.Event) (remote.Event, error) {
	e := remote.Event{
		UID:         item.Id,
		ETag:        item.Etag,
		Summary:     item.Summary,
		Location:    item.Location,
		Description: item.Description,
		Status:      item.Status,
	}
	for _, line := range item.Recurrence {
		if rule, ok := strings.CutPrefix(line, "RRULE:"); ok {
			e.RRule = rule
			break
		}
	}
	if item.ExtendedProperties != nil {
		e.Origin = item.ExtendedProperties.Private[OriginKey]
	}

	var err error
	e.Start, e.AllDay, err = parseDateTime(item.Start)
	if err != nil {
		return remote.Event{}, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	if item.End != nil {
		e.End, _, err = parseDateTime(item.End)
		if err != nil {
			return remote.Event{}, fmt.Errorf("event %s end: %w", item.Id, err)
		}
	}
	return e, nil
}

func parseDateTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	switch {
	case dt == nil:
		return time.Time{}, false, errors.New("missing")
	case dt.Date != "":
		t, err := time.Parse(dateLayout, dt.Date)
		return t, true, err
	default:
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t.UTC(), false, err
	}
}

func toAPI(e remote.Event) *calendar.Event {
	item := &calendar.Event{
		Summary:     e.Summary,
		Location:    e.Location,
		Description: e.Description,
		Status:      e.Status,
	}
	end := e.End
	if e.AllDay {
		if end.IsZero() {
			end = e.Start.AddDate(0, 0, 1)
		}
		item.Start = &calendar.EventDateTime{Date: e.Start.UTC().Format(dateLayout)}
		item.End = &calendar.EventDateTime{Date: end.UTC().Format(dateLayout)}
	} else {
		// Google requires an end; an open-ended event becomes zero-length.
		if end.IsZero() {
			end = e.Start
		}
		item.Start = &calendar.EventDateTime{DateTime: e.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"}
		item.End = &calendar.EventDateTime{DateTime: end.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}
	if e.RRule != "" {
		item.Recurrence = []string{"RRULE:" + e.RRule}
	}
	if e.Origin != "" {
		item.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{OriginKey: e.Origin},
		}
	}
	return item
}
