package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sekia-ai/calhub/internal/remote"
)

// ListEvents fetches every VEVENT object of a calendar collection. Objects
// that fail to parse are skipped and logged.
func (c *Client) ListEvents(ctx context.Context, calendarID string) ([]remote.Event, error) {
	u, err := c.resolve(calendarID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Depth", "1")
	header.Set("Content-Type", "application/xml; charset=utf-8")
	res, err := c.do(ctx, "REPORT", u, header, calendarQueryBody())
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	resps, err := parseMultistatus(res.body)
	if err != nil {
		return nil, err
	}

	events := make([]remote.Event, 0, len(resps))
	for _, r := range resps {
		data := r.text("calendar-data")
		if data == "" {
			continue
		}
		ev, err := decodeEvent(data + "\r\n")
		if err != nil {
			c.logger.Warn().Err(err).Str("href", r.href).Msg("skipping unparsable calendar object")
			continue
		}
		ev.Href = r.href
		ev.ETag = r.text("getetag")
		events = append(events, ev)
	}
	return events, nil
}

// CreateEvent PUTs a new object named after the event UID. A UID is minted
// when e has none.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, e remote.Event) (remote.Event, error) {
	if e.UID == "" {
		e.UID = uuid.NewString()
	}
	e.Href = strings.TrimSuffix(calendarID, "/") + "/" + e.UID + ".ics"
	header := http.Header{}
	header.Set("If-None-Match", "*")
	return c.put(ctx, e, header)
}

// UpdateEvent overwrites the object at e.Href. The last writer wins; no
// If-Match precondition is sent.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, e remote.Event) (remote.Event, error) {
	if e.Href == "" {
		e.Href = strings.TrimSuffix(calendarID, "/") + "/" + e.UID + ".ics"
	}
	return c.put(ctx, e, http.Header{})
}

// DeleteEvent removes the object at e.Href. A missing object yields
// remote.ErrNotFound.
func (c *Client) DeleteEvent(ctx context.Context, calendarID string, e remote.Event) error {
	href := e.Href
	if href == "" {
		href = strings.TrimSuffix(calendarID, "/") + "/" + e.UID + ".ics"
	}
	u, err := c.resolve(href)
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, http.MethodDelete, u, nil, nil); err != nil {
		return fmt.Errorf("delete event %s: %w", e.UID, err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, e remote.Event, header http.Header) (remote.Event, error) {
	body, err := encodeEvent(e, time.Now())
	if err != nil {
		return remote.Event{}, err
	}
	u, err := c.resolve(e.Href)
	if err != nil {
		return remote.Event{}, err
	}
	header.Set("Content-Type", "text/calendar; charset=utf-8")
	res, err := c.do(ctx, http.MethodPut, u, header, body)
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusPreconditionFailed {
			return remote.Event{}, fmt.Errorf("put event %s: object already exists: %w", e.UID, err)
		}
		return remote.Event{}, fmt.Errorf("put event %s: %w", e.UID, err)
	}
	// Servers may omit the ETag when they rewrite the object; the next sync
	// pass then picks up the stored one.
	e.ETag = res.header.Get("ETag")
	e.Href = u.Path
	return e, nil
}
