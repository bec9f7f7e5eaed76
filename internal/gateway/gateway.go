// Package gateway mirrors local event mutations to the remote server.
// Every create, update and delete goes to the remote calendar first; the
// local cache is written only after the server accepted the change.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
	"gopkg.in/guregu/null.v3"

	"github.com/sekia-ai/calhub/internal/metrics"
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/notify"
	"github.com/sekia-ai/calhub/internal/remote"
	"github.com/sekia-ai/calhub/internal/timezone"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

// Store is the persistence the gateway needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetCalendar(ctx context.Context, id string) (*model.Calendar, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	UpsertEvent(ctx context.Context, e *model.Event) error
	DeleteEvent(ctx context.Context, id string) error
}

// Connector opens the transport for an account.
type Connector interface {
	Connect(ctx context.Context, acct *model.Account) (remote.Client, error)
}

// EventInput is a new event in display form. Start and End are either
// timestamps in the display zone or YYYY-MM-DD dates for all-day events.
type EventInput struct {
	CalendarID  string
	Summary     string
	Start       string
	End         string
	Location    string
	Description string
	RRule       string
	Status      string
}

// EventPatch is a partial update; absent fields keep their value.
// A present empty End makes the event open-ended.
type EventPatch struct {
	Summary     mo.Option[string]
	Start       mo.Option[string]
	End         mo.Option[string]
	Location    mo.Option[string]
	Description mo.Option[string]
	RRule       mo.Option[string]
	Status      mo.Option[string]
}

// Gateway performs remote-first event writes.
type Gateway struct {
	store  Store
	conn   Connector
	zone   *timezone.Zone
	logger zerolog.Logger

	Notifier *notify.Publisher
	Metrics  *metrics.Metrics
}

// New creates a Gateway converting display values with zone.
func New(st Store, conn Connector, zone *timezone.Zone, logger zerolog.Logger) *Gateway {
	return &Gateway{
		store:  st,
		conn:   conn,
		zone:   zone,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// Create converts in to UTC and inserts it.
func (g *Gateway) Create(ctx context.Context, in EventInput) (*model.Event, error) {
	if strings.TrimSpace(in.CalendarID) == "" {
		return nil, model.Invalid("calendar_id is required")
	}
	if strings.TrimSpace(in.Start) == "" {
		return nil, model.Invalid("start is required")
	}
	e := model.Event{
		CalendarID:  in.CalendarID,
		Summary:     in.Summary,
		Location:    in.Location,
		Description: in.Description,
		RRule:       in.RRule,
		Status:      in.Status,
	}
	if err := g.setTimes(&e, in.Start, mo.Some(in.End)); err != nil {
		return nil, err
	}
	return g.Insert(ctx, e)
}

// Update applies patch to the event with id.
func (g *Gateway) Update(ctx context.Context, id string, patch EventPatch) (*model.Event, error) {
	cur, err := g.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	e := *cur
	if v, ok := patch.Summary.Get(); ok {
		e.Summary = v
	}
	if v, ok := patch.Location.Get(); ok {
		e.Location = v
	}
	if v, ok := patch.Description.Get(); ok {
		e.Description = v
	}
	if v, ok := patch.RRule.Get(); ok {
		e.RRule = v
	}
	if v, ok := patch.Status.Get(); ok {
		e.Status = v
	}
	if patch.Start.IsPresent() || patch.End.IsPresent() {
		start := timezone.Format(cur.Start, cur.AllDay, g.zone.Location())
		if v, ok := patch.Start.Get(); ok {
			start = v
		}
		end := patch.End
		if !end.IsPresent() && cur.End.Valid {
			end = mo.Some(timezone.Format(cur.End.Time, cur.AllDay, g.zone.Location()))
		}
		if err := g.setTimes(&e, start, end); err != nil {
			return nil, err
		}
	}
	return g.Replace(ctx, e)
}

// setTimes parses start and end in the display zone. A date-only start
// makes the event all-day; its end defaults to the following day.
func (g *Gateway) setTimes(e *model.Event, start string, end mo.Option[string]) error {
	loc := g.zone.Location()
	s, allDay, err := timezone.Parse(start, loc)
	if err != nil {
		return err
	}
	e.Start, e.AllDay, e.End = s, allDay, null.Time{}

	endStr := strings.TrimSpace(end.OrEmpty())
	switch {
	case endStr != "":
		t, endAllDay, err := timezone.Parse(endStr, loc)
		if err != nil {
			return err
		}
		if endAllDay != allDay {
			return model.Invalid("start and end must both be dates or both be timestamps")
		}
		e.End = null.TimeFrom(t)
	case allDay:
		e.End = null.TimeFrom(s.AddDate(0, 0, 1))
	}
	return nil
}

// Insert creates a canonical (UTC) event on the server of its calendar and
// caches the server's copy.
func (g *Gateway) Insert(ctx context.Context, e model.Event) (*model.Event, error) {
	e.RRule = normalizeRRule(e.RRule)
	if err := Validate(e); err != nil {
		return nil, err
	}
	cal, client, err := g.open(ctx, e.CalendarID)
	if err != nil {
		return nil, err
	}

	created, err := client.CreateEvent(ctx, cal.RemoteID, remote.FromModel(e))
	g.Metrics.RemoteWrite("create", err)
	if err != nil {
		g.logger.Warn().Err(err).Str("calendar_id", cal.ID).Msg("remote create failed")
		return nil, fmt.Errorf("%w: create event: %w", model.ErrRemoteWrite, err)
	}

	local := created.ToModel(cal.ID)
	if err := g.store.UpsertEvent(ctx, &local); err != nil {
		return nil, fmt.Errorf("cache created event %s: %w", local.RemoteID, err)
	}
	g.published("create", &local)
	return &local, nil
}

// Replace writes the full content of an existing canonical event to the
// server and then to the cache. The calendar of an event cannot change.
func (g *Gateway) Replace(ctx context.Context, e model.Event) (*model.Event, error) {
	cur, err := g.store.GetEvent(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	e.CalendarID, e.RemoteID, e.Href = cur.CalendarID, cur.RemoteID, cur.Href
	e.RRule = normalizeRRule(e.RRule)
	if err := Validate(e); err != nil {
		return nil, err
	}
	cal, client, err := g.open(ctx, cur.CalendarID)
	if err != nil {
		return nil, err
	}

	updated, err := client.UpdateEvent(ctx, cal.RemoteID, remote.FromModel(e))
	g.Metrics.RemoteWrite("update", err)
	if err != nil {
		g.logger.Warn().Err(err).Str("event_id", e.ID).Msg("remote update failed")
		return nil, fmt.Errorf("%w: update event: %w", model.ErrRemoteWrite, err)
	}

	local := updated.ToModel(cal.ID)
	local.ID = cur.ID
	if err := g.store.UpsertEvent(ctx, &local); err != nil {
		return nil, fmt.Errorf("cache updated event %s: %w", local.RemoteID, err)
	}
	g.published("update", &local)
	return &local, nil
}

// Delete removes the event remotely and then locally. An event the server
// no longer has is treated as already deleted.
func (g *Gateway) Delete(ctx context.Context, id string) error {
	cur, err := g.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	cal, client, err := g.open(ctx, cur.CalendarID)
	if err != nil {
		return err
	}

	err = client.DeleteEvent(ctx, cal.RemoteID, remote.FromModel(*cur))
	if errors.Is(err, remote.ErrNotFound) {
		g.logger.Debug().Str("event_id", id).Msg("event already gone remotely")
		err = nil
	}
	g.Metrics.RemoteWrite("delete", err)
	if err != nil {
		g.logger.Warn().Err(err).Str("event_id", id).Msg("remote delete failed")
		return fmt.Errorf("%w: delete event: %w", model.ErrRemoteWrite, err)
	}

	if err := g.store.DeleteEvent(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	g.published("delete", cur)
	return nil
}

// open resolves the calendar and connects to its account's server.
// Credential failures keep their class.
func (g *Gateway) open(ctx context.Context, calendarID string) (*model.Calendar, remote.Client, error) {
	cal, err := g.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return nil, nil, err
	}
	acct, err := g.store.GetAccount(ctx, cal.AccountID)
	if err != nil {
		return nil, nil, err
	}
	client, err := g.conn.Connect(ctx, acct)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNeedsReauth), errors.Is(err, model.ErrMissingConfig):
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: connect: %w", model.ErrRemoteWrite, err)
	}
	return cal, client, nil
}

func (g *Gateway) published(op string, e *model.Event) {
	g.Notifier.Publish(protocol.EventEventWritten, map[string]any{
		"op":          op,
		"event_id":    e.ID,
		"calendar_id": e.CalendarID,
		"summary":     e.Summary,
	})
}

var statuses = map[string]bool{"": true, "confirmed": true, "tentative": true, "cancelled": true}

// normalizeRRule strips an "RRULE:" property prefix; events store the bare
// rule value and each transport adds its own framing.
func normalizeRRule(r string) string {
	r = strings.TrimSpace(r)
	if len(r) >= 6 && strings.EqualFold(r[:6], "RRULE:") {
		return r[6:]
	}
	return r
}

// Validate checks a canonical event before it is sent to a server.
func Validate(e model.Event) error {
	if strings.TrimSpace(e.Summary) == "" {
		return model.Invalid("summary is required")
	}
	if e.Start.IsZero() {
		return model.Invalid("start is required")
	}
	if e.End.Valid && e.End.Time.Before(e.Start) {
		return model.Invalid("end %s is before start %s",
			e.End.Time.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	if !statuses[e.Status] {
		return model.Invalid("unknown status %q", e.Status)
	}
	if e.RRule != "" {
		if _, err := rrule.StrToRRule(normalizeRRule(e.RRule)); err != nil {
			return model.Invalid("recurrence rule %q: %v", e.RRule, err)
		}
	}
	return nil
}
