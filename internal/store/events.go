package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sekia-ai/calhub/internal/model"
)

const eventColumns = `id, calendar_id, remote_id, href, summary, start_at, end_at, all_day,
	location, description, rrule, status, etag, origin, created_at, updated_at`

const insertEvent = `INSERT INTO events (` + eventColumns + `) VALUES (
	:id, :calendar_id, :remote_id, :href, :summary, :start_at, :end_at, :all_day,
	:location, :description, :rrule, :status, :etag, :origin, :created_at, :updated_at)`

const updateEvent = `UPDATE events SET
	href = :href, summary = :summary, start_at = :start_at, end_at = :end_at, all_day = :all_day,
	location = :location, description = :description, rrule = :rrule, status = :status,
	etag = :etag, origin = :origin, updated_at = :updated_at
	WHERE id = :id`

// EventFilter narrows ListEvents. Zero values mean unbounded.
type EventFilter struct {
	CalendarID string
	From       time.Time
	To         time.Time
	Limit      int
}

// ListEvents returns events ordered by start. An event matches a range when
// it overlaps [From, To).
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.CalendarID != "" {
		where = append(where, "calendar_id = ?")
		args = append(args, f.CalendarID)
	}
	if !f.From.IsZero() {
		where = append(where, "COALESCE(end_at, start_at) >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "start_at < ?")
		args = append(args, f.To.UTC())
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var events []model.Event
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// CalendarEvents returns every cached event of one calendar.
func (s *Store) CalendarEvents(ctx context.Context, calendarID string) ([]model.Event, error) {
	return s.ListEvents(ctx, EventFilter{CalendarID: calendarID})
}

// GetEvent returns the event with id.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	if err := s.db.GetContext(ctx, &e, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "event", id)
	}
	return &e, nil
}

// UpsertEvent writes e keyed by (calendar_id, remote_id). An existing row
// keeps its id and created_at; e is updated with the stored values.
func (s *Store) UpsertEvent(ctx context.Context, e *model.Event) error {
	now := s.now()
	row := *e
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt, row.UpdatedAt = now, now
	normalizeEvent(&row)

	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := tx.BindNamed(insertEvent+` ON CONFLICT (calendar_id, remote_id) DO UPDATE SET
			href = excluded.href, summary = excluded.summary, start_at = excluded.start_at,
			end_at = excluded.end_at, all_day = excluded.all_day, location = excluded.location,
			description = excluded.description, rrule = excluded.rrule, status = excluded.status,
			etag = excluded.etag, origin = excluded.origin, updated_at = excluded.updated_at
			RETURNING id, created_at`, row)
		if err != nil {
			return err
		}
		if err := tx.QueryRowxContext(ctx, query, args...).Scan(&row.ID, &row.CreatedAt); err != nil {
			if isForeignKeyViolation(err) {
				return model.NotFound("calendar", row.CalendarID)
			}
			return fmt.Errorf("upsert event: %w", err)
		}
		*e = row
		return nil
	})
}

// DeleteEvent removes the event with id.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete event: %w", err)
		}
		return requireRow(res, "event", id)
	})
}

// EventChanges is the write set of merging one calendar.
type EventChanges struct {
	Inserts []model.Event
	Updates []model.Event
	Deletes []string
}

// Empty reports whether applying c would write nothing.
func (c EventChanges) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Updates) == 0 && len(c.Deletes) == 0
}

// ApplyEventChanges writes a merge result for one calendar in a single
// transaction. Updates keep the local id and created_at of the row.
func (s *Store) ApplyEventChanges(ctx context.Context, calendarID string, c EventChanges) error {
	if c.Empty() {
		return nil
	}
	now := s.now()
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range c.Inserts {
			e.CalendarID = calendarID
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			e.CreatedAt, e.UpdatedAt = now, now
			normalizeEvent(&e)
			if _, err := tx.NamedExecContext(ctx, insertEvent, e); err != nil {
				return fmt.Errorf("insert event %s: %w", e.RemoteID, err)
			}
		}
		for _, e := range c.Updates {
			e.UpdatedAt = now
			normalizeEvent(&e)
			if _, err := tx.NamedExecContext(ctx, updateEvent+` AND calendar_id = :calendar_id`, e); err != nil {
				return fmt.Errorf("update event %s: %w", e.RemoteID, err)
			}
		}
		for _, id := range c.Deletes {
			if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND calendar_id = ?`, id, calendarID); err != nil {
				return fmt.Errorf("delete event %s: %w", id, err)
			}
		}
		return nil
	})
}

// EventsWithOrigin returns the events of a calendar whose provenance marker
// starts with prefix.
func (s *Store) EventsWithOrigin(ctx context.Context, calendarID, prefix string) ([]model.Event, error) {
	var events []model.Event
	err := s.db.SelectContext(ctx, &events, `SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND origin <> '' AND substr(origin, 1, ?) = ?
		ORDER BY start_at, id`, calendarID, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("events with origin: %w", err)
	}
	return events, nil
}

func normalizeEvent(e *model.Event) {
	e.Start = e.Start.UTC()
	if e.End.Valid {
		e.End.Time = e.End.Time.UTC()
	}
}
