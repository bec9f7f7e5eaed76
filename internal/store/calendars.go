package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gopkg.in/guregu/null.v3"

	"github.com/sekia-ai/calhub/internal/model"
)

const calendarColumns = `id, account_id, remote_id, name, color, enabled, missing, reenable, last_synced_at, last_error`

// SyncCalendars reconciles the discovered collections of one account with the
// stored ones. New collections are inserted enabled, known ones get their
// name and color refreshed, and stored ones absent from discovered are
// disabled and marked missing. A missing calendar that reappears is enabled
// again only if it was enabled when it vanished. The returned slice follows the discovery order.
func (s *Store) SyncCalendars(ctx context.Context, accountID string, discovered []model.Calendar) ([]model.Calendar, error) {
	var result []model.Calendar
	err := s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		result = result[:0]

		var existing []model.Calendar
		if err := tx.SelectContext(ctx, &existing, `SELECT `+calendarColumns+` FROM calendars WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("load calendars: %w", err)
		}
		byRemote := make(map[string]model.Calendar, len(existing))
		for _, c := range existing {
			byRemote[c.RemoteID] = c
		}

		seen := make(map[string]bool, len(discovered))
		for _, d := range discovered {
			if seen[d.RemoteID] {
				continue
			}
			seen[d.RemoteID] = true

			cur, ok := byRemote[d.RemoteID]
			if !ok {
				cur = model.Calendar{
					ID:        uuid.NewString(),
					AccountID: accountID,
					RemoteID:  d.RemoteID,
					Name:      d.Name,
					Color:     d.Color,
					Enabled:   true,
				}
				if _, err := tx.NamedExecContext(ctx, `INSERT INTO calendars (`+calendarColumns+`)
					VALUES (:id, :account_id, :remote_id, :name, :color, :enabled, :missing, :reenable, :last_synced_at, :last_error)`, cur); err != nil {
					return fmt.Errorf("insert calendar %s: %w", d.RemoteID, err)
				}
				result = append(result, cur)
				continue
			}

			cur.Name, cur.Color = d.Name, d.Color
			if cur.Missing {
				cur.Enabled = cur.Enabled || cur.Reenable
				cur.Missing, cur.Reenable = false, false
			}
			if _, err := tx.ExecContext(ctx, `UPDATE calendars SET name = ?, color = ?, enabled = ?, missing = 0, reenable = 0 WHERE id = ?`,
				cur.Name, cur.Color, cur.Enabled, cur.ID); err != nil {
				return fmt.Errorf("update calendar %s: %w", d.RemoteID, err)
			}
			result = append(result, cur)
		}

		for _, c := range existing {
			if seen[c.RemoteID] || c.Missing {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE calendars SET enabled = 0, missing = 1, reenable = enabled WHERE id = ?`, c.ID); err != nil {
				return fmt.Errorf("mark calendar %s missing: %w", c.RemoteID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetCalendar returns the calendar with id.
func (s *Store) GetCalendar(ctx context.Context, id string) (*model.Calendar, error) {
	var c model.Calendar
	if err := s.db.GetContext(ctx, &c, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "calendar", id)
	}
	return &c, nil
}

// ListCalendars returns the calendars of one account, or of every account
// when accountID is empty.
func (s *Store) ListCalendars(ctx context.Context, accountID string) ([]model.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY account_id, name, id`

	var cals []model.Calendar
	if err := s.db.SelectContext(ctx, &cals, query, args...); err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return cals, nil
}

// SetCalendarEnabled toggles whether the calendar takes part in sync passes.
// An explicit choice on a missing calendar replaces the flag it had when it
// vanished.
func (s *Store) SetCalendarEnabled(ctx context.Context, id string, enabled bool) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE calendars SET enabled = ?, reenable = 0 WHERE id = ?`, enabled, id)
		if err != nil {
			return fmt.Errorf("set calendar enabled: %w", err)
		}
		return requireRow(res, "calendar", id)
	})
}

// RecordCalendarSync stores the outcome of syncing one calendar.
func (s *Store) RecordCalendarSync(ctx context.Context, id string, syncedAt null.Time, errMsg string) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE calendars SET
			last_synced_at = COALESCE(?, last_synced_at), last_error = ?
			WHERE id = ?`, syncedAt, errMsg, id)
		if err != nil {
			return fmt.Errorf("record calendar sync: %w", err)
		}
		return requireRow(res, "calendar", id)
	})
}

// Counts summarizes the cache for status reporting.
type Counts struct {
	Accounts  int `db:"accounts"`
	Calendars int `db:"calendars"`
	Events    int `db:"events"`
	Rules     int `db:"rules"`
}

// Counts returns row counts across the cache.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.GetContext(ctx, &c, `SELECT
		(SELECT COUNT(*) FROM accounts) AS accounts,
		(SELECT COUNT(*) FROM calendars) AS calendars,
		(SELECT COUNT(*) FROM events) AS events,
		(SELECT COUNT(*) FROM copy_rules) AS rules`)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
