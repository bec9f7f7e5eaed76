package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sekia-ai/calhub/internal/model"
)

const ruleColumns = `id, name, source_calendar_id, destination_calendar_id, enabled, last_executed_at, last_error, created_at`

// CreateCopyRule inserts r. Unknown calendars yield ErrNotFound and an
// identical source and destination yields ErrValidation.
func (s *Store) CreateCopyRule(ctx context.Context, r *model.CopyRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = s.now()
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO copy_rules (`+ruleColumns+`) VALUES (
			:id, :name, :source_calendar_id, :destination_calendar_id, :enabled, :last_executed_at, :last_error, :created_at)`, r)
		switch {
		case err == nil:
			return nil
		case isForeignKeyViolation(err):
			return model.NotFound("calendar", r.SourceCalendarID+" or "+r.DestinationCalendarID)
		case isCheckViolation(err):
			return model.Invalid("source and destination calendar must differ")
		default:
			return fmt.Errorf("insert copy rule: %w", err)
		}
	})
}

// GetCopyRule returns the rule with id.
func (s *Store) GetCopyRule(ctx context.Context, id string) (*model.CopyRule, error) {
	var r model.CopyRule
	if err := s.db.GetContext(ctx, &r, `SELECT `+ruleColumns+` FROM copy_rules WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "copy rule", id)
	}
	return &r, nil
}

// ListCopyRules returns every rule ordered by creation.
func (s *Store) ListCopyRules(ctx context.Context) ([]model.CopyRule, error) {
	var rules []model.CopyRule
	if err := s.db.SelectContext(ctx, &rules, `SELECT `+ruleColumns+` FROM copy_rules ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list copy rules: %w", err)
	}
	return rules, nil
}

// UpdateCopyRule changes the label and enabled flag. Calendars are fixed for
// the lifetime of a rule.
func (s *Store) UpdateCopyRule(ctx context.Context, id, name string, enabled bool) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE copy_rules SET name = ?, enabled = ? WHERE id = ?`, name, enabled, id)
		if err != nil {
			return fmt.Errorf("update copy rule: %w", err)
		}
		return requireRow(res, "copy rule", id)
	})
}

// DeleteCopyRule removes the rule and its links. Replicated events stay.
func (s *Store) DeleteCopyRule(ctx context.Context, id string) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM copy_rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete copy rule: %w", err)
		}
		return requireRow(res, "copy rule", id)
	})
}

// MarkRuleExecuted records the time and outcome of an execution.
func (s *Store) MarkRuleExecuted(ctx context.Context, id string, at time.Time, errMsg string) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE copy_rules SET last_executed_at = ?, last_error = ? WHERE id = ?`,
			at.UTC(), errMsg, id)
		if err != nil {
			return fmt.Errorf("mark copy rule executed: %w", err)
		}
		return requireRow(res, "copy rule", id)
	})
}

// CopyLinks returns the links of a rule keyed by source remote id.
func (s *Store) CopyLinks(ctx context.Context, ruleID string) (map[string]model.CopyLink, error) {
	var links []model.CopyLink
	if err := s.db.SelectContext(ctx, &links, `SELECT rule_id, source_remote_id, destination_event_id, source_etag
		FROM copy_links WHERE rule_id = ?`, ruleID); err != nil {
		return nil, fmt.Errorf("list copy links: %w", err)
	}
	out := make(map[string]model.CopyLink, len(links))
	for _, l := range links {
		out[l.SourceRemoteID] = l
	}
	return out, nil
}

// PutCopyLink inserts or replaces a link.
func (s *Store) PutCopyLink(ctx context.Context, l model.CopyLink) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO copy_links (rule_id, source_remote_id, destination_event_id, source_etag)
			VALUES (:rule_id, :source_remote_id, :destination_event_id, :source_etag)
			ON CONFLICT (rule_id, source_remote_id) DO UPDATE SET
			destination_event_id = excluded.destination_event_id, source_etag = excluded.source_etag`, l)
		if err != nil {
			return fmt.Errorf("put copy link: %w", err)
		}
		return nil
	})
}

// DeleteCopyLink removes one link; a missing link is not an error.
func (s *Store) DeleteCopyLink(ctx context.Context, ruleID, sourceRemoteID string) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM copy_links WHERE rule_id = ? AND source_remote_id = ?`,
			ruleID, sourceRemoteID); err != nil {
			return fmt.Errorf("delete copy link: %w", err)
		}
		return nil
	})
}
