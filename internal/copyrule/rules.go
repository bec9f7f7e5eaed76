package copyrule

import (
	"context"
	"strings"

	"github.com/samber/mo"

	"github.com/sekia-ai/calhub/internal/model"
)

// Create stores a new rule between two existing, distinct calendars.
func (e *Engine) Create(ctx context.Context, name, sourceID, destinationID string, enabled bool) (*model.CopyRule, error) {
	sourceID, destinationID = strings.TrimSpace(sourceID), strings.TrimSpace(destinationID)
	if sourceID == "" || destinationID == "" {
		return nil, model.Invalid("source and destination calendar ids are required")
	}
	if sourceID == destinationID {
		return nil, model.Invalid("source and destination calendar must differ")
	}
	r := &model.CopyRule{
		Name:                  strings.TrimSpace(name),
		SourceCalendarID:      sourceID,
		DestinationCalendarID: destinationID,
		Enabled:               enabled,
	}
	if err := e.store.CreateCopyRule(ctx, r); err != nil {
		return nil, err
	}
	e.logger.Info().Str("rule_id", r.ID).Str("source", sourceID).Str("destination", destinationID).Msg("copy rule created")
	return r, nil
}

// Get returns one rule.
func (e *Engine) Get(ctx context.Context, id string) (*model.CopyRule, error) {
	return e.store.GetCopyRule(ctx, id)
}

// List returns every rule.
func (e *Engine) List(ctx context.Context) ([]model.CopyRule, error) {
	return e.store.ListCopyRules(ctx)
}

// Update changes the name and enabled flag of a rule; its calendars are
// fixed at creation.
func (e *Engine) Update(ctx context.Context, id string, name mo.Option[string], enabled mo.Option[bool]) (*model.CopyRule, error) {
	unlock := e.lock(id)
	defer unlock()

	r, err := e.store.GetCopyRule(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Name = strings.TrimSpace(name.OrElse(r.Name))
	r.Enabled = enabled.OrElse(r.Enabled)
	if err := e.store.UpdateCopyRule(ctx, id, r.Name, r.Enabled); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes a rule and its links, after any running execution of it.
// Copies already made stay in the destination calendar.
func (e *Engine) Delete(ctx context.Context, id string) error {
	unlock := e.lock(id)
	defer unlock()
	if err := e.store.DeleteCopyRule(ctx, id); err != nil {
		return err
	}
	e.logger.Info().Str("rule_id", id).Msg("copy rule deleted")
	return nil
}
