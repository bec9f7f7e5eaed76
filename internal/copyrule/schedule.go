package copyrule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Schedule registers a job on c that executes every enabled rule on the cron expression expr.
// An empty expr disables scheduled execution and returns a zero entry.
func (e *Engine) Schedule(ctx context.Context, c *cron.Cron, expr string) (cron.EntryID, error) {
	if expr == "" {
		return 0, nil
	}
	id, err := c.AddFunc(expr, func() {
		results := e.ExecuteAll(ctx)
		e.logger.Debug().Int("rules", len(results)).Msg("scheduled copy rules done")
	})
	if err != nil {
		return 0, fmt.Errorf("schedule copy rules %q: %w", expr, err)
	}
	return id, nil
}
