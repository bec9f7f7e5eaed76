// Package copyrule replicates events one way from a source calendar to a
// destination calendar. Each copy carries an origin marker and a link row
// so that re-running a rule without source changes writes nothing.
package copyrule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/metrics"
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/notify"
	"github.com/sekia-ai/calhub/internal/remote"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

// Store is the persistence the engine reads and writes.
type Store interface {
	CreateCopyRule(ctx context.Context, r *model.CopyRule) error
	GetCopyRule(ctx context.Context, id string) (*model.CopyRule, error)
	UpdateCopyRule(ctx context.Context, id, name string, enabled bool) error
	DeleteCopyRule(ctx context.Context, id string) error
	ListCopyRules(ctx context.Context) ([]model.CopyRule, error)
	MarkRuleExecuted(ctx context.Context, id string, at time.Time, errMsg string) error
	GetCalendar(ctx context.Context, id string) (*model.Calendar, error)
	CalendarEvents(ctx context.Context, calendarID string) ([]model.Event, error)
	EventsWithOrigin(ctx context.Context, calendarID, prefix string) ([]model.Event, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	CopyLinks(ctx context.Context, ruleID string) (map[string]model.CopyLink, error)
	PutCopyLink(ctx context.Context, l model.CopyLink) error
	DeleteCopyLink(ctx context.Context, ruleID, sourceRemoteID string) error
}

// Writer performs remote-first event writes; gateway.Gateway implements it.
type Writer interface {
	Insert(ctx context.Context, e model.Event) (*model.Event, error)
	Replace(ctx context.Context, e model.Event) (*model.Event, error)
	Delete(ctx context.Context, id string) error
}

// Result counts what one execution did.
type Result struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Engine executes copy rules.
type Engine struct {
	store  Store
	writer Writer
	logger zerolog.Logger
	now    func() time.Time

	Notifier *notify.Publisher
	Metrics  *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine.
func New(st Store, w Writer, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		writer: w,
		logger: logger.With().Str("component", "copyrule").Logger(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lock(ruleID string) func() {
	e.mu.Lock()
	l, ok := e.locks[ruleID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ruleID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Execute runs one rule. Failures replicating single events are counted in
// the result and retried on the next execution; only rule-level problems
// (unknown or disabled rule, store errors) are returned as errors.
func (e *Engine) Execute(ctx context.Context, ruleID string) (Result, error) {
	unlock := e.lock(ruleID)
	defer unlock()

	rule, err := e.store.GetCopyRule(ctx, ruleID)
	if err != nil {
		return Result{}, err
	}
	if !rule.Enabled {
		return Result{}, model.Invalid("copy rule %s is disabled", rule.ID)
	}

	log := e.logger.With().Str("rule_id", rule.ID).Logger()
	run, err := e.prepare(ctx, rule, log)
	if err != nil {
		e.finish(ctx, rule, Result{}, err)
		return Result{}, err
	}
	run.replicate(ctx)
	run.prune(ctx)

	e.finish(ctx, rule, run.res, run.errs.ErrorOrNil())
	log.Info().
		Int("created", run.res.Created).
		Int("updated", run.res.Updated).
		Int("deleted", run.res.Deleted).
		Int("failed", run.res.Failed).
		Msg("copy rule executed")
	return run.res, nil
}

// ExecuteAll runs every enabled rule and returns the results by rule id.
// Rules are independent; one failing does not stop the others.
func (e *Engine) ExecuteAll(ctx context.Context) map[string]Result {
	rules, err := e.store.ListCopyRules(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("list copy rules")
		return nil
	}
	out := make(map[string]Result, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		res, err := e.Execute(ctx, r.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("rule_id", r.ID).Msg("scheduled copy rule failed")
			continue
		}
		out[r.ID] = res
	}
	return out
}

func (e *Engine) finish(ctx context.Context, rule *model.CopyRule, res Result, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if merr := e.store.MarkRuleExecuted(context.WithoutCancel(ctx), rule.ID, e.now(), msg); merr != nil {
		e.logger.Error().Err(merr).Str("rule_id", rule.ID).Msg("record rule execution")
	}
	e.Metrics.RuleRun(res.Created, res.Updated, res.Deleted, err)

	payload := map[string]any{
		"rule_id":                 rule.ID,
		"rule_name":               rule.Name,
		"source_calendar_id":      rule.SourceCalendarID,
		"destination_calendar_id": rule.DestinationCalendarID,
		"created":                 res.Created,
		"updated":                 res.Updated,
		"deleted":                 res.Deleted,
		"failed":                  res.Failed,
	}
	if err != nil {
		payload["error"] = msg
		e.Notifier.Publish(protocol.EventRuleFailed, payload)
		return
	}
	e.Notifier.Publish(protocol.EventRuleExecuted, payload)
}

// execution is the working state of one rule run.
type execution struct {
	e       *Engine
	rule    *model.CopyRule
	log     zerolog.Logger
	sources []model.Event
	links   map[string]model.CopyLink
	marked  map[string]model.Event
	rebuilt map[string]bool
	seen    map[string]bool
	res     Result
	errs    *multierror.Error
}

// prepare loads the source listing and the rule's links, recovering links
// from destination origin markers where the link table lost them.
func (e *Engine) prepare(ctx context.Context, rule *model.CopyRule, log zerolog.Logger) (*execution, error) {
	if _, err := e.store.GetCalendar(ctx, rule.DestinationCalendarID); err != nil {
		return nil, fmt.Errorf("destination calendar: %w", err)
	}
	sources, err := e.store.CalendarEvents(ctx, rule.SourceCalendarID)
	if err != nil {
		return nil, err
	}
	links, err := e.store.CopyLinks(ctx, rule.ID)
	if err != nil {
		return nil, err
	}

	run := &execution{
		e:       e,
		rule:    rule,
		log:     log,
		links:   links,
		marked:  map[string]model.Event{},
		rebuilt: map[string]bool{},
		seen:    map[string]bool{},
	}

	marked, err := e.store.EventsWithOrigin(ctx, rule.DestinationCalendarID, rule.ID+"/")
	if err != nil {
		return nil, err
	}
	for _, d := range marked {
		ruleID, srcUID, ok := model.ParseOrigin(d.Origin)
		if !ok || ruleID != rule.ID {
			continue
		}
		if _, dup := run.marked[srcUID]; !dup {
			run.marked[srcUID] = d
		}
		if _, linked := links[srcUID]; linked {
			continue
		}
		links[srcUID] = model.CopyLink{RuleID: rule.ID, SourceRemoteID: srcUID, DestinationEventID: d.ID}
		run.rebuilt[srcUID] = true
	}

	loops, err := e.loopRules(ctx, rule)
	if err != nil {
		return nil, err
	}
	for _, s := range sources {
		if originRule, _, ok := model.ParseOrigin(s.Origin); ok && loops[originRule] {
			continue
		}
		run.sources = append(run.sources, s)
	}
	return run, nil
}

// loopRules returns the ids of rules that copy out of this rule's
// destination. Events they produced in our source must not be copied back.
func (e *Engine) loopRules(ctx context.Context, rule *model.CopyRule) (map[string]bool, error) {
	rules, err := e.store.ListCopyRules(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, r := range rules {
		if r.SourceCalendarID == rule.DestinationCalendarID {
			out[r.ID] = true
		}
	}
	return out, nil
}

func (run *execution) replicate(ctx context.Context) {
	for _, s := range run.sources {
		if s.RemoteID == "" {
			continue
		}
		run.seen[s.RemoteID] = true

		link, ok := run.links[s.RemoteID]
		if !ok {
			run.create(ctx, s)
			continue
		}

		dest, err := run.e.store.GetEvent(ctx, link.DestinationEventID)
		if errors.Is(err, model.ErrNotFound) {
			// The linked row is gone, but the copy may have been re-imported
			// under a new local id. Re-point the link instead of copying again.
			m, found := run.marked[s.RemoteID]
			if !found {
				run.create(ctx, s)
				continue
			}
			run.log.Debug().Str("source_remote_id", s.RemoteID).Str("event_id", m.ID).Msg("relinked copy by origin marker")
			link.DestinationEventID = m.ID
			run.links[s.RemoteID] = link
			dest, err = &m, nil
			run.rebuilt[s.RemoteID] = true
		}
		if err != nil {
			run.fail(s.RemoteID, err)
			continue
		}

		want := run.copyOf(s)
		switch {
		case s.ETag != "" && link.SourceETag == s.ETag && !run.rebuilt[s.RemoteID]:
			continue
		case dest.SameContent(want):
			if link.SourceETag != s.ETag || run.rebuilt[s.RemoteID] {
				run.putLink(ctx, s, dest.ID)
			}
			continue
		}
		run.update(ctx, s, *dest, want)
	}
}

func (run *execution) create(ctx context.Context, s model.Event) {
	created, err := run.e.writer.Insert(ctx, run.copyOf(s))
	if err != nil {
		run.fail(s.RemoteID, err)
		return
	}
	run.res.Created++
	run.putLink(ctx, s, created.ID)
}

func (run *execution) update(ctx context.Context, s model.Event, dest, want model.Event) {
	want.ID = dest.ID
	updated, err := run.e.writer.Replace(ctx, want)
	if errors.Is(err, remote.ErrNotFound) {
		// The copy vanished from the destination server; drop the stale row
		// and copy again.
		if derr := run.e.store.DeleteEvent(ctx, dest.ID); derr != nil && !errors.Is(derr, model.ErrNotFound) {
			run.fail(s.RemoteID, derr)
			return
		}
		run.create(ctx, s)
		return
	}
	if err != nil {
		run.fail(s.RemoteID, err)
		return
	}
	run.res.Updated++
	run.putLink(ctx, s, updated.ID)
}

// prune deletes copies whose source event is gone.
func (run *execution) prune(ctx context.Context) {
	gone := make([]string, 0)
	for srcUID := range run.links {
		if !run.seen[srcUID] {
			gone = append(gone, srcUID)
		}
	}
	sort.Strings(gone)

	for _, srcUID := range gone {
		link := run.links[srcUID]
		err := run.e.writer.Delete(ctx, link.DestinationEventID)
		switch {
		case err == nil:
			run.res.Deleted++
		case errors.Is(err, model.ErrNotFound):
		default:
			run.fail(srcUID, err)
			continue
		}
		if err := run.e.store.DeleteCopyLink(ctx, run.rule.ID, srcUID); err != nil {
			run.fail(srcUID, err)
		}
	}
}

func (run *execution) putLink(ctx context.Context, s model.Event, destID string) {
	err := run.e.store.PutCopyLink(ctx, model.CopyLink{
		RuleID:             run.rule.ID,
		SourceRemoteID:     s.RemoteID,
		DestinationEventID: destID,
		SourceETag:         s.ETag,
	})
	if err != nil {
		run.fail(s.RemoteID, err)
	}
}

func (run *execution) fail(srcUID string, err error) {
	run.res.Failed++
	run.res.Errors = append(run.res.Errors, fmt.Sprintf("%s: %v", srcUID, err))
	run.errs = multierror.Append(run.errs, fmt.Errorf("event %s: %w", srcUID, err))
	run.log.Warn().Err(err).Str("source_remote_id", srcUID).Msg("replicating event failed")
}

// copyOf builds the destination form of a source event.
func (run *execution) copyOf(s model.Event) model.Event {
	return model.Event{
		CalendarID:  run.rule.DestinationCalendarID,
		Summary:     s.Summary,
		Start:       s.Start,
		End:         s.End,
		AllDay:      s.AllDay,
		Location:    s.Location,
		Description: s.Description,
		RRule:       s.RRule,
		Status:      s.Status,
		Origin:      model.OriginMarker(run.rule.ID, s.RemoteID),
	}
}
