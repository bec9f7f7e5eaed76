// Package syncer pulls remote calendars and events into the local store.
//
// Each account moves through idle → discovering → syncing and back to idle,
// or to error when the pass fails. Passes for different accounts run
// concurrently; a second request for an account that is mid-pass joins the
// running pass instead of starting another one.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gopkg.in/guregu/null.v3"

	"github.com/sekia-ai/calhub/internal/metrics"
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/notify"
	"github.com/sekia-ai/calhub/internal/remote"
	"github.com/sekia-ai/calhub/internal/store"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

// State is the sync state of one account.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateSyncing     State = "syncing"
	StateError       State = "error"
)

// Store is the persistence the engine reads and writes.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	RecordAccountSync(ctx context.Context, id string, syncedAt null.Time, errMsg string) error
	SyncCalendars(ctx context.Context, accountID string, discovered []model.Calendar) ([]model.Calendar, error)
	RecordCalendarSync(ctx context.Context, id string, syncedAt null.Time, errMsg string) error
	CalendarEvents(ctx context.Context, calendarID string) ([]model.Event, error)
	ApplyEventChanges(ctx context.Context, calendarID string, c store.EventChanges) error
}

// Connector opens a transport for an account, obtaining a usable credential
// on the way.
type Connector interface {
	Connect(ctx context.Context, acct *model.Account) (remote.Client, error)
}

// Config bounds sync passes.
type Config struct {
	PassTimeout   time.Duration // 0 = no limit
	MaxConcurrent int           // SyncAll fan-out; 0 = unbounded
}

// Result summarizes one pass.
type Result struct {
	AccountID string
	Skipped   bool // account disabled
	Calendars int  // enabled calendars merged successfully
	Failed    int  // calendars that failed
	Inserted  int
	Updated   int
	Deleted   int
}

// Engine runs sync passes.
type Engine struct {
	store  Store
	conn   Connector
	base   context.Context
	cfg    Config
	logger zerolog.Logger
	group  singleflight.Group
	now    func() time.Time

	// Optional collaborators; nil disables them.
	Notifier *notify.Publisher
	Metrics  *metrics.Metrics

	mu     sync.Mutex
	states map[string]State
}

// New returns an engine whose passes run on base, so a caller that stops
// waiting does not cancel a pass. Cancelling base stops every pass.
func New(base context.Context, st Store, conn Connector, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		conn:   conn,
		base:   base,
		cfg:    cfg,
		logger: logger.With().Str("component", "syncer").Logger(),
		now:    time.Now,
		states: make(map[string]State),
	}
}

// State returns the current state of an account.
func (e *Engine) State(accountID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[accountID]; ok {
		return s
	}
	return StateIdle
}

// Forget drops the state of a deleted account.
func (e *Engine) Forget(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, accountID)
}

func (e *Engine) setState(accountID string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[accountID] = s
}

// Sync runs a pass for one account, or joins the pass already running for
// it. The returned error describes the pass outcome; it has already been
// recorded on the account.
func (e *Engine) Sync(ctx context.Context, accountID string) (Result, error) {
	ch := e.group.DoChan(accountID, func() (any, error) {
		passCtx, cancel := e.passContext()
		defer cancel()
		return e.pass(passCtx, accountID)
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	case <-ctx.Done():
		return Result{AccountID: accountID}, ctx.Err()
	}
}

func (e *Engine) passContext() (context.Context, context.CancelFunc) {
	if e.cfg.PassTimeout > 0 {
		return context.WithTimeout(e.base, e.cfg.PassTimeout)
	}
	return context.WithCancel(e.base)
}

// SyncAll runs a pass for every enabled account, at most MaxConcurrent at a
// time. Per-account failures are recorded, not returned.
func (e *Engine) SyncAll(ctx context.Context) ([]Result, error) {
	accts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxConcurrent > 0 {
		g.SetLimit(e.cfg.MaxConcurrent)
	}
	var mu sync.Mutex
	var results []Result
	for _, a := range accts {
		if !a.Enabled {
			continue
		}
		g.Go(func() error {
			res, err := e.Sync(gctx, a.ID)
			if errors.Is(err, context.Canceled) && gctx.Err() != nil {
				return err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return results, err
}

func (e *Engine) pass(ctx context.Context, accountID string) (Result, error) {
	res := Result{AccountID: accountID}
	log := e.logger.With().Str("account_id", accountID).Logger()

	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return res, err
	}
	if !acct.Enabled {
		res.Skipped = true
		e.Metrics.SyncPass("skipped", 0)
		log.Debug().Msg("account disabled, pass skipped")
		return res, nil
	}
	if acct.NeedsReauth {
		e.setState(accountID, StateError)
		e.Metrics.SyncPass("needs_reauth", 0)
		log.Warn().Msg("account needs re-authorization, pass skipped")
		return res, fmt.Errorf("%w: account %s", model.ErrNeedsReauth, accountID)
	}

	started := e.now()
	e.setState(accountID, StateDiscovering)
	e.Notifier.Publish(protocol.EventSyncStarted, map[string]any{
		"account_id": acct.ID, "account_name": acct.Name,
	})

	client, err := e.conn.Connect(ctx, acct)
	if err != nil {
		return res, e.fail(ctx, acct, started, res, classify(err))
	}

	discovered, err := client.ListCalendars(ctx)
	if err != nil {
		return res, e.fail(ctx, acct, started, res, fmt.Errorf("discover calendars: %w", classify(err)))
	}
	cals := make([]model.Calendar, 0, len(discovered))
	for _, c := range discovered {
		cals = append(cals, model.Calendar{RemoteID: c.ID, Name: c.Name, Color: c.Color})
	}
	saved, err := e.store.SyncCalendars(ctx, acct.ID, cals)
	if err != nil {
		return res, e.fail(ctx, acct, started, res, fmt.Errorf("save calendars: %w", err))
	}

	e.setState(accountID, StateSyncing)
	var merr *multierror.Error
	for _, cal := range saved {
		if !cal.Enabled {
			continue
		}
		if e.disabledMidPass(ctx, accountID) {
			log.Info().Msg("account disabled during pass, stopping before next calendar")
			e.setState(accountID, StateIdle)
			return res, nil
		}
		changes, err := e.syncCalendar(ctx, client, cal)
		if err != nil {
			res.Failed++
			merr = multierror.Append(merr, fmt.Errorf("calendar %q: %w", cal.Name, err))
			log.Warn().Err(err).Str("calendar_id", cal.ID).Msg("calendar sync failed")
			if rerr := e.store.RecordCalendarSync(context.WithoutCancel(ctx), cal.ID, null.Time{}, err.Error()); rerr != nil {
				log.Error().Err(rerr).Str("calendar_id", cal.ID).Msg("record calendar error")
			}
			continue
		}
		res.Calendars++
		res.Inserted += len(changes.Inserts)
		res.Updated += len(changes.Updates)
		res.Deleted += len(changes.Deletes)
		e.Metrics.EventsMerged(len(changes.Inserts), len(changes.Updates), len(changes.Deletes))
		if err := e.store.RecordCalendarSync(ctx, cal.ID, null.TimeFrom(e.now()), ""); err != nil {
			log.Error().Err(err).Str("calendar_id", cal.ID).Msg("record calendar sync")
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return res, e.fail(ctx, acct, started, res, err)
	}

	if err := e.store.RecordAccountSync(ctx, acct.ID, null.TimeFrom(e.now()), ""); err != nil {
		return res, e.fail(ctx, acct, started, res, err)
	}
	e.setState(accountID, StateIdle)
	elapsed := e.now().Sub(started)
	e.Metrics.SyncPass("ok", elapsed)
	e.Notifier.Publish(protocol.EventSyncCompleted, passPayload(acct, res, nil))
	log.Info().
		Int("calendars", res.Calendars).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("deleted", res.Deleted).
		Dur("elapsed", elapsed).
		Msg("sync pass completed")
	return res, nil
}

// syncCalendar fetches the full listing of one calendar and merges it in a
// single transaction.
func (e *Engine) syncCalendar(ctx context.Context, client remote.Client, cal model.Calendar) (store.EventChanges, error) {
	remoteEvents, err := client.ListEvents(ctx, cal.RemoteID)
	if err != nil {
		return store.EventChanges{}, classify(err)
	}
	local, err := e.store.CalendarEvents(ctx, cal.ID)
	if err != nil {
		return store.EventChanges{}, err
	}
	changes := Plan(cal.ID, local, remoteEvents)
	if err := e.store.ApplyEventChanges(ctx, cal.ID, changes); err != nil {
		return store.EventChanges{}, err
	}
	return changes, nil
}

// disabledMidPass reports whether the account was disabled after the pass
// started. The pass then stops between calendars, never inside a merge.
func (e *Engine) disabledMidPass(ctx context.Context, accountID string) bool {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return errors.Is(err, model.ErrNotFound)
	}
	return !acct.Enabled
}

// fail records err on the account. Recording uses a context that survives
// the pass deadline so a timed-out pass still leaves its error behind.
func (e *Engine) fail(ctx context.Context, acct *model.Account, started time.Time, res Result, err error) error {
	e.setState(acct.ID, StateError)
	result := "error"
	if errors.Is(err, model.ErrNeedsReauth) {
		result = "needs_reauth"
		e.Notifier.Publish(protocol.EventAccountReauth, map[string]any{
			"account_id": acct.ID, "account_name": acct.Name,
		})
	}
	e.Metrics.SyncPass(result, e.now().Sub(started))
	e.Notifier.Publish(protocol.EventSyncFailed, passPayload(acct, res, err))
	e.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("sync pass failed")

	if rerr := e.store.RecordAccountSync(context.WithoutCancel(ctx), acct.ID, null.Time{}, err.Error()); rerr != nil {
		e.logger.Error().Err(rerr).Str("account_id", acct.ID).Msg("record sync error")
	}
	return err
}

// classify marks remote and refresh failures as transient so the caller
// knows the next pass retries them. Credential and config failures keep
// their own class.
func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrNeedsReauth),
		errors.Is(err, model.ErrMissingConfig),
		errors.Is(err, model.ErrTransientSync):
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrTransientSync, err)
}

func passPayload(acct *model.Account, res Result, err error) map[string]any {
	p := map[string]any{
		"account_id":   acct.ID,
		"account_name": acct.Name,
		"calendars":    res.Calendars,
		"failed":       res.Failed,
		"inserted":     res.Inserted,
		"updated":      res.Updated,
		"deleted":      res.Deleted,
	}
	if err != nil {
		p["error"] = err.Error()
	}
	return p
}
