// Package accounts manages calendar accounts: CRUD, enable/disable, the
// per-account sync timers and the status snapshot.
package accounts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"gopkg.in/guregu/null.v3"

	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/notify"
	"github.com/sekia-ai/calhub/internal/remote"
	"github.com/sekia-ai/calhub/internal/store"
	"github.com/sekia-ai/calhub/internal/syncer"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

// Store is the persistence the manager needs.
type Store interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpdateAccount(ctx context.Context, a *model.Account, fields store.AccountFields) error
	SetAccountEnabled(ctx context.Context, id string, enabled bool) error
	DeleteAccount(ctx context.Context, id string) error
	ListCalendars(ctx context.Context, accountID string) ([]model.Calendar, error)
	Counts(ctx context.Context) (store.Counts, error)
}

// Syncer runs sync passes; syncer.Engine implements it.
type Syncer interface {
	Sync(ctx context.Context, accountID string) (syncer.Result, error)
	State(accountID string) syncer.State
	Forget(accountID string)
}

// Connector opens a transport for an account.
type Connector interface {
	Connect(ctx context.Context, acct *model.Account) (remote.Client, error)
}

// Input is a new account.
type Input struct {
	Name              string
	ServerURL         string
	AuthKind          model.AuthKind
	Username          string
	Secret            string
	OAuthClientID     string
	OAuthClientSecret string
	AccessToken       string
	RefreshToken      string
	TokenExpiry       time.Time
	SyncInterval      time.Duration
	Enabled           bool
}

// Patch is a partial account update; absent fields keep their value.
type Patch struct {
	Name              mo.Option[string]
	ServerURL         mo.Option[string]
	Username          mo.Option[string]
	Secret            mo.Option[string]
	OAuthClientID     mo.Option[string]
	OAuthClientSecret mo.Option[string]
	AccessToken       mo.Option[string]
	RefreshToken      mo.Option[string]
	SyncInterval      mo.Option[time.Duration]
	Enabled           mo.Option[bool]
}

func (p Patch) changesCredentials() bool {
	return p.changesLogin() || p.changesTokens()
}

func (p Patch) changesLogin() bool {
	return p.Username.IsPresent() || p.Secret.IsPresent() ||
		p.OAuthClientID.IsPresent() || p.OAuthClientSecret.IsPresent()
}

func (p Patch) changesTokens() bool {
	return p.AccessToken.IsPresent() || p.RefreshToken.IsPresent()
}

// fields reports which column groups the patch touches.
func (p Patch) fields() store.AccountFields {
	f := store.AccountSettings
	if p.changesLogin() {
		f |= store.AccountLogin
	}
	if p.changesTokens() {
		f |= store.AccountTokens
	}
	return f
}

// Manager owns accounts and their sync schedule.
type Manager struct {
	store  Store
	sync   Syncer
	conn   Connector
	base   context.Context
	logger zerolog.Logger
	cron   *cron.Cron

	Notifier *notify.Publisher

	mu              sync.Mutex
	entries         map[string]cron.EntryID
	intervals       map[string]time.Duration
	defaultInterval time.Duration
}

// New creates a Manager. Scheduled passes run on base.
func New(base context.Context, st Store, s Syncer, conn Connector, defaultInterval time.Duration, logger zerolog.Logger) *Manager {
	logger = logger.With().Str("component", "accounts").Logger()
	cl := CronLogger(logger)
	return &Manager{
		store:  st,
		sync:   s,
		conn:   conn,
		base:   base,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries:         make(map[string]cron.EntryID),
		intervals:       make(map[string]time.Duration),
		defaultInterval: defaultInterval,
	}
}

// Cron returns the scheduler, so other periodic jobs share it.
func (m *Manager) Cron() *cron.Cron { return m.cron }

// Start schedules every enabled account and starts the timers.
func (m *Manager) Start(ctx context.Context) error {
	accts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for i := range accts {
		if accts[i].Enabled {
			m.schedule(&accts[i])
		}
	}
	m.cron.Start()
	m.logger.Info().Int("accounts", len(accts)).Msg("account scheduler started")
	return nil
}

// Stop halts the timers and waits for running scheduled passes.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
}

// SetDefaultInterval changes the interval of accounts that use the default.
func (m *Manager) SetDefaultInterval(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.defaultInterval = d
	m.mu.Unlock()

	accts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for i := range accts {
		if accts[i].Enabled && accts[i].SyncInterval == 0 {
			m.schedule(&accts[i])
		}
	}
	return nil
}

// schedule (re)installs the timer of an account.
func (m *Manager) schedule(a *model.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	interval := a.SyncInterval
	if interval == 0 {
		interval = m.defaultInterval
	}
	if id, ok := m.entries[a.ID]; ok {
		if m.intervals[a.ID] == interval {
			return
		}
		m.cron.Remove(id)
		delete(m.entries, a.ID)
	}
	if interval <= 0 {
		return
	}

	accountID := a.ID
	id := m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if _, err := m.sync.Sync(m.base, accountID); err != nil {
			m.logger.Debug().Err(err).Str("account_id", accountID).Msg("scheduled sync failed")
		}
	}))
	m.entries[a.ID] = id
	m.intervals[a.ID] = interval
	m.logger.Debug().Str("account_id", a.ID).Dur("interval", interval).Msg("account scheduled")
}

func (m *Manager) unschedule(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.entries[accountID]; ok {
		m.cron.Remove(id)
		delete(m.entries, accountID)
		delete(m.intervals, accountID)
	}
}

// Scheduled reports whether an account has a running timer.
func (m *Manager) Scheduled(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[accountID]
	return ok
}

// Get returns one account.
func (m *Manager) Get(ctx context.Context, id string) (*model.Account, error) {
	return m.store.GetAccount(ctx, id)
}

// List returns every account.
func (m *Manager) List(ctx context.Context) ([]model.Account, error) {
	return m.store.ListAccounts(ctx)
}

// Create validates and stores a new account, scheduling it when enabled.
func (m *Manager) Create(ctx context.Context, in Input) (*model.Account, error) {
	a := &model.Account{
		Name:              in.Name,
		ServerURL:         in.ServerURL,
		AuthKind:          in.AuthKind,
		Username:          in.Username,
		Secret:            in.Secret,
		OAuthClientID:     in.OAuthClientID,
		OAuthClientSecret: in.OAuthClientSecret,
		AccessToken:       in.AccessToken,
		RefreshToken:      in.RefreshToken,
		SyncInterval:      in.SyncInterval,
		Enabled:           in.Enabled,
	}
	if !in.TokenExpiry.IsZero() {
		a.TokenExpiry = null.TimeFrom(in.TokenExpiry)
	}
	if err := Validate(a); err != nil {
		return nil, err
	}
	if err := m.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	if a.Enabled {
		m.schedule(a)
	}
	m.logger.Info().Str("account_id", a.ID).Str("name", a.Name).Str("auth_kind", string(a.AuthKind)).Msg("account created")
	m.Notifier.Publish(protocol.EventAccountCreated, accountPayload(a))
	return a, nil
}

// Update applies p. Replacing any credential clears needs_reauth.
func (m *Manager) Update(ctx context.Context, id string, p Patch) (*model.Account, error) {
	a, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, o mo.Option[string]) {
		if v, ok := o.Get(); ok {
			*dst = v
		}
	}
	set(&a.Name, p.Name)
	set(&a.ServerURL, p.ServerURL)
	set(&a.Username, p.Username)
	set(&a.Secret, p.Secret)
	set(&a.OAuthClientID, p.OAuthClientID)
	set(&a.OAuthClientSecret, p.OAuthClientSecret)
	set(&a.AccessToken, p.AccessToken)
	set(&a.RefreshToken, p.RefreshToken)
	if v, ok := p.SyncInterval.Get(); ok {
		a.SyncInterval = v
	}
	if v, ok := p.Enabled.Get(); ok {
		a.Enabled = v
	}
	if p.changesTokens() {
		a.TokenExpiry = null.Time{}
	}

	if err := Validate(a); err != nil {
		return nil, err
	}
	if err := m.store.UpdateAccount(ctx, a, p.fields()); err != nil {
		return nil, err
	}
	// Re-read so the result carries tokens or flags written concurrently.
	if a, err = m.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	if a.Enabled {
		m.schedule(a)
	} else {
		m.unschedule(a.ID)
	}
	m.logger.Info().Str("account_id", a.ID).Bool("credentials", p.changesCredentials()).Msg("account updated")
	m.Notifier.Publish(protocol.EventAccountUpdated, accountPayload(a))
	return a, nil
}

// Delete removes an account with its calendars, events and copy rules.
func (m *Manager) Delete(ctx context.Context, id string) error {
	a, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	m.unschedule(id)
	if err := m.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	m.sync.Forget(id)
	m.logger.Info().Str("account_id", id).Msg("account deleted")
	m.Notifier.Publish(protocol.EventAccountDeleted, accountPayload(a))
	return nil
}

// SetEnabled enables or disables an account. Disabling stops its timer; a
// pass already running stops before its next calendar.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (*model.Account, error) {
	if err := m.store.SetAccountEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	a, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if enabled {
		m.schedule(a)
	} else {
		m.unschedule(id)
	}
	m.Notifier.Publish(protocol.EventAccountUpdated, accountPayload(a))
	return a, nil
}

// SyncNow runs a pass for one account out of band. A failed pass is
// recorded on the account and visible in Status; it does not fail the call.
func (m *Manager) SyncNow(ctx context.Context, id string) (syncer.Result, error) {
	if _, err := m.store.GetAccount(ctx, id); err != nil {
		return syncer.Result{}, err
	}
	res, err := m.sync.Sync(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			m.logger.Debug().Str("account_id", id).Msg("caller stopped waiting; pass continues")
		} else {
			m.logger.Info().Err(err).Str("account_id", id).Msg("manual sync failed")
		}
	}
	return res, nil
}

// SyncState returns the in-memory sync state of one account.
func (m *Manager) SyncState(id string) syncer.State { return m.sync.State(id) }

// TestResult is the outcome of TestConnection.
type TestResult struct {
	OK        bool
	Calendars int
	Error     string
}

// TestConnection checks that a basic auth account can log in and list its
// calendars. Nothing is written.
func (m *Manager) TestConnection(ctx context.Context, id string) (TestResult, error) {
	a, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	if a.AuthKind != model.AuthBasic {
		return TestResult{}, model.Invalid("connection test supports basic auth accounts only")
	}
	client, err := m.conn.Connect(ctx, a)
	if err != nil {
		return TestResult{Error: err.Error()}, nil
	}
	cals, err := client.ListCalendars(ctx)
	if err != nil {
		return TestResult{Error: err.Error()}, nil
	}
	return TestResult{OK: true, Calendars: len(cals)}, nil
}

// AccountStatus is the status of one account.
type AccountStatus struct {
	ID               string
	Name             string
	AuthKind         model.AuthKind
	State            syncer.State
	Enabled          bool
	Connected        bool
	NeedsReauth      bool
	LastSyncedAt     null.Time
	LastError        string
	Calendars        int
	EnabledCalendars int
}

// Overall statuses.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusNeedsReauth = "needs_reauth"
)

// Status is the system-wide snapshot.
type Status struct {
	Overall  string
	Accounts []AccountStatus
	Counts   store.Counts
}

// Status aggregates per-account state. An account needing re-authorization
// outranks a transient error in the overall status.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	accts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return Status{}, err
	}
	cals, err := m.store.ListCalendars(ctx, "")
	if err != nil {
		return Status{}, err
	}
	counts, err := m.store.Counts(ctx)
	if err != nil {
		return Status{}, err
	}

	byAccount := make(map[string][2]int)
	for _, c := range cals {
		n := byAccount[c.AccountID]
		n[0]++
		if c.Enabled {
			n[1]++
		}
		byAccount[c.AccountID] = n
	}

	st := Status{Overall: StatusOK, Counts: counts, Accounts: make([]AccountStatus, 0, len(accts))}
	for _, a := range accts {
		state := m.sync.State(a.ID)
		as := AccountStatus{
			ID:               a.ID,
			Name:             a.Name,
			AuthKind:         a.AuthKind,
			State:            state,
			Enabled:          a.Enabled,
			NeedsReauth:      a.NeedsReauth,
			LastSyncedAt:     a.LastSyncedAt,
			LastError:        a.LastError,
			Calendars:        byAccount[a.ID][0],
			EnabledCalendars: byAccount[a.ID][1],
		}
		as.Connected = a.Enabled && !a.NeedsReauth && a.LastError == "" && a.LastSyncedAt.Valid
		st.Accounts = append(st.Accounts, as)

		switch {
		case a.NeedsReauth:
			st.Overall = StatusNeedsReauth
		case a.Enabled && (a.LastError != "" || state == syncer.StateError):
			if st.Overall == StatusOK {
				st.Overall = StatusDegraded
			}
		}
	}
	return st, nil
}

func accountPayload(a *model.Account) map[string]any {
	return map[string]any{
		"account_id":   a.ID,
		"account_name": a.Name,
		"auth_kind":    string(a.AuthKind),
		"enabled":      a.Enabled,
	}
}
