// Package server wires the calhubd daemon together.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/accounts"
	"github.com/sekia-ai/calhub/internal/api"
	"github.com/sekia-ai/calhub/internal/connector"
	"github.com/sekia-ai/calhub/internal/copyrule"
	"github.com/sekia-ai/calhub/internal/credentials"
	"github.com/sekia-ai/calhub/internal/gateway"
	"github.com/sekia-ai/calhub/internal/metrics"
	"github.com/sekia-ai/calhub/internal/natsserver"
	"github.com/sekia-ai/calhub/internal/notify"
	"github.com/sekia-ai/calhub/internal/secrets"
	"github.com/sekia-ai/calhub/internal/store"
	"github.com/sekia-ai/calhub/internal/syncer"
	"github.com/sekia-ai/calhub/internal/timezone"
	"github.com/sekia-ai/calhub/internal/web"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

// Daemon is the calhubd process.
type Daemon struct {
	logger    zerolog.Logger
	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	ready     chan struct{}
	base      context.Context

	mu        sync.Mutex // guards cfg and ruleEntry during reloads
	cfg       Config
	ruleEntry cron.EntryID

	store     *store.Store
	nats      *natsserver.Server
	creds     *credentials.Manager
	zone      *timezone.Zone
	syncer    *syncer.Engine
	accounts  *accounts.Manager
	rules     *copyrule.Engine
	events    *notify.Publisher
	apiServer *api.Server
	webServer *web.Server
	watcher   *configWatcher
}

// NewDaemon creates a Daemon from config.
func NewDaemon(cfg Config, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once every subsystem has started.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Run starts all subsystems and blocks until a signal is received or Stop is called.
func (d *Daemon) Run() error {
	d.startedAt = time.Now()
	cfg := d.cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Passes and scheduled jobs run on this context; cancelled at shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.start(ctx, cfg); err != nil {
		cancel()
		_ = d.shutdown()
		return err
	}

	// Start API server.
	apiErrCh := make(chan error, 1)
	go func() {
		apiErrCh <- d.apiServer.Start()
	}()

	// Start web dashboard (optional).
	webErrCh := make(chan error, 1)
	if d.webServer != nil {
		go func() {
			webErrCh <- d.webServer.Start()
		}()
	}

	// Initial pass for every enabled account.
	go func() {
		if _, err := d.syncer.SyncAll(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("initial sync finished with errors")
		}
	}()

	d.logger.Info().
		Str("socket", cfg.Server.Socket).
		Str("storage", cfg.Storage.Path).
		Str("display_timezone", d.zone.Location().String()).
		Msg("calhubd started")
	close(d.ready)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-d.stopCh:
		d.logger.Info().Msg("stop requested, shutting down")
	case err := <-apiErrCh:
		if err != nil {
			d.logger.Error().Err(err).Msg("API server error")
		}
	case err := <-webErrCh:
		if err != nil {
			d.logger.Error().Err(err).Msg("web server error")
		}
	}

	cancel()
	return d.shutdown()
}

func (d *Daemon) start(ctx context.Context, cfg Config) error {
	d.base = ctx

	// 1. Local cache.
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	var opts []store.Option
	if cfg.Storage.SealCredentials {
		cipher, err := secrets.NewAgeCipher(cfg.Identities)
		if err != nil {
			return fmt.Errorf("credential sealing: %w", err)
		}
		opts = append(opts, store.WithCipher(cipher))
	}
	st, err := store.Open(cfg.Storage.Path, opts...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	// 2. Embedded NATS with the event history stream.
	ns, err := natsserver.New(natsserver.Config{
		StoreDir:     cfg.NATS.DataDir,
		Host:         cfg.NATS.Host,
		Port:         cfg.NATS.Port,
		Token:        cfg.NATS.Token,
		HistoryLimit: cfg.NATS.HistoryLimit,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("start nats: %w", err)
	}
	d.nats = ns
	nc := ns.Conn()
	d.events = notify.New(nc, protocol.SourceDaemon, d.logger)

	// 3. Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. Credentials and transports.
	d.creds = credentials.NewManager(st, credentials.OAuthApp{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
	}, d.logger)
	d.creds.Metrics = m
	conn := connector.New(d.creds, connector.Config{
		RequestTimeout:  cfg.CalDAV.RequestTimeout,
		RetryMaxElapsed: cfg.CalDAV.RetryMaxElapsed,
	}, d.logger)

	// 5. Engines.
	loc, err := timezone.LoadLocation(cfg.Sync.DisplayTimezone)
	if err != nil {
		return err
	}
	d.zone = timezone.NewZone(loc)

	d.syncer = syncer.New(ctx, st, conn, syncer.Config{
		PassTimeout:   cfg.Sync.PassTimeout,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
	}, d.logger)
	d.syncer.Notifier = notify.New(nc, protocol.SourceSync, d.logger)
	d.syncer.Metrics = m

	gw := gateway.New(st, conn, d.zone, d.logger)
	gw.Notifier = notify.New(nc, protocol.SourceGateway, d.logger)
	gw.Metrics = m

	d.rules = copyrule.New(st, gw, d.logger)
	d.rules.Notifier = notify.New(nc, protocol.SourceRules, d.logger)
	d.rules.Metrics = m

	d.accounts = accounts.New(ctx, st, d.syncer, conn, cfg.Sync.DefaultInterval, d.logger)
	d.accounts.Notifier = notify.New(nc, protocol.SourceAccounts, d.logger)

	// 6. Schedules share the account manager's cron.
	entry, err := d.rules.Schedule(ctx, d.accounts.Cron(), cfg.CopyRules.Schedule)
	if err != nil {
		return fmt.Errorf("copy_rules.schedule: %w", err)
	}
	d.ruleEntry = entry
	if err := d.accounts.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// 7. Outer surfaces.
	d.apiServer = api.New(cfg.Server.Socket, api.Deps{
		Accounts:  d.accounts,
		Gateway:   gw,
		Rules:     d.rules,
		Store:     st,
		Zone:      d.zone,
		History:   ns.History(),
		Reload:    d.Reload,
		StartedAt: d.startedAt,
	}, d.logger)
	if err := os.MkdirAll(filepath.Dir(cfg.Server.Socket), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	if cfg.Web.Listen != "" {
		d.webServer = web.New(web.Config{
			Listen:   cfg.Web.Listen,
			Username: cfg.Web.Username,
			Password: cfg.Web.Password,
		}, web.Deps{
			Accounts:  d.accounts,
			History:   ns.History(),
			Conn:      nc,
			Gatherer:  reg,
			Zone:      d.zone,
			StartedAt: d.startedAt,
		}, d.logger)
	}

	// 8. Config hot reload.
	if cfg.File != "" {
		w, err := watchConfig(cfg.File, func() {
			rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if _, err := d.Reload(rctx); err != nil {
				d.logger.Error().Err(err).Msg("config reload after file change failed")
			}
		}, d.logger)
		if err != nil {
			d.logger.Warn().Err(err).Str("file", cfg.File).Msg("config file watch disabled")
		} else {
			d.watcher = w
		}
	}
	return nil
}

// Reload re-reads the config file and applies the settings that can change
// without a restart: display timezone, default sync interval, the Google
// OAuth client and the copy rule schedule.
func (d *Daemon) Reload(ctx context.Context) (protocol.ConfigReloadResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := LoadConfig(d.cfg.File)
	if err != nil {
		return protocol.ConfigReloadResponse{}, err
	}
	loc, err := timezone.LoadLocation(cfg.Sync.DisplayTimezone)
	if err != nil {
		return protocol.ConfigReloadResponse{}, err
	}

	d.zone.Set(loc)
	d.creds.SetApp(credentials.OAuthApp{ClientID: cfg.Google.ClientID, ClientSecret: cfg.Google.ClientSecret})
	if err := d.accounts.SetDefaultInterval(ctx, cfg.Sync.DefaultInterval); err != nil {
		return protocol.ConfigReloadResponse{}, fmt.Errorf("apply default interval: %w", err)
	}
	if cfg.CopyRules.Schedule != d.cfg.CopyRules.Schedule {
		c := d.accounts.Cron()
		if d.ruleEntry != 0 {
			c.Remove(d.ruleEntry)
			d.ruleEntry = 0
		}
		entry, err := d.rules.Schedule(d.base, c, cfg.CopyRules.Schedule)
		if err != nil {
			return protocol.ConfigReloadResponse{}, fmt.Errorf("copy_rules.schedule: %w", err)
		}
		d.ruleEntry = entry
	}

	d.cfg.Sync.DisplayTimezone = cfg.Sync.DisplayTimezone
	d.cfg.Sync.DefaultInterval = cfg.Sync.DefaultInterval
	d.cfg.Google = cfg.Google
	d.cfg.CopyRules = cfg.CopyRules

	resp := protocol.ConfigReloadResponse{
		Status:          "reloaded",
		DisplayTimezone: loc.String(),
		DefaultInterval: cfg.Sync.DefaultInterval.String(),
	}
	d.logger.Info().Str("display_timezone", resp.DisplayTimezone).Str("default_interval", resp.DefaultInterval).Msg("config reloaded")
	d.events.Publish(protocol.EventConfigReloaded, map[string]any{
		"display_timezone": resp.DisplayTimezone,
		"default_interval": resp.DefaultInterval,
	})
	return resp, nil
}

// Stop signals the daemon to shut down. Safe to call from another goroutine.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// NATSClientURL returns the embedded NATS server's client URL.
func (d *Daemon) NATSClientURL() string {
	if d.nats == nil {
		return ""
	}
	return d.nats.ClientURL()
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.apiServer != nil {
		_ = d.apiServer.Shutdown(ctx)
	}
	if d.webServer != nil {
		_ = d.webServer.Shutdown(ctx)
	}
	if d.accounts != nil {
		d.accounts.Stop()
	}
	if d.nats != nil {
		d.nats.Shutdown()
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
