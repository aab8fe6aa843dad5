// Package daemon assembles the background coordinator: the local store,
// auth, job tracking and the surface server, all run under one context.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/clipagent/internal/api"
	"github.com/Dicklesworthstone/clipagent/internal/auth"
	"github.com/Dicklesworthstone/clipagent/internal/config"
	"github.com/Dicklesworthstone/clipagent/internal/credential"
	"github.com/Dicklesworthstone/clipagent/internal/db"
	"github.com/Dicklesworthstone/clipagent/internal/jobs"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
	"github.com/Dicklesworthstone/clipagent/internal/router"
	"github.com/Dicklesworthstone/clipagent/internal/saved"
	"github.com/Dicklesworthstone/clipagent/internal/server"
	"github.com/Dicklesworthstone/clipagent/internal/settings"
	"github.com/Dicklesworthstone/clipagent/internal/store"
)

// Daemon is a running coordinator.
type Daemon struct {
	cfg         *config.Config
	configPath  string
	watchConfig bool
	logger      *slog.Logger
	syncOnStart bool

	db       *db.DB
	kv       store.Store
	hub      *notify.Hub
	settings *settings.Store
	saved    *saved.Cache
	client   *api.Client
	auth     *auth.Coordinator
	jobs     *jobs.Tracker
	router   *router.Router
	server   *server.Server

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithConfigPath enables live reload of the configuration file at path.
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.configPath = path
		d.watchConfig = path != ""
	}
}

// WithoutConfigWatch keeps the config path for Reload but does not watch
// the file.
func WithoutConfigWatch() Option {
	return func(d *Daemon) { d.watchConfig = false }
}

// WithSyncOnStart asks the remote for active jobs at startup in addition
// to resuming the local cache.
func WithSyncOnStart(enabled bool) Option {
	return func(d *Daemon) { d.syncOnStart = enabled }
}

// New opens the database and wires every component. Nothing runs until
// Run or Serve is called.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	d := &Daemon{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	var (
		database *db.DB
		err      error
	)
	if cfg.DBPath != "" {
		database, err = db.OpenAt(cfg.DBPath)
	} else {
		database, err = db.Open()
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.db = database
	d.kv = store.NewSQLite(database)

	d.hub = notify.NewHub(d.logger.With("component", "notify"))
	d.hub.SetRecorder(eventRecorder{db: database})

	d.settings = settings.NewStore(d.kv, defaultsFrom(cfg))
	d.saved = saved.New(d.kv)

	d.client = api.New(d.settings,
		api.WithTimeout(cfg.RequestTimeout.Duration()),
		api.WithLogger(d.logger.With("component", "api")))

	d.auth = auth.New(credential.NewStore(d.kv), d.client, d.hub,
		auth.WithLookahead(cfg.RefreshLookahead.Duration()),
		auth.WithLogger(d.logger.With("component", "auth")))
	d.client.SetAuthenticator(d.auth)

	d.jobs = jobs.New(d.client, d.kv, d.saved, d.hub, jobs.Options{
		PollInterval:   cfg.PollInterval.Duration(),
		RetryInterval:  cfg.RetryInterval.Duration(),
		RequestTimeout: cfg.RequestTimeout.Duration(),
		FinishedKept:   cfg.FinishedJobsKept,
		Logger:         d.logger.With("component", "jobs"),
	})

	d.router = router.New(d.logger.With("component", "router"))
	router.Register(d.router, router.Deps{
		Auth:      d.auth,
		Jobs:      d.jobs,
		Saved:     d.saved,
		Settings:  d.settings,
		Credits:   d.client,
		Publisher: d.hub,
	})

	d.server = server.New(cfg.ListenAddr, d.router, d.hub, d.logger.With("component", "server"))
	return d, nil
}

func defaultsFrom(cfg *config.Config) settings.Defaults {
	return settings.Defaults{
		APIBase:    cfg.APIBase,
		WebappBase: cfg.WebappBase,
	}
}

// Hub returns the broadcast hub, for in-process surfaces.
func (d *Daemon) Hub() *notify.Hub { return d.hub }

// Listen binds the surface server address. Run calls it when needed.
func (d *Daemon) Listen() (net.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		return d.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", d.cfg.ListenAddr, err)
	}
	d.listener = ln
	return ln.Addr(), nil
}

// Run starts the daemon and blocks until ctx is cancelled or a component
// fails. The daemon is closed on return.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Close()

	if _, err := d.Listen(); err != nil {
		return err
	}
	d.startup(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.mu.Lock()
		ln := d.listener
		d.mu.Unlock()
		return d.server.Serve(gctx, ln)
	})
	g.Go(func() error {
		d.refreshLoop(gctx, d.cfg.RefreshCheckInterval.Duration())
		return nil
	})
	g.Go(func() error {
		d.maintenanceLoop(gctx, maintenanceInterval)
		return nil
	})
	if d.watchConfig {
		g.Go(func() error {
			err := config.Watch(gctx, d.configPath, 0, d.logger.With("component", "config"), d.applyConfig)
			if err != nil && !errors.Is(err, context.Canceled) {
				// Live reload is optional; the daemon keeps running.
				d.logger.Warn("config watch stopped", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startup restores state that outlives the process.
func (d *Daemon) startup(ctx context.Context) {
	if migrated, err := d.saved.MigrateIfLegacy(ctx); err != nil {
		d.logger.Warn("saved items migration failed", "error", err)
	} else if migrated {
		d.logger.Info("migrated legacy saved items")
	}

	resumed, err := d.jobs.Resume(ctx)
	if err != nil {
		d.logger.Warn("resume jobs failed", "error", err)
	} else if resumed > 0 {
		d.logger.Info("resumed jobs", "count", resumed)
	}

	if d.syncOnStart {
		if n, err := d.jobs.Sync(ctx); err != nil {
			d.logger.Debug("initial job sync skipped", "error", err)
		} else {
			d.logger.Info("synced active jobs", "count", n)
		}
	}
}

// applyConfig pushes reloadable tunables into running components. The
// listen address and database path need a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.jobs.SetIntervals(cfg.PollInterval.Duration(), cfg.RetryInterval.Duration())
	d.auth.SetLookahead(cfg.RefreshLookahead.Duration())
	d.settings.SetDefaults(defaultsFrom(cfg))

	if cfg.ListenAddr != d.cfg.ListenAddr || cfg.DBPath != d.cfg.DBPath {
		d.logger.Warn("listen_addr and db_path changes take effect after restart")
	}
	d.logger.Info("configuration reloaded",
		"poll_interval", cfg.PollInterval.Duration(),
		"retry_interval", cfg.RetryInterval.Duration(),
		"refresh_lookahead", cfg.RefreshLookahead.Duration())
}

// Close stops job polling and closes the database. It is safe to call
// more than once.
func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	d.jobs.Close()
	if d.listener != nil {
		_ = d.listener.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.db.Checkpoint(ctx); err != nil {
		d.logger.Warn("wal checkpoint failed", "error", err)
	}
	return d.db.Close()
}

type eventRecorder struct {
	db *db.DB
}

func (r eventRecorder) Record(ctx context.Context, ev notify.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	return r.db.LogEvent(ctx, string(ev.Type), ev.Subject, string(ev.Data))
}

// Reload re-reads the configuration file and applies its tunables.
func (d *Daemon) Reload() error {
	path := d.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return err
	}
	d.applyConfig(cfg)
	return nil
}

// LogState writes a one-line summary of the daemon state at info level.
func (d *Daemon) LogState(ctx context.Context) {
	st, err := d.auth.Status(ctx)
	if err != nil {
		d.logger.Warn("state dump: auth status failed", "error", err)
	}
	d.logger.Info("state",
		"logged_in", st.IsLoggedIn,
		"active_jobs", len(d.jobs.Active()),
		"finished_jobs", len(d.jobs.Finished()),
		"surfaces", d.hub.Count(),
		"poll_interval", d.jobs.PollInterval(),
		"refresh_lookahead", d.auth.Lookahead())
}
