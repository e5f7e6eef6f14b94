// Package app assembles the vetsync components from configuration. The
// daemon and the CLI share it so both see the same store, queue and engine.
package app

import (
	"os"

	"github.com/vetpulse/vetsync/internal/config"
	"github.com/vetpulse/vetsync/internal/db"
	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/services"
	"github.com/vetpulse/vetsync/internal/store"
	syncpkg "github.com/vetpulse/vetsync/internal/sync"
	"github.com/vetpulse/vetsync/internal/sync/conflict"
	"github.com/vetpulse/vetsync/internal/sync/queue"
	"github.com/vetpulse/vetsync/internal/sync/remote"
	"github.com/vetpulse/vetsync/internal/tenant"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Session   *tenant.Session
	Records   *store.Store
	Queue     *queue.SyncQueue
	Conflicts *conflict.Store
	Resolver  *conflict.Resolver
	Remote    *remote.Client
	Engine    *syncpkg.Engine
	Entities  *services.EntityService

	detach func()
}

// Options tweaks assembly for callers that need it.
type Options struct {
	// Online is the initial connectivity state.
	Online bool
	// Remote replaces the HTTP client, e.g. in tests.
	Remote syncpkg.RemoteAPI
}

// InitLogging installs the global logger described by cfg.
func InitLogging(cfg *config.Config) {
	format := logging.FormatJSON
	if cfg.Log.Format == string(logging.FormatConsole) {
		format = logging.FormatConsole
	}
	logging.Set(logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level), format))
}

// New opens the database and builds every component. The session starts
// with cfg.Session when a tenant is configured.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	d, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: d, Session: tenant.NewSession(opts.Online)}
	if !cfg.Session.IsZero() {
		if err := a.Session.SetScope(cfg.Session); err != nil {
			d.Close()
			return nil, err
		}
	}

	a.Records = store.New(d, store.Options{
		CompressThreshold: cfg.Storage.CompressThreshold,
		CacheEnabled:      cfg.Storage.CacheEnabled,
	})
	a.detach = a.Records.AttachSession(a.Session)
	a.Queue = queue.NewSyncQueue(d, queue.Options{
		Coalesce:        cfg.Sync.Coalesce,
		PriorityWeights: cfg.PriorityWeights(),
	})
	a.Conflicts = conflict.NewStore(d)
	a.Resolver = conflict.NewResolver(d, a.Conflicts, a.Records, a.Queue)
	a.Entities = services.NewEntityService(d, a.Session, a.Records, a.Queue)

	a.Remote = remote.NewClient(remote.Config{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.API.Token,
		Timeout:   cfg.API.RequestTimeout,
		RateLimit: cfg.API.RateLimit,
		RateBurst: cfg.API.RateBurst,
		Retry: remote.RetryConfig{
			MaxAttempts: cfg.API.MaxAttempts,
			InitialWait: remote.DefaultRetryConfig().InitialWait,
			MaxWait:     remote.DefaultRetryConfig().MaxWait,
			Multiplier:  remote.DefaultRetryConfig().Multiplier,
		},
	})
	var api syncpkg.RemoteAPI = a.Remote
	if opts.Remote != nil {
		api = opts.Remote
	}

	engineOpts := syncpkg.Options{
		RetryLimit:      cfg.Sync.RetryLimit,
		AutoRetryFailed: cfg.Sync.AutoRetryFailed,
	}
	if cfg.Sync.CrossProcessLock {
		engineOpts.LockPath = cfg.LockPath()
	}
	a.Engine = syncpkg.NewEngine(syncpkg.Dependencies{
		DB:        d,
		Session:   a.Session,
		Records:   a.Records,
		Queue:     a.Queue,
		Conflicts: a.Conflicts,
		Remote:    api,
	}, engineOpts)

	return a, nil
}

// Close releases the database.
func (a *App) Close() error {
	if a.detach != nil {
		a.detach()
	}
	return a.DB.Close()
}
