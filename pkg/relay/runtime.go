// Package relay assembles the control plane. A Runtime is built once at
// process start and handed to every transport.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/auth"
	"github.com/denizumutdereli/vertexrelay/pkg/backend"
	"github.com/denizumutdereli/vertexrelay/pkg/control"
	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/credentials"
	"github.com/denizumutdereli/vertexrelay/pkg/daemon"
	"github.com/denizumutdereli/vertexrelay/pkg/dashboard"
	"github.com/denizumutdereli/vertexrelay/pkg/logging"
	"github.com/denizumutdereli/vertexrelay/pkg/metrics"
	"github.com/denizumutdereli/vertexrelay/pkg/modelcache"
	"github.com/denizumutdereli/vertexrelay/pkg/persistence"
	"github.com/denizumutdereli/vertexrelay/pkg/reinit"
	"github.com/denizumutdereli/vertexrelay/pkg/requests"
	"github.com/denizumutdereli/vertexrelay/pkg/respcache"
	"github.com/denizumutdereli/vertexrelay/pkg/settings"
	"github.com/denizumutdereli/vertexrelay/pkg/stats"
	"github.com/denizumutdereli/vertexrelay/pkg/statsdb"
)

// Runtime holds every live component of a relay process.
//
// The request path embeds a Runtime and talks to it through Client,
// TrackRequest, RecordCall, CachedResponse and StoreResponse. The exported
// fields are for transports and tests; request code should not reach into
// them directly.
type Runtime struct {
	Config   *core.Config
	Log      *logging.Logger
	Settings *settings.Store
	Pool     *credentials.Pool
	Backend  *backend.OptionsStore
	Holder   *reinit.Holder
	Reinit   *reinit.Coordinator
	Stats    *stats.Aggregator
	Cache    *respcache.Cache
	Requests *requests.Tracker
	Models   *modelcache.Cache
	Verifier *auth.PasswordVerifier
	Store    *persistence.Store
	Control  *control.Handler
	Dash     *dashboard.Builder
	Daemons  *daemon.DaemonManager

	journal *statsdb.DB
	watcher *credentials.Watcher
	builder backend.Builder
	started time.Time
}

type options struct {
	builder     backend.Builder
	modelSource modelcache.Source
}

// Option customizes New.
type Option func(*options)

// WithBuilder replaces the backend client builder.
func WithBuilder(b backend.Builder) Option {
	return func(o *options) { o.builder = b }
}

// WithModelSource replaces the model catalog source.
func WithModelSource(s modelcache.Source) Option {
	return func(o *options) { o.modelSource = s }
}

// New builds a runtime from cfg. Persisted settings are restored on top of
// the configured defaults; a credential blob that fails to parse leaves the
// relay running without environment credentials.
func New(cfg *core.Config, log *logging.Logger, opts ...Option) (*Runtime, error) {
	if log == nil {
		log = logging.Nop()
	}
	o := options{builder: backend.NewRotatingClient}
	for _, fn := range opts {
		fn(&o)
	}
	if o.modelSource == nil && cfg.Models.CatalogURL != "" {
		o.modelSource = modelcache.HTTPSource(cfg.Models.CatalogURL, nil)
	}

	metrics.Register()
	zl := log.Logger

	rt := &Runtime{
		Config:   cfg,
		Log:      log,
		Settings: settings.New(cfg),
		Pool:     credentials.NewPool(),
		Cache:    respcache.New(cfg.Cache.ExpiryTime, cfg.Cache.MaxEntries),
		Requests: requests.NewTracker(),
		Models:   modelcache.New(o.modelSource, zl),
		Verifier: auth.NewPasswordVerifier(cfg.Security.WebPassword),
		builder:  o.builder,
	}

	store, err := persistence.NewStore(cfg.SettingsPath(), cfg.Storage.Compress)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	if err := rt.restoreSettings(); err != nil {
		zl.Warn("persisted settings ignored", zap.String("path", store.Path()), zap.Error(err))
	}

	rt.Backend = backend.NewOptionsStore(backend.Options{
		FakeStreaming:         rt.Settings.Bool(settings.FakeStreaming),
		FakeStreamingInterval: rt.Settings.Float(settings.FakeStreamingInterval),
		ExpressAPIKeys:        core.SplitCSV(rt.Settings.String(settings.VertexExpressAPIKey)),
	})

	if n, err := rt.Pool.ReloadFromBlob(rt.Settings.String(settings.GoogleCredentialsJSON)); err != nil {
		zl.Warn("credential blob could not be parsed, continuing without it", zap.Error(err))
	} else if n > 0 {
		zl.Info("credentials loaded from blob", zap.Int("credentials", n))
	}

	statsOpts := stats.Options{
		Retention:       cfg.Stats.Retention,
		CleanupInterval: cfg.Stats.CleanupInterval,
		Logger:          zl,
	}
	if cfg.Stats.JournalEnabled {
		db, err := statsdb.Open(cfg.JournalPath())
		if err != nil {
			return nil, fmt.Errorf("opening stats journal: %w", err)
		}
		rt.journal = db
		statsOpts.Journal = db
	}
	rt.Stats = stats.New(statsOpts)

	rt.Holder = reinit.NewHolder(rt.buildFromPool, zl)
	rt.Reinit = reinit.NewCoordinator(reinit.Options{
		Holder:       rt.Holder,
		Builder:      o.builder,
		Backend:      rt.Backend,
		Timeout:      cfg.Reinit.Timeout,
		ResultBuffer: cfg.Reinit.ResultBuffer,
		Logger:       zl,
	})

	rt.Control = control.NewHandler(control.Deps{
		Settings:  rt.Settings,
		Pool:      rt.Pool,
		Backend:   rt.Backend,
		Reinit:    rt.Reinit,
		Models:    rt.Models,
		Stats:     rt.Stats,
		Verifier:  rt.Verifier,
		Persister: rt.Store,
		Logger:    zl,
	})

	rt.Dash = dashboard.NewBuilder(dashboard.Options{
		Stats:        rt.Stats,
		Settings:     rt.Settings,
		Pool:         rt.Pool,
		Cache:        rt.Cache,
		Requests:     rt.Requests,
		Logs:         log,
		SeriesPoints: cfg.Stats.SeriesPoints,
		LogLines:     cfg.Log.RingSize,
	})

	rt.Daemons = daemon.NewDaemonManager(daemon.Targets{
		Stats:    rt.Stats,
		Cache:    rt.Cache,
		Requests: rt.Requests,
		Settings: rt.Control,
		Results:  rt.Reinit.Results(),
	}, zl)
	rt.Daemons.SetIntervals(
		cfg.Daemons.StatsCleanupInterval,
		cfg.Daemons.CacheSweepInterval,
		cfg.Daemons.RequestPruneInterval,
		cfg.Daemons.SettingsFlushInterval,
	)

	if cfg.Credentials.Dir != "" {
		rt.watcher = credentials.NewWatcher(cfg.Credentials.Dir, rt.Pool, zl, rt.onCredentialFiles)
	}

	rt.publishCredentialCounts()
	return rt, nil
}

func (rt *Runtime) restoreSettings() error {
	values, savedAt, err := rt.Store.Load()
	if err != nil {
		return err
	}
	if values == nil {
		return nil
	}
	skipped := rt.Settings.Restore(values)
	rt.Log.Info("settings restored",
		zap.Time("saved_at", savedAt), zap.Int("values", len(values)), zap.Strings("skipped", skipped))
	return nil
}

func (rt *Runtime) buildFromPool(ctx context.Context) (backend.Client, error) {
	return rt.builder(ctx, rt.Pool.Entries(), rt.Backend.Load())
}

func (rt *Runtime) onCredentialFiles(c credentials.Change) {
	rt.publishCredentialCounts()
	rt.Log.Info("credential files changed, re-initializing backend",
		zap.Int("removed", c.Removed), zap.Int("added", c.Added))
	rt.Reinit.Spawn(rt.Pool, reinit.Followup{Name: "model-cache", Run: rt.Models.Refresh})
}

func (rt *Runtime) publishCredentialCounts() {
	metrics.SetCredentialCount(string(credentials.Environment), rt.Pool.CountBy(credentials.Environment))
	metrics.SetCredentialCount(string(credentials.File), rt.Pool.CountBy(credentials.File))
}

// Start loads file credentials, replays the stats journal, runs the
// initial backend initialization and starts the daemons. A failed initial
// initialization is logged and the relay runs degraded.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.started = time.Now()

	if rt.watcher != nil {
		if _, err := rt.watcher.Load(); err != nil {
			rt.Log.Warn("credentials directory not loaded", zap.Error(err))
		}
		if rt.Config.Credentials.Watch {
			if err := rt.watcher.Start(); err != nil {
				rt.Log.Warn("credentials directory not watched", zap.Error(err))
			}
		}
		rt.publishCredentialCounts()
	}

	if n, err := rt.Stats.Replay(ctx, time.Now()); err != nil {
		rt.Log.Warn("stats journal replay failed", zap.Error(err))
	} else if n > 0 {
		rt.Log.Info("stats journal replayed", zap.Int("calls", n))
	}

	if rt.Pool.TotalCount() == 0 {
		rt.Log.Warn("no credentials configured, backend calls will fail until credentials are added")
	}
	if err := rt.Reinit.Reinitialize(ctx, rt.Pool); err != nil {
		rt.Log.Warn("initial backend initialization failed, running degraded", zap.Error(err))
	}
	if err := rt.Models.Refresh(ctx); err != nil {
		rt.Log.Debug("initial model catalog refresh failed", zap.Error(err))
	}

	rt.Daemons.Start()
	return nil
}

// Client leases the current backend client, building one if none exists.
// Release the lease when the upstream call is done.
func (rt *Runtime) Client(ctx context.Context) (*reinit.Lease, error) {
	return rt.Holder.Acquire(ctx)
}

// TrackRequest marks an upstream request as active. Call finish when it
// completes; extra calls are no-ops.
func (rt *Runtime) TrackRequest(label string) (finish func()) {
	id := rt.Requests.Start(label, time.Now())
	return func() { rt.Requests.Finish(id, time.Now()) }
}

// RecordCall adds one completed upstream call to the statistics.
func (rt *Runtime) RecordCall(tokens int64) {
	rt.Stats.Record(time.Now(), tokens)
}

// CachedResponse returns a cached upstream response.
func (rt *Runtime) CachedResponse(key string) ([]byte, bool) {
	return rt.Cache.Get(key, time.Now())
}

// StoreResponse caches an upstream response.
func (rt *Runtime) StoreResponse(key string, body []byte) {
	rt.Cache.Put(key, body, time.Now())
}

// Uptime is the time since Start.
func (rt *Runtime) Uptime() time.Duration {
	if rt.started.IsZero() {
		return 0
	}
	return time.Since(rt.started)
}

// Close stops background work, waits for in-flight re-initializations and
// releases resources.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.watcher != nil {
		if err := rt.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.Reinit.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for re-initialization: %w", err))
	}
	// stops after the coordinator so the final flush sees settled state
	rt.Daemons.Stop()
	rt.Holder.Close()
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
