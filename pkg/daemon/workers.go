package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/reinit"
)

// StatsCleaner drops expired stats buckets, at most once per its own
// cleanup interval.
type StatsCleaner interface {
	MaybeCleanup(now time.Time) bool
}

// CacheSweeper drops expired response cache entries.
type CacheSweeper interface {
	CleanupExpired(now time.Time) int
}

// RequestPruner drops finished requests from the active tracker.
type RequestPruner interface {
	PruneCompleted() int
}

// SettingsFlusher writes the settings snapshot.
type SettingsFlusher interface {
	Persist() error
}

// Targets are the components the daemons maintain. Nil targets are skipped.
type Targets struct {
	Stats    StatsCleaner
	Cache    CacheSweeper
	Requests RequestPruner
	Settings SettingsFlusher
	// Results, when set, is drained and every re-initialization outcome logged.
	Results <-chan reinit.Result
}

// DaemonManager manages all background daemons
type DaemonManager struct {
	t   Targets
	log *zap.Logger

	// Daemon intervals
	statsInterval  time.Duration
	cacheInterval  time.Duration
	pruneInterval  time.Duration
	flushInterval  time.Duration
	intervalMu     sync.RWMutex
	lastReinitMu   sync.Mutex
	lastReinit     reinit.Result
	reinitObserved int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemonManager creates a new daemon manager
func NewDaemonManager(t Targets, log *zap.Logger) *DaemonManager {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = zap.NewNop()
	}

	return &DaemonManager{
		t:             t,
		log:           log.Named("daemon"),
		statsInterval: 5 * time.Minute,
		cacheInterval: 1 * time.Minute,
		pruneInterval: 1 * time.Minute,
		flushInterval: 10 * time.Minute,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts all daemon workers
func (dm *DaemonManager) Start() {
	dm.wg.Add(4)

	go dm.statsDaemon()
	go dm.cacheDaemon()
	go dm.pruneDaemon()
	go dm.flushDaemon()

	if dm.t.Results != nil {
		dm.wg.Add(1)
		go dm.resultsDaemon()
	}

	dm.log.Info("daemon manager started")
}

// Stop stops all daemons gracefully
func (dm *DaemonManager) Stop() {
	dm.cancel()
	dm.wg.Wait()
	dm.log.Info("daemon manager stopped")
}

// statsDaemon drops stats buckets outside retention
func (dm *DaemonManager) statsDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getStatsInterval()) {
		if dm.t.Stats == nil {
			continue
		}
		if dm.t.Stats.MaybeCleanup(time.Now()) {
			dm.log.Debug("stats cleanup ran")
		}
	}
}

// cacheDaemon sweeps expired response cache entries
func (dm *DaemonManager) cacheDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getCacheInterval()) {
		if dm.t.Cache == nil {
			continue
		}
		if n := dm.t.Cache.CleanupExpired(time.Now()); n > 0 {
			dm.log.Debug("expired cache entries swept", zap.Int("entries", n))
		}
	}
}

// pruneDaemon removes finished requests from the tracker
func (dm *DaemonManager) pruneDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getPruneInterval()) {
		if dm.t.Requests == nil {
			continue
		}
		if n := dm.t.Requests.PruneCompleted(); n > 0 {
			dm.log.Debug("completed requests pruned", zap.Int("requests", n))
		}
	}
}

// flushDaemon periodically saves the settings snapshot
func (dm *DaemonManager) flushDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getFlushInterval()) {
		dm.flush()
	}

	// Final flush on shutdown
	dm.flush()
}

func (dm *DaemonManager) flush() {
	if dm.t.Settings == nil {
		return
	}
	if err := dm.t.Settings.Persist(); err != nil {
		dm.log.Warn("settings flush failed", zap.Error(err))
	}
}

// resultsDaemon logs finished re-initializations
func (dm *DaemonManager) resultsDaemon() {
	defer dm.wg.Done()

	for {
		select {
		case <-dm.ctx.Done():
			return
		case res := <-dm.t.Results:
			dm.lastReinitMu.Lock()
			dm.lastReinit = res
			dm.reinitObserved++
			dm.lastReinitMu.Unlock()

			fields := []zap.Field{
				zap.String("task", res.ID),
				zap.Int("credentials", res.Credentials),
				zap.Duration("took", res.Finished.Sub(res.Started)),
			}
			if res.OK() {
				dm.log.Info("backend re-initialization finished", fields...)
			} else {
				dm.log.Warn("backend re-initialization failed, running degraded", append(fields, zap.Error(res.Err))...)
			}
		}
	}
}

// LastReinit returns the most recent observed re-initialization result.
func (dm *DaemonManager) LastReinit() (reinit.Result, bool) {
	dm.lastReinitMu.Lock()
	defer dm.lastReinitMu.Unlock()
	return dm.lastReinit, dm.reinitObserved > 0
}

func (dm *DaemonManager) waitInterval(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-dm.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (dm *DaemonManager) getStatsInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.statsInterval
}

func (dm *DaemonManager) getCacheInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.cacheInterval
}

func (dm *DaemonManager) getPruneInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.pruneInterval
}

func (dm *DaemonManager) getFlushInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.flushInterval
}

// SetIntervals configures daemon intervals. Non-positive values keep the
// current interval.
func (dm *DaemonManager) SetIntervals(stats, cache, prune, flush time.Duration) {
	dm.intervalMu.Lock()
	defer dm.intervalMu.Unlock()
	if stats > 0 {
		dm.statsInterval = stats
	}
	if cache > 0 {
		dm.cacheInterval = cache
	}
	if prune > 0 {
		dm.pruneInterval = prune
	}
	if flush > 0 {
		dm.flushInterval = flush
	}
}

// Stats returns daemon statistics
func (dm *DaemonManager) Stats() map[string]any {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return map[string]any{
		"stats_cleanup_interval":  dm.statsInterval.String(),
		"cache_sweep_interval":    dm.cacheInterval.String(),
		"request_prune_interval":  dm.pruneInterval.String(),
		"settings_flush_interval": dm.flushInterval.String(),
	}
}
