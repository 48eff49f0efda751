// Package stats aggregates upstream calls and tokens into per-minute
// buckets and answers sliding-window and time-series queries.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/metrics"
)

// Standard query windows.
const (
	Minute = time.Minute
	Hour   = time.Hour
	Day    = 24 * time.Hour
)

// Row is one journaled call.
type Row struct {
	At     time.Time
	Tokens int64
}

// Journal durably records calls so buckets survive a restart.
type Journal interface {
	Append(ctx context.Context, at time.Time, tokens int64) error
	Since(ctx context.Context, after time.Time) ([]Row, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Truncate(ctx context.Context) error
}

// Point is one time-series slot.
type Point struct {
	Label  string `json:"label"`
	Calls  int64  `json:"calls"`
	Tokens int64  `json:"tokens"`
}

// Options configures an Aggregator.
type Options struct {
	// Retention is how long buckets are kept. Default 24h.
	Retention time.Duration
	// CleanupInterval rate-limits MaybeCleanup. Default 1m.
	CleanupInterval time.Duration
	Journal         Journal
	Logger          *zap.Logger
}

type bucket struct {
	minute time.Time
	calls  atomic.Int64
	tokens atomic.Int64
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	buckets map[int64]*bucket

	retention       time.Duration
	cleanupInterval time.Duration
	lastCleanup     atomic.Int64

	journal Journal
	log     *zap.Logger
}

// New returns an empty aggregator.
func New(opts Options) *Aggregator {
	if opts.Retention <= 0 {
		opts.Retention = Day
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aggregator{
		buckets:         make(map[int64]*bucket),
		retention:       opts.Retention,
		cleanupInterval: opts.CleanupInterval,
		journal:         opts.Journal,
		log:             opts.Logger.Named("stats"),
	}
}

// Record adds one call with the given token count at now.
func (a *Aggregator) Record(now time.Time, tokens int64) {
	if tokens < 0 {
		tokens = 0
	}
	a.add(now, 1, tokens)
	metrics.RecordCall(tokens)

	if a.journal != nil {
		if err := a.journal.Append(context.Background(), now, tokens); err != nil {
			a.log.Warn("stats journal append failed", zap.Error(err))
		}
	}
}

func (a *Aggregator) add(at time.Time, calls, tokens int64) {
	minute := at.Truncate(time.Minute)
	k := minute.Unix()

	a.mu.RLock()
	b := a.buckets[k]
	a.mu.RUnlock()

	if b == nil {
		a.mu.Lock()
		if b = a.buckets[k]; b == nil {
			b = &bucket{minute: minute}
			a.buckets[k] = b
		}
		a.mu.Unlock()
	}
	b.calls.Add(calls)
	b.tokens.Add(tokens)
}

// CallsLast returns calls whose bucket minute m satisfies now-window < m <= now.
func (a *Aggregator) CallsLast(now time.Time, window time.Duration) int64 {
	calls, _ := a.sum(now, window)
	return calls
}

// TokensLast is CallsLast for tokens.
func (a *Aggregator) TokensLast(now time.Time, window time.Duration) int64 {
	_, tokens := a.sum(now, window)
	return tokens
}

func (a *Aggregator) sum(now time.Time, window time.Duration) (calls, tokens int64) {
	from := now.Add(-window)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, b := range a.buckets {
		if b.minute.After(from) && !b.minute.After(now) {
			calls += b.calls.Load()
			tokens += b.tokens.Load()
		}
	}
	return calls, tokens
}

// TimeSeries returns n one-minute points ending at now's minute, oldest
// first, labelled HH:MM in now's location. Buckets outside retention are
// not counted.
func (a *Aggregator) TimeSeries(n int, now time.Time) []Point {
	if n <= 0 {
		return []Point{}
	}
	end := now.Truncate(time.Minute)
	oldest := now.Add(-a.retention)

	out := make([]Point, n)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := 0; i < n; i++ {
		slot := end.Add(-time.Duration(n-1-i) * time.Minute)
		p := Point{Label: slot.Format("15:04")}
		if b, ok := a.buckets[slot.Unix()]; ok && b.minute.After(oldest) {
			p.Calls = b.calls.Load()
			p.Tokens = b.tokens.Load()
		}
		out[i] = p
	}
	return out
}

// Cleanup drops buckets older than the retention window and returns how
// many were removed.
func (a *Aggregator) Cleanup(now time.Time) int {
	cutoff := now.Add(-a.retention)
	a.lastCleanup.Store(now.UnixNano())

	a.mu.Lock()
	removed := 0
	for k, b := range a.buckets {
		if !b.minute.After(cutoff) {
			delete(a.buckets, k)
			removed++
		}
	}
	a.mu.Unlock()

	if a.journal != nil {
		if _, err := a.journal.Prune(context.Background(), cutoff); err != nil {
			a.log.Warn("stats journal prune failed", zap.Error(err))
		}
	}
	return removed
}

// MaybeCleanup runs Cleanup at most once per cleanup interval. Reports
// whether a cleanup ran.
func (a *Aggregator) MaybeCleanup(now time.Time) bool {
	last := a.lastCleanup.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < a.cleanupInterval {
		return false
	}
	if !a.lastCleanup.CompareAndSwap(last, now.UnixNano()) {
		return false
	}
	a.Cleanup(now)
	return true
}

// Reset clears every bucket.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.buckets = make(map[int64]*bucket)
	a.mu.Unlock()
	metrics.RecordStatsReset()

	if a.journal != nil {
		if err := a.journal.Truncate(context.Background()); err != nil {
			a.log.Warn("stats journal truncate failed", zap.Error(err))
		}
	}
}

// Replay loads journaled calls from the retention window into buckets.
func (a *Aggregator) Replay(ctx context.Context, now time.Time) (int, error) {
	if a.journal == nil {
		return 0, nil
	}
	rows, err := a.journal.Since(ctx, now.Add(-a.retention))
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		a.add(r.At, 1, r.Tokens)
	}
	return len(rows), nil
}

// BucketCount is the number of live buckets.
func (a *Aggregator) BucketCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buckets)
}
