package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type memJournal struct {
	mu        sync.Mutex
	rows      []Row
	truncated int
}

func (j *memJournal) Append(_ context.Context, at time.Time, tokens int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = append(j.rows, Row{At: at, Tokens: tokens})
	return nil
}

func (j *memJournal) Since(_ context.Context, after time.Time) ([]Row, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Row
	for _, r := range j.rows {
		if r.At.After(after) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (j *memJournal) Prune(_ context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.rows[:0]
	var n int64
	for _, r := range j.rows {
		if r.At.After(before) {
			kept = append(kept, r)
			continue
		}
		n++
	}
	j.rows = kept
	return n, nil
}

func (j *memJournal) Truncate(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = nil
	j.truncated++
	return nil
}

// ---------------------------------------------------------------------------
// Windows
// ---------------------------------------------------------------------------

func TestWindows_NinetyMinutesOfTraffic(t *testing.T) {
	a := New(Options{})
	for i := 0; i < 90; i++ {
		a.Record(base.Add(time.Duration(i)*time.Minute+10*time.Second), 10)
	}
	now := base.Add(89*time.Minute + 30*time.Second)

	assert.Equal(t, int64(1), a.CallsLast(now, Minute))
	assert.Equal(t, int64(60), a.CallsLast(now, Hour))
	assert.Equal(t, int64(90), a.CallsLast(now, Day))
	assert.Equal(t, int64(600), a.TokensLast(now, Hour))
	assert.Equal(t, int64(900), a.TokensLast(now, Day))
}

func TestWindows_SameMinute(t *testing.T) {
	a := New(Options{})
	for i := 0; i < 5; i++ {
		a.Record(base.Add(time.Duration(i)*5*time.Second), 2)
	}
	now := base.Add(30 * time.Second)

	assert.Equal(t, int64(5), a.CallsLast(now, Minute))
	assert.Equal(t, int64(10), a.TokensLast(now, Minute))
	assert.Equal(t, 1, a.BucketCount())
}

func TestWindows_FutureBucketsExcluded(t *testing.T) {
	a := New(Options{})
	a.Record(base.Add(5*time.Minute), 1)
	assert.Equal(t, int64(0), a.CallsLast(base, Hour))
}

func TestRecord_NegativeTokensClamped(t *testing.T) {
	a := New(Options{})
	a.Record(base, -50)
	assert.Equal(t, int64(1), a.CallsLast(base, Minute))
	assert.Equal(t, int64(0), a.TokensLast(base, Minute))
}

// ---------------------------------------------------------------------------
// Time series
// ---------------------------------------------------------------------------

func TestTimeSeries_LabelsAndValues(t *testing.T) {
	a := New(Options{})
	a.Record(base.Add(-2*time.Minute), 5)
	a.Record(base.Add(-2*time.Minute), 7)
	a.Record(base, 1)

	series := a.TimeSeries(30, base.Add(20*time.Second))
	require.Len(t, series, 30)
	assert.Equal(t, "11:31", series[0].Label)
	assert.Equal(t, "12:00", series[29].Label)
	assert.Equal(t, Point{Label: "11:58", Calls: 2, Tokens: 12}, series[27])
	assert.Equal(t, Point{Label: "11:59"}, series[28])
	assert.Equal(t, int64(1), series[29].Calls)
}

func TestTimeSeries_IgnoresBucketsOutsideRetention(t *testing.T) {
	a := New(Options{Retention: time.Hour})
	a.Record(base.Add(-90*time.Minute), 3)

	series := a.TimeSeries(120, base)
	var total int64
	for _, p := range series {
		total += p.Calls
	}
	assert.Equal(t, int64(0), total)
}

func TestTimeSeries_NonPositive(t *testing.T) {
	assert.Empty(t, New(Options{}).TimeSeries(0, base))
}

// ---------------------------------------------------------------------------
// Cleanup / reset
// ---------------------------------------------------------------------------

func TestCleanup_DropsExpiredBuckets(t *testing.T) {
	a := New(Options{})
	a.Record(base.Add(-25*time.Hour), 1)
	a.Record(base.Add(-23*time.Hour), 1)
	a.Record(base, 1)

	assert.Equal(t, 1, a.Cleanup(base))
	assert.Equal(t, 2, a.BucketCount())
	assert.Equal(t, int64(2), a.CallsLast(base, Day))
}

func TestMaybeCleanup_RateLimited(t *testing.T) {
	a := New(Options{CleanupInterval: time.Minute})

	assert.True(t, a.MaybeCleanup(base))
	assert.False(t, a.MaybeCleanup(base.Add(30*time.Second)))
	assert.True(t, a.MaybeCleanup(base.Add(61*time.Second)))
}

func TestReset(t *testing.T) {
	j := &memJournal{}
	a := New(Options{Journal: j})
	a.Record(base, 10)
	a.Record(base, 10)

	a.Reset()
	assert.Equal(t, int64(0), a.CallsLast(base, Day))
	assert.Equal(t, int64(0), a.TokensLast(base, Day))
	for _, p := range a.TimeSeries(30, base) {
		assert.Zero(t, p.Calls)
	}
	assert.Equal(t, 1, j.truncated)

	a.Record(base, 1)
	assert.Equal(t, int64(1), a.CallsLast(base, Minute))
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

func TestJournal_ReplayRebuildsBuckets(t *testing.T) {
	j := &memJournal{}
	first := New(Options{Journal: j})
	first.Record(base.Add(-30*time.Hour), 100)
	first.Record(base.Add(-10*time.Minute), 4)
	first.Record(base, 6)

	second := New(Options{Journal: j})
	n, err := second.Replay(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), second.CallsLast(base, Hour))
	assert.Equal(t, int64(10), second.TokensLast(base, Day))
}

func TestJournal_CleanupPrunes(t *testing.T) {
	j := &memJournal{}
	a := New(Options{Journal: j})
	a.Record(base.Add(-30*time.Hour), 1)
	a.Record(base, 1)

	a.Cleanup(base)
	assert.Len(t, j.rows, 1)
}

func TestReplay_WithoutJournal(t *testing.T) {
	n, err := New(Options{}).Replay(context.Background(), base)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentRecord(t *testing.T) {
	a := New(Options{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				a.Record(base.Add(time.Duration(i%5)*time.Minute), 2)
				if i%50 == 0 {
					_ = a.TimeSeries(30, base.Add(5*time.Minute))
				}
			}
		}(g)
	}
	wg.Wait()

	now := base.Add(5 * time.Minute)
	assert.Equal(t, int64(2000), a.CallsLast(now, Day))
	assert.Equal(t, int64(4000), a.TokensLast(now, Day))
}
