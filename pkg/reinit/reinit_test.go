package reinit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denizumutdereli/vertexrelay/pkg/backend"
	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/credentials"
)

type fakeClient struct {
	creds  int
	closed atomic.Int32
}

func (f *fakeClient) Credentials() int                { return f.creds }
func (f *fakeClient) Next() (credentials.Entry, bool) { return credentials.Entry{}, f.creds > 0 }
func (f *fakeClient) Close() error                    { f.closed.Add(1); return nil }
func (f *fakeClient) isClosed() bool                  { return f.closed.Load() > 0 }

func fakeBuilder(n *atomic.Int32) backend.Builder {
	return func(_ context.Context, creds []credentials.Entry, _ backend.Options) (backend.Client, error) {
		if n != nil {
			n.Add(1)
		}
		return &fakeClient{creds: len(creds)}, nil
	}
}

func poolWith(t *testing.T, blob string) *credentials.Pool {
	t.Helper()
	p := credentials.NewPool()
	_, err := p.ReloadFromBlob(blob)
	require.NoError(t, err)
	return p
}

// ---------------------------------------------------------------------------
// Holder
// ---------------------------------------------------------------------------

func TestHolder_LeaseOutlivesReplacement(t *testing.T) {
	h := NewHolder(nil, nil)
	old := &fakeClient{creds: 1}
	require.NoError(t, h.Publish(old))

	lease, err := h.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, old, lease.Client())

	fresh := &fakeClient{creds: 2}
	require.NoError(t, h.Publish(fresh))
	assert.False(t, old.isClosed(), "old client must stay usable while leased")
	assert.Same(t, fresh, h.Current())

	lease.Release()
	assert.True(t, old.isClosed())
	lease.Release()
	assert.Equal(t, int32(1), old.closed.Load(), "close runs once")
	assert.False(t, fresh.isClosed())
}

func TestHolder_UnleasedReplacementClosedImmediately(t *testing.T) {
	h := NewHolder(nil, nil)
	old := &fakeClient{}
	require.NoError(t, h.Publish(old))
	require.NoError(t, h.Publish(&fakeClient{}))
	assert.True(t, old.isClosed())
}

func TestHolder_LazyBuildOnce(t *testing.T) {
	var builds atomic.Int32
	h := NewHolder(func(ctx context.Context) (backend.Client, error) {
		builds.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &fakeClient{creds: 1}, nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := h.Acquire(context.Background())
			if assert.NoError(t, err) {
				lease.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, int64(1), h.LazyBuilds())
}

func TestHolder_PublishDuringLazyBuildWins(t *testing.T) {
	stale := &fakeClient{creds: 0}
	building := make(chan struct{})
	unblock := make(chan struct{})
	h := NewHolder(func(ctx context.Context) (backend.Client, error) {
		close(building)
		<-unblock
		return stale, nil
	}, nil)

	type acquired struct {
		lease *Lease
		err   error
	}
	got := make(chan acquired, 1)
	go func() {
		lease, err := h.Acquire(context.Background())
		got <- acquired{lease, err}
	}()

	<-building
	fresh := &fakeClient{creds: 2}
	require.NoError(t, h.Publish(fresh))
	close(unblock)

	res := <-got
	require.NoError(t, res.err)
	assert.Same(t, fresh, res.lease.Client())
	res.lease.Release()

	assert.Same(t, fresh, h.Current())
	assert.False(t, fresh.isClosed())
	assert.True(t, stale.isClosed())
	assert.Equal(t, int64(0), h.LazyBuilds())
}

func TestHolder_BuildErrorSurfaces(t *testing.T) {
	h := NewHolder(func(ctx context.Context) (backend.Client, error) {
		return nil, errors.New("no quota")
	}, nil)
	_, err := h.Acquire(context.Background())
	require.Error(t, err)
	assert.Nil(t, h.Current())
}

func TestHolder_InvalidateRebuilds(t *testing.T) {
	var builds atomic.Int32
	h := NewHolder(func(ctx context.Context) (backend.Client, error) {
		builds.Add(1)
		return &fakeClient{}, nil
	}, nil)

	lease, err := h.Acquire(context.Background())
	require.NoError(t, err)
	first := lease.Client().(*fakeClient)
	lease.Release()

	h.Invalidate()
	assert.True(t, first.isClosed())
	assert.Nil(t, h.Current())

	lease, err = h.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, int32(2), builds.Load())
}

func TestHolder_Close(t *testing.T) {
	h := NewHolder(func(ctx context.Context) (backend.Client, error) { return &fakeClient{}, nil }, nil)
	c := &fakeClient{}
	require.NoError(t, h.Publish(c))
	lease, err := h.Acquire(context.Background())
	require.NoError(t, err)

	h.Close()
	assert.False(t, c.isClosed(), "outstanding lease keeps client open")
	lease.Release()
	assert.True(t, c.isClosed())

	_, err = h.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrHolderClosed)

	late := &fakeClient{}
	assert.ErrorIs(t, h.Publish(late), ErrHolderClosed)
	assert.True(t, late.isClosed())
}

func TestHolder_ConcurrentAcquirePublish(t *testing.T) {
	h := NewHolder(nil, nil)
	require.NoError(t, h.Publish(&fakeClient{}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		clients []*fakeClient
	)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			lease, err := h.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			fc := lease.Client().(*fakeClient)
			assert.False(t, fc.isClosed(), "leased client must never be closed")
			lease.Release()
		}()
		go func() {
			defer wg.Done()
			fc := &fakeClient{}
			mu.Lock()
			clients = append(clients, fc)
			mu.Unlock()
			_ = h.Publish(fc)
		}()
	}
	wg.Wait()

	cur := h.Current()
	for _, c := range clients {
		if c == cur {
			assert.False(t, c.isClosed())
			continue
		}
		assert.True(t, c.isClosed(), "replaced clients are closed once unleased")
	}
}

// ---------------------------------------------------------------------------
// Coordinator
// ---------------------------------------------------------------------------

func newCoordinator(t *testing.T, b backend.Builder, timeout time.Duration) (*Coordinator, *Holder) {
	t.Helper()
	h := NewHolder(nil, nil)
	c := NewCoordinator(Options{Holder: h, Builder: b, Timeout: timeout, ResultBuffer: 2})
	return c, h
}

func TestReinitialize_PublishesNewClient(t *testing.T) {
	c, h := newCoordinator(t, fakeBuilder(nil), time.Second)
	pool := poolWith(t, `{"project_id":"a"},{"project_id":"b"}`)

	require.NoError(t, c.Reinitialize(context.Background(), pool))
	require.NotNil(t, h.Current())
	assert.Equal(t, 2, h.Current().Credentials())
}

func TestReinitialize_NilPoolIsEmpty(t *testing.T) {
	c, h := newCoordinator(t, fakeBuilder(nil), time.Second)
	require.NoError(t, c.Reinitialize(context.Background(), nil))
	assert.Equal(t, 0, h.Current().Credentials())
}

func TestReinitialize_FailureKeepsCurrent(t *testing.T) {
	failing := func(context.Context, []credentials.Entry, backend.Options) (backend.Client, error) {
		return nil, errors.New("invalid key")
	}
	c, h := newCoordinator(t, failing, time.Second)
	prev := &fakeClient{creds: 1}
	require.NoError(t, h.Publish(prev))

	err := c.Reinitialize(context.Background(), credentials.NewPool())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrReinitFailure))
	assert.Same(t, prev, h.Current())
	assert.False(t, prev.isClosed())
}

func TestReinitialize_PanicRecovered(t *testing.T) {
	panicking := func(context.Context, []credentials.Entry, backend.Options) (backend.Client, error) {
		panic("boom")
	}
	c, _ := newCoordinator(t, panicking, time.Second)
	err := c.Reinitialize(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrReinitFailure)
}

func TestReinitialize_Timeout(t *testing.T) {
	late := &fakeClient{}
	slow := func(ctx context.Context, _ []credentials.Entry, _ backend.Options) (backend.Client, error) {
		time.Sleep(100 * time.Millisecond)
		return late, nil
	}
	c, h := newCoordinator(t, slow, 20*time.Millisecond)

	err := c.Reinitialize(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrReinitFailure)
	assert.Nil(t, h.Current())
	require.Eventually(t, late.isClosed, time.Second, 10*time.Millisecond, "late client is discarded")
}

func TestSpawn_RunsFollowupsAfterReinit(t *testing.T) {
	c, h := newCoordinator(t, fakeBuilder(nil), time.Second)
	pool := poolWith(t, `{"project_id":"a"}`)

	var order []string
	var mu sync.Mutex
	task := c.Spawn(pool,
		Followup{Name: "model-cache", Run: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if h.Current() != nil {
				order = append(order, "after-publish")
			}
			return nil
		}},
		Followup{Name: "broken", Run: func(ctx context.Context) error { return errors.New("refresh failed") }},
	)

	res, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 1, res.Credentials)
	assert.Equal(t, []string{"after-publish"}, order)
	assert.Contains(t, res.FollowupErrs, "broken")
	assert.NotEmpty(t, res.ID)

	select {
	case r := <-c.Results():
		assert.Equal(t, res.ID, r.ID)
	default:
		t.Fatal("expected result on channel")
	}
}

func TestSpawn_DetachedFromCaller(t *testing.T) {
	release := make(chan struct{})
	blocking := func(ctx context.Context, creds []credentials.Entry, _ backend.Options) (backend.Client, error) {
		<-release
		return &fakeClient{creds: len(creds)}, nil
	}
	c, h := newCoordinator(t, blocking, time.Second)

	task := c.Spawn(credentials.NewPool())
	assert.Equal(t, int64(1), c.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, c.Wait(context.Background()))
	assert.NotNil(t, h.Current())
	assert.Equal(t, int64(0), c.InFlight())
}

func TestShutdown_RefusesNewTasks(t *testing.T) {
	c, _ := newCoordinator(t, fakeBuilder(nil), time.Second)
	require.NoError(t, c.Shutdown(context.Background()))

	res, err := c.Spawn(nil).Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrCoordinatorClosed)
}

func TestResults_DropOldestWhenFull(t *testing.T) {
	var builds atomic.Int32
	c, _ := newCoordinator(t, fakeBuilder(&builds), time.Second)
	var last string
	for i := 0; i < 4; i++ {
		res, err := c.Spawn(nil).Wait(context.Background())
		require.NoError(t, err)
		last = res.ID
	}
	require.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, int32(4), builds.Load())

	var ids []string
	for len(c.Results()) > 0 {
		ids = append(ids, (<-c.Results()).ID)
	}
	require.Len(t, ids, 2)
	assert.Equal(t, last, ids[1])
}
