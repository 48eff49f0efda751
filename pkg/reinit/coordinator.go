package reinit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/backend"
	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/credentials"
	"github.com/denizumutdereli/vertexrelay/pkg/metrics"
)

// ErrCoordinatorClosed is reported by tasks spawned after Shutdown.
var ErrCoordinatorClosed = errors.New("reinit coordinator closed")

// Followup runs after a re-initialization attempt, whatever its outcome.
type Followup struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result describes one spawned task.
type Result struct {
	ID           string
	Started      time.Time
	Finished     time.Time
	Credentials  int
	Err          error
	FollowupErrs map[string]error
}

// OK reports whether the re-initialization itself succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Task is a handle on a spawned re-initialization.
type Task struct {
	ID     string
	done   chan struct{}
	result Result
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Options configures a Coordinator.
type Options struct {
	Holder  *Holder
	Builder backend.Builder
	Backend *backend.OptionsStore
	// Timeout bounds one client build and each follow-up. Default 30s.
	Timeout time.Duration
	// ResultBuffer is the Results channel capacity. Default 16.
	ResultBuffer int
	Logger       *zap.Logger
}

// Coordinator rebuilds the backend client out of band.
type Coordinator struct {
	holder  *Holder
	builder backend.Builder
	opts    *backend.OptionsStore
	timeout time.Duration
	log     *zap.Logger

	mu       sync.Mutex // serializes Reinitialize
	spawnMu  sync.Mutex
	wg       sync.WaitGroup
	closing  bool
	results  chan Result
	inflight atomic.Int64
}

// NewCoordinator returns a coordinator publishing into opts.Holder.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Backend == nil {
		opts.Backend = backend.NewOptionsStore(backend.Options{})
	}
	if opts.Builder == nil {
		opts.Builder = backend.NewRotatingClient
	}
	return &Coordinator{
		holder:  opts.Holder,
		builder: opts.Builder,
		opts:    opts.Backend,
		timeout: opts.Timeout,
		log:     opts.Logger.Named("reinit"),
		results: make(chan Result, opts.ResultBuffer),
	}
}

// Reinitialize builds a client from the pool and publishes it. A nil pool
// is treated as empty. On failure the current client is kept and the
// error wraps core.ErrReinitFailure.
func (c *Coordinator) Reinitialize(ctx context.Context, pool *credentials.Pool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pool == nil {
		c.log.Warn("credential pool missing during re-initialization, using an empty pool")
		pool = credentials.NewPool()
	}
	entries := pool.Entries()
	c.log.Info("re-initializing backend client", zap.Int("credentials", len(entries)))

	started := time.Now()
	client, err := c.buildWithTimeout(ctx, entries)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		metrics.RecordReinit("failed", elapsed)
		c.log.Error("backend re-initialization failed, keeping previous client", zap.Error(err))
		return fmt.Errorf("%w: %v", core.ErrReinitFailure, err)
	}
	if err := c.holder.Publish(client); err != nil {
		metrics.RecordReinit("failed", elapsed)
		return fmt.Errorf("%w: %v", core.ErrReinitFailure, err)
	}
	metrics.RecordReinit("ok", elapsed)
	c.log.Info("backend client re-initialized", zap.Int("credentials", len(entries)), zap.Float64("seconds", elapsed))
	return nil
}

func (c *Coordinator) buildWithTimeout(ctx context.Context, entries []credentials.Entry) (backend.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		client backend.Client
		err    error
	}
	ch := make(chan outcome, 1)
	opts := c.opts.Load()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("builder panicked: %v", r)}
			}
		}()
		client, err := c.builder(ctx, entries, opts)
		ch <- outcome{client: client, err: err}
	}()

	select {
	case o := <-ch:
		if o.err == nil && o.client == nil {
			return nil, errors.New("builder returned no client")
		}
		return o.client, o.err
	case <-ctx.Done():
		// discard a client that arrives after we gave up
		go func() {
			if o := <-ch; o.client != nil {
				_ = o.client.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Spawn runs Reinitialize and then the follow-ups in a tracked goroutine
// that is detached from any request context.
func (c *Coordinator) Spawn(pool *credentials.Pool, followups ...Followup) *Task {
	t := &Task{ID: uuid.NewString(), done: make(chan struct{})}

	c.spawnMu.Lock()
	if c.closing {
		c.spawnMu.Unlock()
		now := time.Now()
		t.result = Result{ID: t.ID, Started: now, Finished: now, Err: ErrCoordinatorClosed}
		close(t.done)
		return t
	}
	c.wg.Add(1)
	c.inflight.Add(1)
	c.spawnMu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.inflight.Add(-1)
		t.result = c.run(t.ID, pool, followups)
		c.publish(t.result)
		close(t.done)
	}()
	return t
}

func (c *Coordinator) run(id string, pool *credentials.Pool, followups []Followup) Result {
	res := Result{ID: id, Started: time.Now()}
	if pool != nil {
		res.Credentials = pool.TotalCount()
	}
	res.Err = c.Reinitialize(context.Background(), pool)

	for _, f := range followups {
		if f.Run == nil {
			continue
		}
		if err := c.runFollowup(f); err != nil {
			if res.FollowupErrs == nil {
				res.FollowupErrs = make(map[string]error)
			}
			res.FollowupErrs[f.Name] = err
			c.log.Warn("re-initialization follow-up failed", zap.String("followup", f.Name), zap.Error(err))
		}
	}
	res.Finished = time.Now()
	return res
}

func (c *Coordinator) runFollowup(f Followup) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("follow-up panicked: %v", r)
		}
	}()
	return f.Run(ctx)
}

// publish never blocks; when the buffer is full the oldest result is dropped.
func (c *Coordinator) publish(r Result) {
	select {
	case c.results <- r:
		return
	default:
	}
	select {
	case <-c.results:
	default:
	}
	select {
	case c.results <- r:
	default:
	}
}

// Results delivers finished task results.
func (c *Coordinator) Results() <-chan Result { return c.results }

// InFlight is the number of running tasks.
func (c *Coordinator) InFlight() int64 { return c.inflight.Load() }

// Wait blocks until every spawned task has finished or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new tasks and waits for running ones.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.spawnMu.Lock()
	c.closing = true
	c.spawnMu.Unlock()
	return c.Wait(ctx)
}
