// Package reinit owns the shared backend client handle and rebuilds it when
// credentials change, without cutting off requests that are still using the
// previous handle.
package reinit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/backend"
)

// ErrHolderClosed is returned by Acquire and Publish after Close.
var ErrHolderClosed = errors.New("client holder closed")

type handle struct {
	client    backend.Client
	refs      atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	log       *zap.Logger
}

func (h *handle) release() {
	if h.refs.Add(-1) == 0 && h.retired.Load() {
		h.close()
	}
}

// retire must only be called after h is no longer the current handle.
func (h *handle) retire() {
	h.retired.Store(true)
	if h.refs.Load() == 0 {
		h.close()
	}
}

func (h *handle) close() {
	h.closeOnce.Do(func() {
		if err := h.client.Close(); err != nil {
			h.log.Warn("closing retired backend client", zap.Error(err))
		}
	})
}

// Lease is a counted reference to a backend client. Release it when done.
type Lease struct {
	h    *handle
	once sync.Once
}

// Client returns the leased client.
func (l *Lease) Client() backend.Client { return l.h.client }

// Release drops the reference. Extra calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(l.h.release)
}

// Holder keeps at most one current backend client. Replaced clients stay
// usable until their last lease is released, then they are closed.
type Holder struct {
	cur     atomic.Pointer[handle]
	buildMu sync.Mutex
	build   func(ctx context.Context) (backend.Client, error)
	closed  atomic.Bool
	builds  atomic.Int64
	log     *zap.Logger
}

// NewHolder returns an empty holder. build is used by Acquire when no
// client is current.
func NewHolder(build func(ctx context.Context) (backend.Client, error), log *zap.Logger) *Holder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Holder{build: build, log: log.Named("holder")}
}

// Acquire leases the current client, building one lazily if none exists.
func (h *Holder) Acquire(ctx context.Context) (*Lease, error) {
	for {
		if h.closed.Load() {
			return nil, ErrHolderClosed
		}
		cur := h.cur.Load()
		if cur == nil {
			if err := h.buildLazily(ctx); err != nil {
				return nil, err
			}
			continue
		}
		cur.refs.Add(1)
		if h.cur.Load() == cur {
			return &Lease{h: cur}, nil
		}
		// swapped between load and increment
		cur.release()
	}
}

func (h *Holder) buildLazily(ctx context.Context) error {
	h.buildMu.Lock()
	defer h.buildMu.Unlock()

	if h.cur.Load() != nil {
		return nil
	}
	if h.closed.Load() {
		return ErrHolderClosed
	}
	client, err := h.build(ctx)
	if err != nil {
		return fmt.Errorf("building backend client: %w", err)
	}
	if h.closed.Load() {
		_ = client.Close()
		return ErrHolderClosed
	}

	// A Publish during the build wins; the lazily built client is dropped.
	next := &handle{client: client, log: h.log}
	if !h.cur.CompareAndSwap(nil, next) {
		h.log.Debug("discarding lazily built client, a newer one was published")
		next.retire()
		return nil
	}
	h.builds.Add(1)
	if h.closed.Load() {
		if cur := h.cur.Swap(nil); cur != nil {
			cur.retire()
		}
		return ErrHolderClosed
	}
	return nil
}

// Publish makes client current and retires the previous client.
func (h *Holder) Publish(client backend.Client) error {
	if h.closed.Load() {
		_ = client.Close()
		return ErrHolderClosed
	}
	next := &handle{client: client, log: h.log}
	if old := h.cur.Swap(next); old != nil {
		old.retire()
	}
	// Close may have raced with the swap.
	if h.closed.Load() {
		if cur := h.cur.Swap(nil); cur != nil {
			cur.retire()
		}
		return ErrHolderClosed
	}
	return nil
}

// Invalidate retires the current client without a replacement. The next
// Acquire builds a fresh one.
func (h *Holder) Invalidate() {
	if old := h.cur.Swap(nil); old != nil {
		old.retire()
	}
}

// Current reports the current client without leasing it, or nil.
func (h *Holder) Current() backend.Client {
	if cur := h.cur.Load(); cur != nil {
		return cur.client
	}
	return nil
}

// LazyBuilds counts clients built by Acquire.
func (h *Holder) LazyBuilds() int64 { return h.builds.Load() }

// Close invalidates the holder and refuses further clients. Outstanding
// leases remain valid until released.
func (h *Holder) Close() {
	h.closed.Store(true)
	h.buildMu.Lock()
	h.Invalidate()
	h.buildMu.Unlock()
}
