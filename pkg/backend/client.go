package backend

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/denizumutdereli/vertexrelay/pkg/credentials"
)

// ErrClosed is returned by a client after Close.
var ErrClosed = errors.New("backend client closed")

// Client is a built upstream client. How credentials sign upstream calls
// is the translation layer's concern; the control plane only needs to
// rotate through them and release resources.
type Client interface {
	// Credentials is the number of credentials the client was built with.
	Credentials() int
	// Next returns the next credential in rotation.
	Next() (credentials.Entry, bool)
	Close() error
}

// Builder builds a client from a credential snapshot.
type Builder func(ctx context.Context, creds []credentials.Entry, opts Options) (Client, error)

// RotatingClient hands out credentials round-robin.
type RotatingClient struct {
	creds  []credentials.Entry
	opts   Options
	next   atomic.Uint64
	closed atomic.Bool
}

// NewRotatingClient is the default Builder.
func NewRotatingClient(ctx context.Context, creds []credentials.Entry, opts Options) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &RotatingClient{
		creds: append([]credentials.Entry(nil), creds...),
		opts:  opts.clone(),
	}, nil
}

// Credentials implements Client.
func (c *RotatingClient) Credentials() int { return len(c.creds) }

// Next implements Client.
func (c *RotatingClient) Next() (credentials.Entry, bool) {
	if c.closed.Load() || len(c.creds) == 0 {
		return credentials.Entry{}, false
	}
	i := c.next.Add(1) - 1
	return c.creds[i%uint64(len(c.creds))], true
}

// Options returns the options the client was built with.
func (c *RotatingClient) Options() Options { return c.opts.clone() }

// Closed reports whether Close has run.
func (c *RotatingClient) Closed() bool { return c.closed.Load() }

// Close implements Client. Subsequent calls return ErrClosed.
func (c *RotatingClient) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}
