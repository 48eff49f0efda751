// Package backend defines the relay's view of the upstream Vertex client:
// the options namespace the translation layer reads and the client handle
// built from a credential snapshot.
package backend

import (
	"slices"
	"sync/atomic"
)

// Options is the secondary configuration namespace read on the request path.
type Options struct {
	FakeStreaming         bool
	FakeStreamingInterval float64
	ExpressAPIKeys        []string
}

func (o Options) clone() Options {
	o.ExpressAPIKeys = slices.Clone(o.ExpressAPIKeys)
	return o
}

// OptionsStore publishes Options copy-on-write. Readers never observe a
// partially applied update.
type OptionsStore struct {
	cur atomic.Pointer[Options]
}

// NewOptionsStore returns a store holding o.
func NewOptionsStore(o Options) *OptionsStore {
	s := &OptionsStore{}
	c := o.clone()
	s.cur.Store(&c)
	return s
}

// Load returns a copy of the current options.
func (s *OptionsStore) Load() Options {
	return s.cur.Load().clone()
}

// Update applies fn to a private copy and publishes it.
func (s *OptionsStore) Update(fn func(*Options)) Options {
	for {
		old := s.cur.Load()
		next := old.clone()
		fn(&next)
		if s.cur.CompareAndSwap(old, &next) {
			return next.clone()
		}
	}
}
