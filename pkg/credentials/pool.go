// Package credentials keeps the rotating pool of backend service account
// credentials, tagged by where each one came from.
package credentials

import (
	"sync"
	"sync/atomic"
)

// Pool is a provenance-tagged credential set. Entries are unique by
// (provenance, id); the same credential may appear once per provenance.
type Pool struct {
	mu      sync.RWMutex
	entries map[poolKey]Entry
	order   []poolKey
	version atomic.Uint64
}

type poolKey struct {
	p  Provenance
	id string
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[poolKey]Entry)}
}

// ReloadFromBlob swaps every environment entry for the ones parsed from
// blob. A malformed blob leaves the pool untouched. An empty blob clears
// the environment entries. Returns how many entries were loaded.
func (p *Pool) ReloadFromBlob(blob string) (int, error) {
	parsed, err := ParseBlob(blob)
	if err != nil {
		return 0, err
	}
	_, added := p.Replace(Environment, parsed)
	return added, nil
}

// Replace atomically removes all entries of provenance prov and adds the
// given ones (their provenance is forced to prov).
func (p *Pool) Replace(prov Provenance, entries []Entry) (removed, added int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed = p.clearLocked(prov)
	for _, e := range entries {
		e.Provenance = prov
		if p.addLocked(e) {
			added++
		}
	}
	p.version.Add(1)
	return removed, added
}

// ClearProvenance removes every entry of the given provenance.
func (p *Pool) ClearProvenance(prov Provenance) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.clearLocked(prov)
	if n > 0 {
		p.version.Add(1)
	}
	return n
}

// Add inserts e. Returns false if an identical entry of the same
// provenance already exists.
func (p *Pool) Add(e Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.addLocked(e) {
		return false
	}
	p.version.Add(1)
	return true
}

// Remove deletes every entry with the given id regardless of provenance.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := false
	kept := p.order[:0]
	for _, k := range p.order {
		if k.id == id {
			delete(p.entries, k)
			removed = true
			continue
		}
		kept = append(kept, k)
	}
	p.order = kept
	if removed {
		p.version.Add(1)
	}
	return removed
}

// TotalCount returns the number of entries across all provenances.
func (p *Pool) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// CountBy returns the number of entries of one provenance.
func (p *Pool) CountBy(prov Provenance) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for k := range p.entries {
		if k.p == prov {
			n++
		}
	}
	return n
}

// Entries returns a copy of all entries in insertion order.
func (p *Pool) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.entries[k])
	}
	return out
}

// Version increases on every mutation.
func (p *Pool) Version() uint64 {
	return p.version.Load()
}

func (p *Pool) addLocked(e Entry) bool {
	k := poolKey{p: e.Provenance, id: e.ID}
	if _, exists := p.entries[k]; exists {
		return false
	}
	p.entries[k] = e
	p.order = append(p.order, k)
	return true
}

func (p *Pool) clearLocked(prov Provenance) int {
	n := 0
	kept := p.order[:0]
	for _, k := range p.order {
		if k.p == prov {
			delete(p.entries, k)
			n++
			continue
		}
		kept = append(kept, k)
	}
	p.order = kept
	return n
}
