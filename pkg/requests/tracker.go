// Package requests tracks in-flight upstream requests so the dashboard can
// report active, done and pending counts.
package requests

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is one tracked unit of work.
type Request struct {
	ID       string
	Label    string
	Started  time.Time
	finished time.Time
	done     bool
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Request
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*Request)}
}

// Start registers a new request and returns its id.
func (t *Tracker) Start(label string, now time.Time) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.active[id] = &Request{ID: id, Label: label, Started: now}
	t.mu.Unlock()
	return id
}

// Finish marks id as done. Unknown ids are ignored.
func (t *Tracker) Finish(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.active[id]
	if !ok || r.done {
		return false
	}
	r.done = true
	r.finished = now
	return true
}

// Counts returns total tracked, done and pending.
func (t *Tracker) Counts() (total, done, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.active {
		if r.done {
			done++
		}
	}
	total = len(t.active)
	return total, done, total - done
}

// PruneCompleted removes finished requests and returns how many were removed.
func (t *Tracker) PruneCompleted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, r := range t.active {
		if r.done {
			delete(t.active, id)
			n++
		}
	}
	return n
}
