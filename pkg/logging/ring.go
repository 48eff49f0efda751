package logging

import (
	"bytes"
	"strings"
	"sync"

	"github.com/eapache/queue"
)

// Ring keeps the most recent log lines in memory. It implements
// zapcore.WriteSyncer so it can sit behind a regular encoder core.
type Ring struct {
	mu      sync.Mutex
	q       *queue.Queue
	max     int
	partial []byte
}

// NewRing returns a ring holding at most size lines.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{q: queue.New(), max: size}
}

// Write splits p into lines and appends them, evicting the oldest.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := append(r.partial, p...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		r.push(string(buf[:i]))
		buf = buf[i+1:]
	}
	r.partial = append(r.partial[:0:0], buf...)
	return len(p), nil
}

// Sync implements zapcore.WriteSyncer.
func (r *Ring) Sync() error { return nil }

func (r *Ring) push(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	r.q.Add(line)
	for r.q.Length() > r.max {
		r.q.Remove()
	}
}

// Recent returns up to n of the newest lines, oldest first.
func (r *Ring) Recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.q.Length()
	if n <= 0 || n > total {
		n = total
	}
	out := make([]string, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, r.q.Get(i).(string))
	}
	return out
}

// Len is the number of buffered lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}
