// Package persistence stores the runtime settings snapshot on disk so
// operator changes survive a restart.
package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/settings"
)

// Store reads and writes the settings snapshot file.
type Store struct {
	path  string
	codec *Codec

	mu        sync.Mutex
	saves     atomic.Int64
	lastSaved atomic.Int64
}

// NewStore returns a store writing to path, creating its directory.
func NewStore(path string, compress bool) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}
	return &Store{path: path, codec: NewCodec(compress)}, nil
}

// Path is the snapshot file path.
func (s *Store) Path() string { return s.path }

// Save writes snap atomically.
func (s *Store) Save(snap settings.Snapshot) error {
	values := make(map[string]any, len(snap))
	for k, v := range snap {
		values[string(k)] = v
	}
	now := time.Now()
	data, err := s.codec.Encode(&Document{
		SavedAt: now.Unix(),
		Version: core.Version,
		Values:  values,
	})
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomically(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing settings %s: %w", s.path, err)
	}
	s.saves.Add(1)
	s.lastSaved.Store(now.UnixNano())
	return nil
}

// Load reads the snapshot. A missing file returns (nil, zero time, nil).
func (s *Store) Load() (map[string]any, time.Time, error) {
	s.mu.Lock()
	raw, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading settings %s: %w", s.path, err)
	}

	doc, err := s.codec.Decode(raw)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding settings %s: %w", s.path, err)
	}
	return doc.Values, time.Unix(doc.SavedAt, 0), nil
}

// Saves counts successful writes.
func (s *Store) Saves() int64 { return s.saves.Load() }

// LastSaved is the time of the last successful write, or zero.
func (s *Store) LastSaved() time.Time {
	ns := s.lastSaved.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(path string) error {
	if runtime.GOOS == "windows" {
		// Windows does not support fsync on directories in this mode.
		return nil
	}
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
