package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 100 * time.Millisecond

// Change describes one directory reload.
type Change struct {
	Removed int
	Added   int
	Skipped []string
}

// Watcher keeps the file-provenance entries of a Pool in sync with a
// directory of *.json service account files.
type Watcher struct {
	dir      string
	pool     *Pool
	log      *zap.Logger
	onChange func(Change)

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	debounce *time.Timer
	stop     chan struct{}
	closed   bool
}

// NewWatcher returns a watcher for dir. onChange runs after every reload
// triggered by a filesystem event; it may be nil.
func NewWatcher(dir string, pool *Pool, log *zap.Logger, onChange func(Change)) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		pool:     pool,
		log:      log.Named("credentials"),
		onChange: onChange,
		stop:     make(chan struct{}),
	}
}

// Load reads every *.json file in the directory and replaces the pool's
// file entries. Unreadable or malformed files are skipped and reported.
func (w *Watcher) Load() (Change, error) {
	names, err := os.ReadDir(w.dir)
	if err != nil {
		return Change{}, fmt.Errorf("reading credentials dir %s: %w", w.dir, err)
	}

	var files []string
	for _, de := range names {
		if de.IsDir() || !isCredentialFile(de.Name()) {
			continue
		}
		files = append(files, filepath.Join(w.dir, de.Name()))
	}
	sort.Strings(files)

	var (
		entries []Entry
		skipped []string
	)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			w.log.Warn("credential file unreadable", zap.String("path", path), zap.Error(err))
			skipped = append(skipped, path)
			continue
		}
		e, err := NewEntry(data, File, path)
		if err != nil {
			w.log.Warn("credential file malformed", zap.String("path", path), zap.Error(err))
			skipped = append(skipped, path)
			continue
		}
		entries = append(entries, e)
	}

	removed, added := w.pool.Replace(File, entries)
	return Change{Removed: removed, Added: added, Skipped: skipped}, nil
}

// Start begins watching the directory. Load should be called first.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			w.log.Error("failed to close watcher", zap.Error(closeErr))
		}
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	go w.watchLoop(fsw)
	return nil
}

func (w *Watcher) watchLoop(fsw *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !isCredentialFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("credentials watcher error", zap.Error(err))

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceInterval, w.handleChange)
}

func (w *Watcher) handleChange() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	change, err := w.Load()
	if err != nil {
		w.log.Error("credentials reload failed", zap.Error(err))
		return
	}
	w.log.Info("credentials directory reloaded",
		zap.Int("removed", change.Removed),
		zap.Int("added", change.Added),
		zap.Int("total", w.pool.TotalCount()),
	)
	if w.onChange != nil {
		w.onChange(change)
	}
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.stop)
	if w.debounce != nil {
		w.debounce.Stop()
	}
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}

func isCredentialFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json") && !strings.HasPrefix(name, ".")
}
