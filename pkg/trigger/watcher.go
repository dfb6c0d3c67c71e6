package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/polis-runner/pkg/config"
)

// DefaultDebounce applies to watches that do not set one.
const DefaultDebounce = 2 * time.Second

// WatcherConfig holds dependencies for creating a Watcher.
type WatcherConfig struct {
	Watches   []config.WatchConfig
	Submitter Submitter
	Load      LoadFunc
	OnFire    FireFunc
	Logger    *slog.Logger
}

// Watcher watches directories and submits the configured pipeline for every
// new or modified file matching a watch's patterns. Bursts of events for the
// same file are collapsed into one submission once the file has been quiet
// for the debounce period.
type Watcher struct {
	watches []watchEntry
	watcher *fsnotify.Watcher
	firer   firer
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	pending map[string]*time.Timer
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type watchEntry struct {
	config.WatchConfig
	dir string
}

// NewWatcher creates a watcher for the given watches.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("watcher: submitter is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	entries := make([]watchEntry, 0, len(cfg.Watches))
	for _, w := range cfg.Watches {
		dir, err := filepath.Abs(w.Path)
		if err != nil {
			return nil, fmt.Errorf("watch %q: resolve path: %w", w.Name, err)
		}
		if w.Debounce <= 0 {
			w.Debounce = DefaultDebounce
		}
		entries = append(entries, watchEntry{WatchConfig: w, dir: dir})
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watches: entries,
		watcher: fsw,
		firer:   newFirer(cfg.Submitter, cfg.Load, cfg.OnFire),
		logger:  logger,
		pending: make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching every configured directory.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("watcher: already stopped")
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, entry := range w.watches {
		if err := w.watcher.Add(entry.dir); err != nil {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return fmt.Errorf("watch %q: %w", entry.Name, err)
		}
		w.logger.Info("watching directory",
			"watch", entry.Name,
			"path", entry.dir,
			"patterns", entry.Patterns,
			"pipeline", entry.Pipeline,
		)
	}

	w.wg.Add(1)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching, cancels pending debounced submissions and releases
// the underlying fsnotify handle, whether or not Start ever succeeded. A
// stopped watcher cannot be restarted.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	wasRunning := w.running
	w.running = false
	for key, timer := range w.pending {
		timer.Stop()
		delete(w.pending, key)
	}
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// IsRunning returns whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handle(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-w.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(ctx context.Context, name string) {
	path, err := filepath.Abs(name)
	if err != nil {
		return
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return
	}

	dir := filepath.Dir(path)
	for _, entry := range w.watches {
		if entry.dir != dir || !Matches(entry.Patterns, filepath.Base(path)) {
			continue
		}
		w.logger.Debug("file event matched watch", "watch", entry.Name, "file", path)
		w.schedule(ctx, entry, path)
	}
}

// schedule (re)arms the debounce timer for one watch and file.
func (w *Watcher) schedule(ctx context.Context, entry watchEntry, path string) {
	key := entry.Name + "\x00" + path

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.pending[key]; ok {
		timer.Stop()
	}
	w.pending[key] = time.AfterFunc(entry.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, key)
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}

		runID, err := w.firer.fire(ctx, KindWatch, entry.Name, entry.Pipeline, path)
		if err != nil {
			w.logger.Error("watch trigger failed", "watch", entry.Name, "file", path, "error", err)
			return
		}
		w.logger.Info("watch trigger submitted run", "watch", entry.Name, "file", path, "run_id", runID)
	})
}

// Matches reports whether a file name should trigger a watch. Hidden and
// editor temp files never match; an empty pattern list matches everything
// else. Matching is case-insensitive.
func Matches(patterns []string, name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return false
	}
	if len(patterns) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, pattern := range patterns {
		if ok, err := filepath.Match(strings.ToLower(pattern), lower); err == nil && ok {
			return true
		}
	}
	return false
}
