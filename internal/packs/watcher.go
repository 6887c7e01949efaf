package packs

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gridmind/internal/knowledge"
	"gridmind/internal/logging"
	"gridmind/internal/metrics"
)

// DefaultDebounce batches the rapid event bursts editors produce for a
// single save.
const DefaultDebounce = 500 * time.Millisecond

// settleTick is how often pending events are checked against the debounce
// window.
const settleTick = 100 * time.Millisecond

// Watcher watches a pack directory and queues changed files for reload. The
// watcher goroutine never touches the store: it only marks files dirty, and
// Drain applies them from whichever goroutine owns the store. The runner
// calls Drain between turns, which keeps the single-writer rule intact.
type Watcher struct {
	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	store   *knowledge.Store
	dir     string
	bounce  time.Duration
	pending map[string]time.Time // path -> last event, not yet settled
	dirty   map[string]bool      // settled, awaiting Drain
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stats   WatcherStats
}

// WatcherStats tracks watcher activity for the state command and tests.
type WatcherStats struct {
	Events    int
	Reloads   int
	Errors    int
	LastEvent time.Time
}

// NewWatcher builds a watcher for the pack directory. A non-positive
// debounce gets the default.
func NewWatcher(dir string, store *knowledge.Store, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		fsw:     fsw,
		store:   store,
		dir:     dir,
		bounce:  debounce,
		pending: make(map[string]time.Time),
		dirty:   make(map[string]bool),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs until Stop or the
// context ends. A missing directory fails here rather than silently watching
// nothing.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fsw.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Packs("Watcher: watching %s (debounce %s)", w.dir, w.bounce)

	go w.run(ctx)
	return nil
}

// Stop ends the event loop and closes the underlying watcher. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.fsw.Close(); err != nil {
		logging.PacksWarn("Watcher: close: %v", err)
	}
	logging.Packs("Watcher: stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(settleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.PacksWarn("Watcher: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.settle()
		}
	}
}

// handleEvent queues writes and creates for reload. Removes and renames are
// ignored: deleting a pack never un-seeds knowledge already in the store.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isPackFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEvent = time.Now()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
	logging.PacksDebug("Watcher: %s %s", event.Op, event.Name)
}

// settle promotes pending events older than the debounce window to dirty.
func (w *Watcher) settle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for path, at := range w.pending {
		if now.Sub(at) >= w.bounce {
			delete(w.pending, path)
			w.dirty[path] = true
		}
	}
}

// Drain reloads every settled pack file and returns what the reloads did.
// Must be called from the goroutine that owns the store; between turns in a
// live run, or directly in tests.
func (w *Watcher) Drain() Result {
	w.mu.Lock()
	if len(w.dirty) == 0 {
		w.mu.Unlock()
		return Result{}
	}
	paths := make([]string, 0, len(w.dirty))
	for path := range w.dirty {
		paths = append(paths, path)
	}
	w.dirty = make(map[string]bool)
	w.mu.Unlock()

	var result Result
	for _, path := range paths {
		fr, err := LoadFile(path, w.store)
		if err != nil {
			// File may have been deleted between settle and drain.
			logging.PacksWarn("Drain: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			continue
		}
		result.Add(fr)
		metrics.PackReloads.Inc()
		w.mu.Lock()
		w.stats.Reloads++
		w.mu.Unlock()
	}
	if result.Packs > 0 {
		logging.Packs("Drain: reloaded %d packs (seeded=%d skipped=%d invalid=%d)",
			result.Packs, result.Seeded, result.Skipped, result.Invalid)
	}
	return result
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
