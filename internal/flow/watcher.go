package flow

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/maxthelion/octopoid/internal/logging"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher reloads a flow directory's cached *Flow set whenever a *.yml/*.yaml
// file under it changes, so a running scheduler picks up edited flows
// between ticks without a restart. A tick always reads the currently cached
// set, never triggers a reload itself — reloads happen off the tick path.
type Watcher struct {
	dir        string
	steps      StepRegistry
	blueprints BlueprintSet
	logger     logging.Logger
	debounce   time.Duration

	mu      sync.RWMutex
	current map[string]*Flow
	lastErr error

	watcher  *fsnotify.Watcher
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
	updates  chan struct{}
	running  atomic.Bool
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce overrides the default debounce window.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger attaches a logger for reload diagnostics.
func WithWatchLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logging.OrNop(logger)
	}
}

// NewWatcher loads dir once and returns a Watcher primed with that result.
// The initial load's error (if any) is returned immediately; a flow
// directory must be valid before the scheduler starts.
func NewWatcher(dir string, steps StepRegistry, blueprints BlueprintSet, opts ...WatcherOption) (*Watcher, error) {
	dir = filepath.Clean(dir)
	w := &Watcher{
		dir:        dir,
		steps:      steps,
		blueprints: blueprints,
		logger:     logging.Nop,
		debounce:   defaultWatchDebounce,
		stopCh:     make(chan struct{}),
		updates:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	flows, err := LoadDir(dir, steps, blueprints)
	if err != nil {
		return nil, err
	}
	w.current = flows
	return w, nil
}

// Flows returns the currently cached, validated flow set. Safe to call from
// any goroutine, including mid-tick.
func (w *Watcher) Flows() map[string]*Flow {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]*Flow, len(w.current))
	for k, v := range w.current {
		out[k] = v
	}
	return out
}

// Updates signals once per successful reload. Buffered 1; a consumer that
// misses a tick still observes the next signal.
func (w *Watcher) Updates() <-chan struct{} {
	return w.updates
}

// Start begins watching the flow directory for changes. A reload that fails
// validation is logged and the previously-cached flow set is kept — a
// broken edit never takes down a running scheduler, it only fails to apply.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("watch flow dir %s: %w", w.dir, err)
	}
	if err := fsWatcher.Add(w.dir); err != nil {
		_ = fsWatcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watch flow dir %s: %w", w.dir, err)
	}
	w.watcher = fsWatcher

	w.goSupervised("flow.watch", w.loop)
	if ctx != nil {
		w.goSupervised("flow.watch.ctx", func() {
			<-ctx.Done()
			w.Stop()
		})
	}
	return nil
}

// goSupervised runs fn in a goroutine that must never be allowed to take
// the scheduler down: the watcher's loop is background housekeeping, not
// part of any tick, so a bug in fsnotify's event handling should degrade to
// "flows stop reloading" (observable in the error log) rather than crash
// the process mid-tick.
func (w *Watcher) goSupervised(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("flow watcher goroutine [%s] panicked: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}

// Stop terminates the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("flow watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := event.Name
	if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
	w.mu.Unlock()
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	flows, err := LoadDir(w.dir, w.steps, w.blueprints)
	if err != nil {
		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()
		w.logger.Warn("flow reload failed, keeping previous flow set: %v", err)
		return
	}
	w.mu.Lock()
	w.current = flows
	w.lastErr = nil
	w.mu.Unlock()
	select {
	case w.updates <- struct{}{}:
	default:
	}
}

// LastError returns the error from the most recent failed reload attempt,
// or nil if the last reload (or the initial load) succeeded.
func (w *Watcher) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}
