package router

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/grimoirehq/grimoire/internal/resolver"
	"github.com/grimoirehq/grimoire/internal/spellconfig"
)

// StabilityWindow coalesces rapid writes from an editor save into one
// event; PerFileDebounce further collapses repeated reindex work for the
// same file within a short span (§4.6).
const (
	StabilityWindow = 300 * time.Millisecond
	PerFileDebounce = 500 * time.Millisecond
)

// LifecycleKiller is the subset of spawn.Manager the watcher needs to
// tear down an active spell whose config changed or disappeared.
type LifecycleKiller interface {
	IsActive(name string) bool
	Kill(name string)
}

// Watcher watches a spell directory and keeps the resolver and router in
// sync with *.spell.yaml add/change/unlink events.
type Watcher struct {
	dir        string
	router     *Router
	resolver   *resolver.Resolver
	lifecycle  LifecycleKiller
	onToolsChanged func()
	logger     *slog.Logger

	fsw        *fsnotify.Watcher
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	lastProcessed map[string]time.Time
	nameByPath    map[string]string
}

// NewWatcher builds a Watcher over dir. onToolsChanged, if non-nil, is
// invoked whenever an active spell's tool set is unregistered due to a
// change or unlink event (the "notify the host of a tool-list change"
// step in §4.6).
func NewWatcher(dir string, router *Router, res *resolver.Resolver, lifecycle LifecycleKiller, onToolsChanged func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:            dir,
		router:         router,
		resolver:       res,
		lifecycle:      lifecycle,
		onToolsChanged: onToolsChanged,
		logger:         logger.With("component", "router.watcher"),
		timers:         make(map[string]*time.Timer),
		lastProcessed:  make(map[string]time.Time),
		nameByPath:     make(map[string]string),
	}
}

// Start begins watching. After stop() (Close), no further events fire
// and all debounce timers are cancelled (§4.6).
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops the watcher and cancels every pending debounce timer.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()

	w.timersMu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.timersMu.Unlock()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !spellconfig.IsSpellFile(event.Name) {
				continue
			}
			w.scheduleStabilized(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// scheduleStabilized implements the stability window: each new event for
// a path resets its timer; only after StabilityWindow elapses with no
// further writes does the per-file debounce fire.
func (w *Watcher) scheduleStabilized(event fsnotify.Event) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	path := event.Name
	if t, exists := w.timers[path]; exists {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(StabilityWindow, func() {
		w.handleStabilizedEvent(path, event.Op)
	})
}

func (w *Watcher) handleStabilizedEvent(path string, op fsnotify.Op) {
	w.timersMu.Lock()
	delete(w.timers, path)
	if since := time.Since(w.lastProcessed[path]); since < PerFileDebounce {
		w.timers[path] = time.AfterFunc(PerFileDebounce-since, func() {
			w.handleStabilizedEvent(path, op)
		})
		w.timersMu.Unlock()
		return
	}
	w.lastProcessed[path] = time.Now()
	w.timersMu.Unlock()

	name := spellNameFromPath(path)

	if op&fsnotify.Remove != 0 || op&fsnotify.Rename != 0 {
		if _, err := os.Stat(path); err != nil {
			w.handleUnlink(name)
			return
		}
	}

	cfg, err := spellconfig.LoadFile(path)
	if err != nil {
		w.logger.Warn("failed to load spell file on change", "path", path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("invalid spell file on change", "path", path, "error", err)
		return
	}

	w.timersMu.Lock()
	_, wasKnown := w.nameByPath[path]
	w.nameByPath[path] = cfg.Name
	w.timersMu.Unlock()

	if !wasKnown {
		w.handleAdd(cfg)
		return
	}
	w.handleChange(cfg)
}

func (w *Watcher) handleAdd(cfg *spellconfig.SpellConfig) {
	if err := w.resolver.Index(cfg); err != nil {
		w.logger.Error("failed to index new spell", "spell", cfg.Name, "error", err)
	}
}

func (w *Watcher) handleChange(cfg *spellconfig.SpellConfig) {
	if w.lifecycle.IsActive(cfg.Name) {
		w.lifecycle.Kill(cfg.Name)
		w.router.UnregisterTools(cfg.Name)
		w.notifyToolsChanged()
	}
	if err := w.resolver.Remove(cfg.Name); err != nil {
		w.logger.Warn("failed to remove spell before reindex", "spell", cfg.Name, "error", err)
	}
	if err := w.resolver.Index(cfg); err != nil {
		w.logger.Error("failed to reindex changed spell", "spell", cfg.Name, "error", err)
	}
}

func (w *Watcher) handleUnlink(name string) {
	if name == "" {
		return
	}
	if w.lifecycle.IsActive(name) {
		w.lifecycle.Kill(name)
		w.router.UnregisterTools(name)
		w.notifyToolsChanged()
	}
	if err := w.resolver.Remove(name); err != nil {
		w.logger.Warn("failed to remove unlinked spell", "spell", name, "error", err)
	}
}

func (w *Watcher) notifyToolsChanged() {
	if w.onToolsChanged != nil {
		w.onToolsChanged()
	}
}

func spellNameFromPath(path string) string {
	base := filepath.Base(path)
	if !spellconfig.IsSpellFile(base) {
		return ""
	}
	return base[:len(base)-len(".spell.yaml")]
}
