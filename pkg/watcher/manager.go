package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRenameWindow is how long a deletion may be matched with a create.
	DefaultRenameWindow = 500 * time.Millisecond
	// DefaultDeleteSlack is added to the window before a deletion is reported.
	DefaultDeleteSlack = 100 * time.Millisecond
	// NoDeleteSlack reports deletions as soon as the window closes.
	NoDeleteSlack time.Duration = -1
)

// ErrManagerClosed is returned when registering with a closed Manager.
var ErrManagerClosed = errors.New("watcher manager closed")

// Config holds configuration for a Manager.
type Config struct {
	CacheLimit   int64
	RenameWindow time.Duration
	// DeleteSlack of zero selects DefaultDeleteSlack; NoDeleteSlack disables it.
	DeleteSlack time.Duration
	Logger      *logrus.Logger

	// OnFailure is called when a handler returns an error or panics.
	// The default logs the failure.
	OnFailure FailureHandler
	Recorder  Recorder
	Sink      EventSink
}

func (cfg Config) withDefaults() Config {
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = DefaultCacheLimit
	}
	if cfg.RenameWindow <= 0 {
		cfg.RenameWindow = DefaultRenameWindow
	}
	switch {
	case cfg.DeleteSlack == 0:
		cfg.DeleteSlack = DefaultDeleteSlack
	case cfg.DeleteSlack < 0:
		cfg.DeleteSlack = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return cfg
}

// Manager is the registry of directory watchers. It creates a watcher when
// the first target for a directory registers and stops it when the last one
// leaves, so there is at most one watcher per directory.
type Manager struct {
	cfg       Config
	hasher    Hasher
	logger    *logrus.Logger
	recorder  Recorder
	onFailure FailureHandler

	mu       sync.Mutex
	watchers map[string]*DirectoryWatcher
	closed   bool
}

// NewManager creates an empty registry.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		hasher:   Hasher{Limit: cfg.CacheLimit},
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		watchers: make(map[string]*DirectoryWatcher),
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	m.onFailure = cfg.OnFailure
	if m.onFailure == nil {
		m.onFailure = m.logFailure
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Register attaches t to the watcher for its directory, creating the watcher
// if needed. Errors opening the subscription are returned to the caller.
func (m *Manager) Register(t *Target) error {
	if t == nil || t.manager != m {
		return fmt.Errorf("target does not belong to this manager")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerLocked(t)
}

func (m *Manager) registerLocked(t *Target) error {
	if m.closed {
		return ErrManagerClosed
	}
	// A Stop that ran after Start flipped the flag wins.
	if !t.Active() {
		return nil
	}

	dir := t.dir()
	w, ok := m.watchers[dir]
	if !ok {
		var err error
		w, err = newDirectoryWatcher(dir, m)
		if err != nil {
			return fmt.Errorf("registering %s: %w", t.Path(), err)
		}
		m.watchers[dir] = w
		w.start()
		m.logger.WithField("dir", dir).Debug("Directory watcher started")
	}
	w.add(t)
	return nil
}

// Unregister detaches a stopped target. The directory's watcher is stopped
// once it has no targets left.
func (m *Manager) Unregister(t *Target) {
	if t == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Started again before we got here; that Start owns the registration.
	if t.Active() {
		return
	}
	m.unregisterLocked(t)
}

func (m *Manager) unregisterLocked(t *Target) {
	dir := t.dir()
	w, ok := m.watchers[dir]
	if !ok {
		return
	}
	if w.remove(t) {
		w.stop()
		delete(m.watchers, dir)
		m.logger.WithField("dir", dir).Debug("Directory watcher stopped")
	}
}

// Retarget points t at newPath. Within one directory only the filename index
// changes. Across directories t is unregistered and registered again; events
// arriving between the two steps are not observed.
func (m *Manager) Retarget(t *Target, newPath string) error {
	if t == nil || t.manager != m {
		return fmt.Errorf("target does not belong to this manager")
	}
	abs, err := filepath.Abs(newPath)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", newPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !t.Active() {
		t.setPath(abs)
		t.refreshCache()
		return nil
	}

	oldDir := t.dir()
	if oldDir == filepath.Dir(abs) {
		if w, ok := m.watchers[oldDir]; ok {
			w.move(t, abs)
		} else {
			t.setPath(abs)
		}
		t.refreshCache()
		return nil
	}

	m.unregisterLocked(t)
	t.setPath(abs)
	t.refreshCache()
	if err := m.registerLocked(t); err != nil {
		t.mu.Lock()
		t.active = false
		t.mu.Unlock()
		return err
	}
	return nil
}

// Watcher returns the running watcher for dir.
func (m *Manager) Watcher(dir string) (*DirectoryWatcher, bool) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watchers[abs]
	return w, ok
}

// Directories returns the watched directories in sorted order.
func (m *Manager) Directories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirs := make([]string, 0, len(m.watchers))
	for dir := range m.watchers {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// WatcherCount returns the number of running directory watchers.
func (m *Manager) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Close stops every watcher and deactivates their targets. It must not be
// called from a Handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	watchers := make([]*DirectoryWatcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*DirectoryWatcher)
	m.mu.Unlock()

	var g errgroup.Group
	for _, w := range watchers {
		w := w
		g.Go(func() error {
			for _, t := range w.targets() {
				t.mu.Lock()
				t.active = false
				t.mu.Unlock()
			}
			w.stop()
			w.wait()
			return w.closeErr
		})
	}
	return g.Wait()
}

// evict removes a watcher whose loop died on its own.
func (m *Manager) evict(w *DirectoryWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchers[w.dir] == w {
		delete(m.watchers, w.dir)
	}
}

func (m *Manager) emit(ev Event) {
	m.recorder.RecordEvent(ev.Kind)
	if m.cfg.Sink == nil {
		return
	}
	if err := m.cfg.Sink.Append(ev); err != nil {
		m.logger.WithError(err).WithField("path", ev.Path).Warn("Failed to record event")
	}
}

func (m *Manager) invoke(t *Target, ev Event) {
	err := callHandler(t.handler, ev)
	if err == nil {
		return
	}
	m.recorder.RecordHandlerFailure()
	m.onFailure(t, ev, err)
}

func (m *Manager) logFailure(t *Target, ev Event, err error) {
	m.logger.WithError(err).WithFields(logrus.Fields{
		"target": t.Path(),
		"event":  ev.Kind.String(),
	}).Error("Event handler failed")
}

func callHandler(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}
