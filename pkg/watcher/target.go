package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Target is a subscription to semantic events for a single file.
//
// A Target starts inactive. Start registers it with its Manager and Stop
// removes it again; both are idempotent.
type Target struct {
	manager  *Manager
	interest EventKind
	handler  Handler

	autoFollow atomic.Bool

	mu          sync.Mutex
	path        string
	active      bool
	lastContent []byte
	lastHash    string
}

// NewTarget creates an inactive target for path. Events whose kind passes the
// interest filter are delivered to handler.
func (m *Manager) NewTarget(path string, interest EventKind, handler Handler) (*Target, error) {
	if path == "" {
		return nil, fmt.Errorf("target path cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("target handler cannot be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	t := &Target{
		manager:  m,
		interest: interest,
		handler:  handler,
		path:     abs,
	}
	t.autoFollow.Store(true)
	return t, nil
}

// Start activates the target, primes its content cache and registers it.
// Start and Stop may race; the Manager consults the active flag under its own
// lock, so whichever call flipped the flag last decides the registration.
func (t *Target) Start() error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = true
	t.mu.Unlock()

	t.refreshCache()

	if err := t.manager.Register(t); err != nil {
		t.mu.Lock()
		t.active = false
		t.mu.Unlock()
		return err
	}
	return nil
}

// Stop deactivates the target and unregisters it.
func (t *Target) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()

	t.manager.Unregister(t)
}

// SetAutoFollowRename controls whether the target moves to the new path after
// a Renamed event. It is on by default.
func (t *Target) SetAutoFollowRename(follow bool) {
	t.autoFollow.Store(follow)
}

// AutoFollowRename reports the current follow policy.
func (t *Target) AutoFollowRename() bool {
	return t.autoFollow.Load()
}

// Path returns the file the target currently tracks.
func (t *Target) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Interest returns the target's event filter.
func (t *Target) Interest() EventKind {
	return t.interest
}

// Active reports whether the target is started.
func (t *Target) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// LastContentHash returns the hash of the content the target last observed,
// or "" if unknown.
func (t *Target) LastContentHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHash
}

func (t *Target) String() string {
	return fmt.Sprintf("target(%s, %s)", t.Path(), t.interest)
}

func (t *Target) dir() string {
	return filepath.Dir(t.Path())
}

func (t *Target) name() string {
	return filepath.Base(t.Path())
}

// setPath is only called by the Manager with the registry lock held.
func (t *Target) setPath(path string) {
	t.mu.Lock()
	t.path = path
	t.mu.Unlock()
}

func (t *Target) refreshCache() {
	snap := t.manager.hasher.Snapshot(t.Path())
	t.mu.Lock()
	t.lastContent = snap.Content
	t.lastHash = snap.Hash
	t.mu.Unlock()
}

// remember replaces the cached content with snap and returns the previous
// content.
func (t *Target) remember(snap Snapshot) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.lastContent
	t.lastContent = snap.Content
	t.lastHash = snap.Hash
	return old
}

// deliver builds the target's view of ev and invokes the handler if the kind
// passes the filter. It reports whether the handler ran.
func (t *Target) deliver(ev Event, snap Snapshot) bool {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if !active {
		return false
	}

	ev.Path = t.Path()
	switch ev.Kind {
	case Modified:
		old := t.remember(snap)
		if snap.Exists && snap.Content == nil {
			// Above the cache limit neither side is reported.
			old = nil
		}
		ev.OldContent = old
		ev.NewContent = snap.Content
	case Created:
		t.remember(snap)
	}

	if !t.interest.Matches(ev.Kind) {
		return false
	}
	t.manager.invoke(t, ev)
	return true
}
