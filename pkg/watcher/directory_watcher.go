package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DirectoryWatcher owns the fsnotify subscription for one directory and turns
// its raw events into semantic events for the targets registered there.
//
// Raw events are handled one at a time on a single goroutine. Deletions are
// held back for RenameWindow+DeleteSlack so that a following create with the
// same content hash can be reported as a rename instead.
type DirectoryWatcher struct {
	dir     string
	manager *Manager
	fsw     *fsnotify.Watcher
	logger  *logrus.Entry

	window time.Duration
	slack  time.Duration
	now    func() time.Time

	mu    sync.Mutex
	index map[string][]*Target
	state *metadataStore

	expired  chan expiry
	sched    *deleteScheduler
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	closeErr error
}

func newDirectoryWatcher(dir string, m *Manager) (*DirectoryWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watching directory %s: not a directory", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &DirectoryWatcher{
		dir:     dir,
		manager: m,
		fsw:     fsw,
		logger:  m.logger.WithField("dir", dir),
		window:  m.cfg.RenameWindow,
		slack:   m.cfg.DeleteSlack,
		now:     time.Now,
		index:   make(map[string][]*Target),
		state:   newMetadataStore(),
		expired: make(chan expiry, 64),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	w.sched = newDeleteScheduler(w.window+w.slack, w.expired, w.done)
	w.scan()
	return w, nil
}

// Dir returns the watched directory.
func (w *DirectoryWatcher) Dir() string {
	return w.dir
}

// Stopped reports whether the watcher has been shut down.
func (w *DirectoryWatcher) Stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// TargetCount returns the number of registered targets.
func (w *DirectoryWatcher) TargetCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, targets := range w.index {
		n += len(targets)
	}
	return n
}

// Filenames returns the watched filenames.
func (w *DirectoryWatcher) Filenames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.index))
	for name := range w.index {
		names = append(names, name)
	}
	return names
}

// Metadata returns the last observed state of name.
func (w *DirectoryWatcher) Metadata(name string) (FileMetadata, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.get(name)
}

// PendingDeletions returns the number of deletions waiting for correlation.
func (w *DirectoryWatcher) PendingDeletions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.pendingCount()
}

// scan records metadata for the files already present in the directory.
func (w *DirectoryWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to scan directory")
		return
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		hash, err := HashFile(path)
		if err != nil {
			w.manager.recorder.RecordHashFailure()
		}
		w.state.update(entry.Name(), info.Size(), hash)
	}
}

func (w *DirectoryWatcher) start() {
	w.manager.recorder.RecordWatcherStarted()
	go w.run()
}

func (w *DirectoryWatcher) run() {
	defer close(w.exited)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				w.fail(errors.New("event channel closed"))
				return
			}
			w.handleRaw(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.fail(errors.New("error channel closed"))
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.WithError(err).Warn("File watcher dropped events")
				continue
			}
			w.logger.WithError(err).Error("File watcher error")

		case exp := <-w.expired:
			w.handleExpiry(exp)
		}
	}
}

// fail handles the subscription going away without stop being called.
func (w *DirectoryWatcher) fail(err error) {
	select {
	case <-w.done:
		return
	default:
	}
	w.logger.WithError(err).Error("File watcher stopped unexpectedly")
	w.manager.evict(w)
	w.stop()
}

// stop closes the subscription and cancels pending deletion checks. It does
// not wait for the loop to exit, so it is safe to call from a handler.
func (w *DirectoryWatcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.sched.stop()
		if err := w.fsw.Close(); err != nil {
			w.closeErr = fmt.Errorf("closing watcher for %s: %w", w.dir, err)
		}
		w.manager.recorder.RecordWatcherStopped()
	})
}

func (w *DirectoryWatcher) wait() {
	<-w.exited
}

func (w *DirectoryWatcher) add(t *Target) {
	name := t.name()
	hash := t.LastContentHash()
	var size int64
	if info, err := os.Stat(t.Path()); err == nil {
		size = info.Size()
	} else {
		hash = ""
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.index[name] {
		if existing == t {
			return
		}
	}
	w.index[name] = append(w.index[name], t)
	if hash != "" {
		w.state.seed(name, size, hash)
	}
}

// remove drops t from the index and reports whether the index is now empty.
func (w *DirectoryWatcher) remove(t *Target) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(t, t.name())
	return len(w.index) == 0
}

func (w *DirectoryWatcher) removeLocked(t *Target, name string) {
	targets := w.index[name]
	for i, existing := range targets {
		if existing == t {
			targets = append(targets[:i:i], targets[i+1:]...)
			break
		}
	}
	if len(targets) == 0 {
		delete(w.index, name)
		return
	}
	w.index[name] = targets
}

// move re-files t under a new name. The target's path is swapped while the
// index lock is held so dispatch never sees a half-moved target.
func (w *DirectoryWatcher) move(t *Target, newPath string) {
	oldName := t.name()
	newName := filepath.Base(newPath)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(t, oldName)
	t.setPath(newPath)
	w.index[newName] = append(w.index[newName], t)
}

func (w *DirectoryWatcher) targets() []*Target {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*Target
	for _, targets := range w.index {
		out = append(out, targets...)
	}
	return out
}

func (w *DirectoryWatcher) targetsFor(name string) []*Target {
	w.mu.Lock()
	defer w.mu.Unlock()
	targets := w.index[name]
	if len(targets) == 0 {
		return nil
	}
	return append([]*Target(nil), targets...)
}

func (w *DirectoryWatcher) watchedLocked(name string) bool {
	return len(w.index[name]) > 0
}

func (w *DirectoryWatcher) handleRaw(event fsnotify.Event) {
	if filepath.Dir(event.Name) != w.dir {
		return
	}
	name := filepath.Base(event.Name)

	w.flushExpired()

	if event.Has(fsnotify.Create) {
		w.handleCreate(name)
	}
	if event.Has(fsnotify.Write) {
		w.handleModify(name)
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.handleDelete(name)
	}
}

func (w *DirectoryWatcher) handleCreate(name string) {
	path := filepath.Join(w.dir, name)
	if isDir(path) {
		return
	}

	snap := w.manager.hasher.Snapshot(path)
	if snap.Exists && snap.Hash == "" {
		w.manager.recorder.RecordHashFailure()
	}
	now := w.now()

	w.mu.Lock()
	rec, renamed := w.state.matchRename(snap.Hash, now, w.window, w.watchedLocked)
	if renamed {
		w.state.takePending(rec.Name, rec.seq)
	}
	// A deletion of this very name that did not match is resolved before its
	// replacement shows up.
	stale, hadStale := w.state.takePending(name, 0)
	if snap.Exists {
		w.state.update(name, snap.Size, snap.Hash)
	}
	w.mu.Unlock()

	if hadStale {
		w.sched.cancel(name)
		w.dispatchDeleted(stale)
	}

	if renamed {
		w.sched.cancel(rec.Name)
		w.manager.recorder.RecordRenameCorrelated()
		w.dispatchRenamed(rec, path, snap)
		return
	}

	w.dispatch(Event{
		Kind:    Created,
		Path:    path,
		Size:    snap.Size,
		HasSize: snap.Exists,
	}, name, snap)
}

func (w *DirectoryWatcher) handleModify(name string) {
	path := filepath.Join(w.dir, name)
	if isDir(path) {
		return
	}

	snap := w.manager.hasher.Snapshot(path)
	if !snap.Exists {
		// Gone again; the removal event will follow.
		return
	}
	if snap.Hash == "" {
		w.manager.recorder.RecordHashFailure()
	}

	w.mu.Lock()
	w.state.update(name, snap.Size, snap.Hash)
	w.mu.Unlock()

	w.dispatch(Event{Kind: Modified, Path: path}, name, snap)
}

func (w *DirectoryWatcher) handleDelete(name string) {
	w.mu.Lock()
	rec := w.state.recordDeletion(name, w.now())
	w.mu.Unlock()

	w.sched.schedule(name, rec.seq)
}

func (w *DirectoryWatcher) handleExpiry(exp expiry) {
	w.mu.Lock()
	rec, ok := w.state.takePending(exp.name, exp.seq)
	w.mu.Unlock()

	if ok {
		w.dispatchDeleted(rec)
	}
}

// flushExpired reports deletions whose window has fully passed. Normally the
// timer does this first; it matters when the loop has fallen behind.
func (w *DirectoryWatcher) flushExpired() {
	w.mu.Lock()
	recs := w.state.expired(w.now(), w.window+w.slack)
	w.mu.Unlock()

	for _, rec := range recs {
		w.sched.cancel(rec.Name)
		w.dispatchDeleted(rec)
	}
}

func (w *DirectoryWatcher) dispatchDeleted(rec DeletionRecord) {
	w.dispatch(Event{
		Kind:    DeletedOrMoved,
		Path:    filepath.Join(w.dir, rec.Name),
		Size:    rec.Size,
		HasSize: true,
	}, rec.Name, Snapshot{})
}

func (w *DirectoryWatcher) dispatchRenamed(rec DeletionRecord, newPath string, snap Snapshot) {
	oldPath := filepath.Join(w.dir, rec.Name)
	targets := w.targetsFor(rec.Name)
	if len(targets) == 0 {
		return
	}

	ev := Event{
		Kind:    Renamed,
		Dir:     w.dir,
		Path:    oldPath,
		Time:    w.now(),
		OldName: rec.Name,
		NewPath: newPath,
	}
	w.manager.emit(ev)

	for _, t := range targets {
		if !t.deliver(ev, snap) {
			continue
		}
		if newPath == oldPath || !t.AutoFollowRename() || !t.Active() || t.Path() != oldPath {
			continue
		}
		if err := w.manager.Retarget(t, newPath); err != nil {
			w.logger.WithError(err).WithField("target", oldPath).Warn("Failed to follow rename")
		}
	}
}

func (w *DirectoryWatcher) dispatch(ev Event, name string, snap Snapshot) {
	targets := w.targetsFor(name)
	if len(targets) == 0 {
		return
	}

	ev.Dir = w.dir
	ev.Time = w.now()
	w.manager.emit(ev)

	for _, t := range targets {
		t.deliver(ev, snap)
	}
}

func isDir(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}
