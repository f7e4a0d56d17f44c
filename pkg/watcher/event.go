package watcher

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is a semantic event kind. All is only meaningful as a filter.
type EventKind int

const (
	All EventKind = iota
	Created
	Modified
	DeletedOrMoved
	Renamed
)

var kindNames = map[EventKind]string{
	All:            "all",
	Created:        "created",
	Modified:       "modified",
	DeletedOrMoved: "deleted_or_moved",
	Renamed:        "renamed",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Matches reports whether an event of kind other passes this filter.
func (k EventKind) Matches(other EventKind) bool {
	return k == All || k == other
}

// ParseEventKind parses the names produced by EventKind.String.
// "deleted", "delete" and "moved" are accepted for DeletedOrMoved.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return All, nil
	case "created", "create":
		return Created, nil
	case "modified", "modify":
		return Modified, nil
	case "deleted_or_moved", "deleted", "delete", "moved":
		return DeletedOrMoved, nil
	case "renamed", "rename":
		return Renamed, nil
	}
	return All, fmt.Errorf("unknown event kind %q", s)
}

// Event is a semantic file event delivered to a Target.
//
// Field use by kind:
//   - Created: Size, HasSize (false if the file vanished before it was stat'ed)
//   - Modified: OldContent, NewContent (both nil above the cache limit)
//   - DeletedOrMoved: Size (last known size)
//   - Renamed: OldName, NewPath
type Event struct {
	Kind EventKind
	Dir  string
	Path string // the target's path when the event was dispatched
	Time time.Time

	Size    int64
	HasSize bool

	OldContent []byte
	NewContent []byte

	OldName string
	NewPath string
}

// Handler receives events for a Target. It runs on the directory's watcher
// goroutine and should return quickly.
type Handler func(Event) error

// FailureHandler is told about handler errors and panics.
type FailureHandler func(t *Target, ev Event, err error)

// Recorder observes watcher activity. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordEvent(kind EventKind)
	RecordRenameCorrelated()
	RecordHandlerFailure()
	RecordHashFailure()
	RecordWatcherStarted()
	RecordWatcherStopped()
}

// EventSink receives one copy of every dispatched semantic event per directory.
type EventSink interface {
	Append(ev Event) error
}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(EventKind)   {}
func (nopRecorder) RecordRenameCorrelated() {}
func (nopRecorder) RecordHandlerFailure()   {}
func (nopRecorder) RecordHashFailure()      {}
func (nopRecorder) RecordWatcherStarted()   {}
func (nopRecorder) RecordWatcherStopped()   {}
