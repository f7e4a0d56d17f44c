// Package journal keeps a durable, append-only record of semantic file events.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/sirupsen/logrus"

	"github.com/NekoEpisode/FileXE/pkg/watcher"
)

// ErrClosed is returned by operations on a closed Journal.
var ErrClosed = errors.New("journal closed")

// Record is one journaled event. File contents are never stored.
type Record struct {
	Index   uint64    `json:"-"`
	Kind    string    `json:"kind"`
	Dir     string    `json:"dir"`
	Path    string    `json:"path"`
	Time    time.Time `json:"time"`
	Size    int64     `json:"size,omitempty"`
	HasSize bool      `json:"has_size,omitempty"`
	OldName string    `json:"old_name,omitempty"`
	NewPath string    `json:"new_path,omitempty"`
}

// Journal appends records to a raft.LogStore. Entries are numbered from 1.
type Journal struct {
	store  raft.LogStore
	logger *logrus.Logger

	mu     sync.Mutex
	last   uint64
	closed bool
}

// Open creates or reopens a BoltDB-backed journal at path.
func Open(path string, logger *logrus.Logger) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}

	j, err := New(store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an existing log store, continuing after its last entry.
func New(store raft.LogStore, logger *logrus.Logger) (*Journal, error) {
	if store == nil {
		return nil, fmt.Errorf("log store cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}

	last, err := store.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("reading last index: %w", err)
	}

	return &Journal{store: store, logger: logger, last: last}, nil
}

// Append records ev. It satisfies watcher.EventSink.
func (j *Journal) Append(ev watcher.Event) error {
	rec := Record{
		Kind:    ev.Kind.String(),
		Dir:     ev.Dir,
		Path:    ev.Path,
		Time:    ev.Time,
		Size:    ev.Size,
		HasSize: ev.HasSize,
		OldName: ev.OldName,
		NewPath: ev.NewPath,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	entry := &raft.Log{
		Index:      j.last + 1,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: time.Now(),
	}
	if err := j.store.StoreLog(entry); err != nil {
		return fmt.Errorf("storing entry %d: %w", entry.Index, err)
	}
	j.last = entry.Index

	j.logger.WithFields(logrus.Fields{
		"index": entry.Index,
		"kind":  rec.Kind,
		"path":  rec.Path,
	}).Debug("Journaled event")
	return nil
}

// Entries returns up to limit records starting at index from. A limit of zero
// or less returns everything after from.
func (j *Journal) Entries(from uint64, limit int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	first, err := j.store.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("reading first index: %w", err)
	}
	if from < first {
		from = first
	}
	if from == 0 {
		from = 1
	}

	var records []Record
	for idx := from; idx <= j.last; idx++ {
		if limit > 0 && len(records) >= limit {
			break
		}
		var entry raft.Log
		if err := j.store.GetLog(idx, &entry); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return nil, fmt.Errorf("reading entry %d: %w", idx, err)
		}
		if entry.Type != raft.LogCommand {
			continue
		}

		var rec Record
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshaling entry %d: %w", idx, err)
		}
		rec.Index = idx
		records = append(records, rec)
	}
	return records, nil
}

// Len returns the number of stored entries.
func (j *Journal) Len() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	first, err := j.store.FirstIndex()
	if err != nil {
		return 0, fmt.Errorf("reading first index: %w", err)
	}
	if first == 0 || j.last < first {
		return 0, nil
	}
	return j.last - first + 1, nil
}

// Truncate drops every entry before index keep.
func (j *Journal) Truncate(keep uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	first, err := j.store.FirstIndex()
	if err != nil {
		return fmt.Errorf("reading first index: %w", err)
	}
	if first == 0 || keep <= first {
		return nil
	}
	if keep > j.last+1 {
		keep = j.last + 1
	}
	if err := j.store.DeleteRange(first, keep-1); err != nil {
		return fmt.Errorf("deleting entries %d-%d: %w", first, keep-1, err)
	}
	return nil
}

// Close releases the underlying store if it can be closed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	if c, ok := j.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("closing journal: %w", err)
		}
	}
	return nil
}
