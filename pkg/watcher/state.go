package watcher

import (
	"sort"
	"time"
)

// FileMetadata is the last observed state of a filename inside one directory.
type FileMetadata struct {
	Size        int64
	ContentHash string
}

// DeletionRecord remembers a just-deleted file so that a following create
// with the same content can be reported as a rename.
type DeletionRecord struct {
	Name        string
	Timestamp   time.Time
	Size        int64
	ContentHash string

	seq uint64
}

// metadataStore holds per-filename metadata and pending deletions for one
// directory. It is not safe for concurrent use; DirectoryWatcher serializes
// access with its mutex.
type metadataStore struct {
	files   map[string]FileMetadata
	pending map[string]DeletionRecord
	lastSeq uint64
}

func newMetadataStore() *metadataStore {
	return &metadataStore{
		files:   make(map[string]FileMetadata),
		pending: make(map[string]DeletionRecord),
	}
}

func (s *metadataStore) update(name string, size int64, hash string) {
	s.files[name] = FileMetadata{Size: size, ContentHash: hash}
}

func (s *metadataStore) get(name string) (FileMetadata, bool) {
	meta, ok := s.files[name]
	return meta, ok
}

// seed records metadata only if nothing is known about name yet.
func (s *metadataStore) seed(name string, size int64, hash string) {
	if _, ok := s.files[name]; ok {
		return
	}
	s.update(name, size, hash)
}

// recordDeletion moves name's metadata into a new deletion record, replacing
// any older record for the same name.
func (s *metadataStore) recordDeletion(name string, now time.Time) DeletionRecord {
	meta := s.files[name]
	delete(s.files, name)

	s.lastSeq++
	rec := DeletionRecord{
		Name:        name,
		Timestamp:   now,
		Size:        meta.Size,
		ContentHash: meta.ContentHash,
		seq:         s.lastSeq,
	}
	s.pending[name] = rec
	return rec
}

// takePending removes and returns the record for name. A non-zero seq must
// match the record's sequence, so a stale timer cannot consume a newer record.
func (s *metadataStore) takePending(name string, seq uint64) (DeletionRecord, bool) {
	rec, ok := s.pending[name]
	if !ok || (seq != 0 && rec.seq != seq) {
		return DeletionRecord{}, false
	}
	delete(s.pending, name)
	return rec, true
}

// matchRename finds the pending deletion that a new file with the given hash
// most plausibly came from: within window, identical hash and still watched.
// The record may carry the new file's own name, which is how a save that
// replaces the file shows up. The most recent record wins; equal timestamps fall back to
// the smaller name so the choice is deterministic.
func (s *metadataStore) matchRename(hash string, now time.Time, window time.Duration, watched func(string) bool) (DeletionRecord, bool) {
	if hash == "" {
		return DeletionRecord{}, false
	}

	var best DeletionRecord
	found := false
	for name, rec := range s.pending {
		if rec.ContentHash != hash {
			continue
		}
		if now.Sub(rec.Timestamp) > window {
			continue
		}
		if !watched(name) {
			continue
		}
		if !found || rec.Timestamp.After(best.Timestamp) ||
			(rec.Timestamp.Equal(best.Timestamp) && name < best.Name) {
			best = rec
			found = true
		}
	}
	return best, found
}

// expired removes and returns records older than age, oldest first.
func (s *metadataStore) expired(now time.Time, age time.Duration) []DeletionRecord {
	var out []DeletionRecord
	for name, rec := range s.pending {
		if now.Sub(rec.Timestamp) > age {
			out = append(out, rec)
			delete(s.pending, name)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}

func (s *metadataStore) pendingCount() int {
	return len(s.pending)
}
