package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watchAll(string) bool { return true }

func TestMetadataStore_RecordDeletionMovesMetadata(t *testing.T) {
	s := newMetadataStore()
	now := time.Now()

	s.update("a.txt", 5, "hash-a")
	rec := s.recordDeletion("a.txt", now)

	_, ok := s.get("a.txt")
	assert.False(t, ok, "metadata is removed on delete")
	assert.Equal(t, "a.txt", rec.Name)
	assert.Equal(t, int64(5), rec.Size)
	assert.Equal(t, "hash-a", rec.ContentHash)
	assert.Equal(t, 1, s.pendingCount())
}

func TestMetadataStore_RecordDeletionUnknownFile(t *testing.T) {
	s := newMetadataStore()
	rec := s.recordDeletion("ghost", time.Now())

	assert.Equal(t, int64(0), rec.Size)
	assert.Empty(t, rec.ContentHash)
}

func TestMetadataStore_OneRecordPerName(t *testing.T) {
	s := newMetadataStore()
	now := time.Now()

	first := s.recordDeletion("a", now)
	second := s.recordDeletion("a", now.Add(time.Millisecond))

	assert.Equal(t, 1, s.pendingCount())
	_, ok := s.takePending("a", first.seq)
	assert.False(t, ok, "stale sequence must not consume the newer record")

	rec, ok := s.takePending("a", second.seq)
	require.True(t, ok)
	assert.Equal(t, second.Timestamp, rec.Timestamp)
	assert.Equal(t, 0, s.pendingCount())
}

func TestMetadataStore_Seed(t *testing.T) {
	s := newMetadataStore()
	s.seed("a", 1, "h1")
	s.seed("a", 2, "h2")

	meta, ok := s.get("a")
	require.True(t, ok)
	assert.Equal(t, FileMetadata{Size: 1, ContentHash: "h1"}, meta)
}

func TestMetadataStore_MatchRename(t *testing.T) {
	base := time.Now()
	window := 500 * time.Millisecond

	tests := []struct {
		name    string
		setup   func(s *metadataStore)
		hash    string
		now     time.Time
		watched func(string) bool
		want    string
		found   bool
	}{
		{
			name: "match_within_window",
			setup: func(s *metadataStore) {
				s.update("x.off", 5, "h")
				s.recordDeletion("x.off", base)
			},
			hash: "h", now: base.Add(100 * time.Millisecond),
			watched: watchAll, want: "x.off", found: true,
		},
		{
			name: "outside_window",
			setup: func(s *metadataStore) {
				s.update("x.off", 5, "h")
				s.recordDeletion("x.off", base)
			},
			hash: "h", now: base.Add(window + time.Millisecond),
			watched: watchAll,
		},
		{
			name: "different_hash",
			setup: func(s *metadataStore) {
				s.update("x.off", 5, "h")
				s.recordDeletion("x.off", base)
			},
			hash: "other", now: base, watched: watchAll,
		},
		{
			name: "empty_hash_never_matches",
			setup: func(s *metadataStore) {
				s.recordDeletion("x.off", base)
			},
			hash: "", now: base, watched: watchAll,
		},
		{
			name: "unwatched_name_ignored",
			setup: func(s *metadataStore) {
				s.update("x.off", 5, "h")
				s.recordDeletion("x.off", base)
			},
			hash: "h", now: base,
			watched: func(string) bool { return false },
		},
		{
			name: "same_name_matches_itself",
			setup: func(s *metadataStore) {
				s.update("x.off", 5, "h")
				s.recordDeletion("x.off", base)
			},
			hash: "h", now: base, watched: watchAll, want: "x.off", found: true,
		},
		{
			name: "most_recent_wins",
			setup: func(s *metadataStore) {
				s.update("old", 5, "h")
				s.update("new", 5, "h")
				s.recordDeletion("old", base)
				s.recordDeletion("new", base.Add(50*time.Millisecond))
			},
			hash: "h", now: base.Add(100 * time.Millisecond),
			watched: watchAll, want: "new", found: true,
		},
		{
			name: "tie_broken_by_name",
			setup: func(s *metadataStore) {
				s.update("b", 5, "h")
				s.update("a", 5, "h")
				s.recordDeletion("b", base)
				s.recordDeletion("a", base)
			},
			hash: "h", now: base,
			watched: watchAll, want: "a", found: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMetadataStore()
			tt.setup(s)

			rec, found := s.matchRename(tt.hash, tt.now, window, tt.watched)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.want, rec.Name)
			}
		})
	}
}

func TestMetadataStore_Expired(t *testing.T) {
	s := newMetadataStore()
	base := time.Now()

	s.recordDeletion("first", base)
	s.recordDeletion("second", base.Add(10*time.Millisecond))
	s.recordDeletion("fresh", base.Add(time.Second))

	recs := s.expired(base.Add(700*time.Millisecond), 600*time.Millisecond)
	require.Len(t, recs, 2)
	assert.Equal(t, "first", recs[0].Name)
	assert.Equal(t, "second", recs[1].Name)
	assert.Equal(t, 1, s.pendingCount())
}
