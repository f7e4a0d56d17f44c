package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NekoEpisode/FileXE/pkg/watcher"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func sampleEvents() []watcher.Event {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return []watcher.Event{
		{Kind: watcher.Created, Dir: "/g", Path: "/g/a", Time: now, Size: 3, HasSize: true},
		{Kind: watcher.Modified, Dir: "/g", Path: "/g/a", Time: now, OldContent: []byte("old"), NewContent: []byte("new")},
		{Kind: watcher.Renamed, Dir: "/g", Path: "/g/a", Time: now, OldName: "a", NewPath: "/g/b"},
		{Kind: watcher.DeletedOrMoved, Dir: "/g", Path: "/g/b", Time: now, Size: 3, HasSize: true},
	}
}

func TestJournal_AppendAndEntries(t *testing.T) {
	j, err := New(raft.NewInmemStore(), quietLogger())
	require.NoError(t, err)
	defer j.Close()

	events := sampleEvents()
	for _, ev := range events {
		require.NoError(t, j.Append(ev))
	}

	n, err := j.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	records, err := j.Entries(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 4)

	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Index)
		assert.Equal(t, events[i].Kind.String(), rec.Kind)
		assert.Equal(t, events[i].Path, rec.Path)
		assert.True(t, events[i].Time.Equal(rec.Time))
	}
	assert.Equal(t, "a", records[2].OldName)
	assert.Equal(t, "/g/b", records[2].NewPath)
	assert.Equal(t, int64(3), records[3].Size)
}

func TestJournal_EntriesRange(t *testing.T) {
	j, err := New(raft.NewInmemStore(), quietLogger())
	require.NoError(t, err)
	defer j.Close()

	for _, ev := range sampleEvents() {
		require.NoError(t, j.Append(ev))
	}

	tests := []struct {
		name  string
		from  uint64
		limit int
		want  []uint64
	}{
		{name: "all", from: 1, limit: 0, want: []uint64{1, 2, 3, 4}},
		{name: "from_middle", from: 3, limit: 0, want: []uint64{3, 4}},
		{name: "limited", from: 2, limit: 2, want: []uint64{2, 3}},
		{name: "past_end", from: 9, limit: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := j.Entries(tt.from, tt.limit)
			require.NoError(t, err)

			var got []uint64
			for _, rec := range records {
				got = append(got, rec.Index)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJournal_Truncate(t *testing.T) {
	j, err := New(raft.NewInmemStore(), quietLogger())
	require.NoError(t, err)
	defer j.Close()

	for _, ev := range sampleEvents() {
		require.NoError(t, j.Append(ev))
	}

	require.NoError(t, j.Truncate(3))
	n, err := j.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	records, err := j.Entries(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Index)

	require.NoError(t, j.Append(sampleEvents()[0]))
	records, err = j.Entries(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), records[len(records)-1].Index)
}

func TestJournal_OpenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")

	j, err := Open(path, quietLogger())
	require.NoError(t, err)
	for _, ev := range sampleEvents()[:2] {
		require.NoError(t, j.Append(ev))
	}
	require.NoError(t, j.Close())

	j, err = Open(path, quietLogger())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(sampleEvents()[2]))
	records, err := j.Entries(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "renamed", records[2].Kind)
	assert.Equal(t, uint64(3), records[2].Index)
}

func TestJournal_ClosedOperations(t *testing.T) {
	j, err := New(raft.NewInmemStore(), quietLogger())
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Append(sampleEvents()[0]), ErrClosed)
	_, err = j.Entries(0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.Len()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJournal_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
	_, err = Open("", nil)
	assert.Error(t, err)
}

func TestJournal_IsEventSink(t *testing.T) {
	var _ watcher.EventSink = (*Journal)(nil)
}
