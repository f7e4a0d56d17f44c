package main

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NekoEpisode/FileXE/pkg/admin"
	"github.com/NekoEpisode/FileXE/pkg/journal"
	"github.com/NekoEpisode/FileXE/pkg/watcher"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAppConfig_Validation(t *testing.T) {
	target := []TargetSpec{{Path: "/tmp/a", Interest: watcher.All, Follow: true}}

	tests := []struct {
		name    string
		config  AppConfig
		wantErr bool
	}{
		{name: "valid config", config: AppConfig{Targets: target}},
		{name: "admin only", config: AppConfig{AdminPort: 9100}},
		{name: "nothing to watch", config: AppConfig{}, wantErr: true},
		{name: "negative monitor port", config: AppConfig{Targets: target, MonitorPort: -1}, wantErr: true},
		{name: "negative admin port", config: AppConfig{Targets: target, AdminPort: -1}, wantErr: true},
		{name: "negative cache limit", config: AppConfig{Targets: target, CacheLimit: -1}, wantErr: true},
		{name: "negative window", config: AppConfig{Targets: target, RenameWindow: -time.Second}, wantErr: true},
		{name: "zero slack", config: AppConfig{Targets: target, DeleteSlack: 0}},
		{name: "negative slack", config: AppConfig{Targets: target, DeleteSlack: -time.Millisecond}, wantErr: true},
		{name: "empty target path", config: AppConfig{Targets: []TargetSpec{{}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplication_JournalsEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.off")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	app, err := NewApplication(AppConfig{
		Targets:      []TargetSpec{{Path: path, Interest: watcher.All, Follow: true}},
		RenameWindow: 200 * time.Millisecond,
		DeleteSlack:  50 * time.Millisecond,
		JournalPath:  filepath.Join(t.TempDir(), "events.db"),
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, app.Start())

	renamed := filepath.Join(dir, "x.on")
	require.NoError(t, os.Rename(path, renamed))

	var records []journal.Record
	require.Eventually(t, func() bool {
		records, err = app.journal.Entries(0, 0)
		return err == nil && len(records) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "renamed", records[0].Kind)
	assert.Equal(t, "x.off", records[0].OldName)
	assert.Equal(t, renamed, records[0].NewPath)

	require.Eventually(t, func() bool {
		infos := app.Targets()
		return len(infos) == 1 && infos[0].Path == renamed
	}, 3*time.Second, 10*time.Millisecond)

	snap := app.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Renamed)
	assert.Equal(t, int64(1), snap.RenamesCorrelated)

	require.NoError(t, app.Stop())
	assert.Equal(t, 0, app.manager.WatcherCount())
}

func TestApplication_WatchUnwatch(t *testing.T) {
	dir := t.TempDir()
	app, err := NewApplication(AppConfig{AdminPort: freePort(t)}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, app.Start())
	defer app.Stop()

	a := filepath.Join(dir, "a.txt")
	require.NoError(t, app.Watch(a, watcher.Modified, false))
	assert.Error(t, app.Watch(a, watcher.All, true), "duplicate watch is rejected")
	assert.Error(t, app.Watch(filepath.Join(dir, "missing", "b"), watcher.All, true))

	assert.Equal(t, []admin.TargetInfo{{Path: a, Interest: watcher.Modified, Follow: false}}, app.Targets())
	assert.Equal(t, []string{dir}, app.Directories())

	require.NoError(t, app.Unwatch(a))
	assert.Error(t, app.Unwatch(a))
	assert.Empty(t, app.Targets())
	assert.Empty(t, app.Directories())
}

func TestApplication_AdminInterface(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	app, err := NewApplication(AppConfig{AdminPort: port}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, app.Start())
	defer app.Stop()

	addr := app.admin.Addr()
	path := filepath.Join(dir, "save.dat")

	reply, err := admin.SendCommand(addr, "WATCH "+path+" created nofollow")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)

	reply, err = admin.SendCommand(addr, "LIST")
	require.NoError(t, err)
	assert.Equal(t, path+" created nofollow", reply)

	reply, err = admin.SendCommand(addr, "WATCHERS")
	require.NoError(t, err)
	assert.Equal(t, dir, reply)

	reply, err = admin.SendCommand(addr, "UNWATCH "+path)
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)

	_, err = admin.SendCommand(addr, "UNWATCH "+path)
	assert.Error(t, err)
}

func TestApplication_DeleteSlackIsUsedAsGiven(t *testing.T) {
	tests := []struct {
		name  string
		slack time.Duration
	}{
		{name: "explicit zero", slack: 0},
		{name: "custom", slack: 30 * time.Millisecond},
		{name: "default", slack: watcher.DefaultDeleteSlack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, err := NewApplication(AppConfig{
				Targets:     []TargetSpec{{Path: filepath.Join(t.TempDir(), "a")}},
				DeleteSlack: tt.slack,
			}, quietLogger())
			require.NoError(t, err)
			defer app.manager.Close()

			assert.Equal(t, tt.slack, app.manager.Config().DeleteSlack)
		})
	}
}

func TestApplication_BadJournalPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	_, err := NewApplication(AppConfig{
		Targets:     []TargetSpec{{Path: "/tmp/a"}},
		JournalPath: filepath.Join(blocker, "events.db"),
	}, quietLogger())
	assert.Error(t, err)
}
