package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "filexe", rootCmd.Use)
	assert.Equal(t, "Semantic file events for watched files", rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.NotEmpty(t, rootCmd.Version)
}

func TestRootCommandVersion(t *testing.T) {
	assert.Contains(t, rootCmd.Version, version)
	assert.Contains(t, rootCmd.Version, commit)
	assert.Contains(t, rootCmd.Version, date)
}

func TestGlobalFlags(t *testing.T) {
	tests := []struct {
		name         string
		shorthand    string
		defaultValue string
	}{
		{name: "log-level", shorthand: "l", defaultValue: "info"},
		{name: "config", shorthand: "c", defaultValue: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := rootCmd.PersistentFlags().Lookup(tt.name)
			require.NotNil(t, flag)
			assert.Equal(t, tt.shorthand, flag.Shorthand)
			assert.Equal(t, tt.defaultValue, flag.DefValue)
		})
	}
}

func TestSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["watch"])
	assert.True(t, names["journal"])

	show, _, err := rootCmd.Find([]string{"journal", "show"})
	require.NoError(t, err)
	assert.Equal(t, "show", show.Name())
}

func TestWatchFlags(t *testing.T) {
	for _, name := range []string{"interest", "follow", "journal", "monitor-port", "admin-port", "window", "slack", "cache-limit"} {
		assert.NotNil(t, watchCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "500ms", watchCmd.Flags().Lookup("window").DefValue)
	assert.Equal(t, "100ms", watchCmd.Flags().Lookup("slack").DefValue)
	assert.Equal(t, "true", watchCmd.Flags().Lookup("follow").DefValue)
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, newLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, newLogger("bogus").GetLevel())
}
