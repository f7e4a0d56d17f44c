package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/NekoEpisode/FileXE/pkg/config"
	"github.com/NekoEpisode/FileXE/pkg/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch [paths...]",
	Short: "Watch files and log their events",
	Long: `Watch one or more files and log created, modified, deleted-or-moved and
renamed events. Targets from --config are added to the paths given here.`,
	RunE: runWatch,
}

// Watch command flags
var (
	watchInterest    string
	watchFollow      bool
	watchJournal     string
	watchMonitorPort int
	watchAdminPort   int
	watchWindow      time.Duration
	watchSlack       time.Duration
	watchCacheLimit  int64
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&watchInterest, "interest", "i", "all", "Event kind to report (all, created, modified, deleted_or_moved, renamed)")
	watchCmd.Flags().BoolVar(&watchFollow, "follow", true, "Follow files across renames")
	watchCmd.Flags().StringVarP(&watchJournal, "journal", "j", "", "Record events to this journal file")
	watchCmd.Flags().IntVar(&watchMonitorPort, "monitor-port", 0, "Serve metrics on this port (0 disables)")
	watchCmd.Flags().IntVar(&watchAdminPort, "admin-port", 0, "Serve the admin interface on this port (0 disables)")
	watchCmd.Flags().DurationVar(&watchWindow, "window", watcher.DefaultRenameWindow, "Rename correlation window")
	watchCmd.Flags().DurationVar(&watchSlack, "slack", watcher.DefaultDeleteSlack, "Extra delay before a deletion is reported")
	watchCmd.Flags().Int64Var(&watchCacheLimit, "cache-limit", watcher.DefaultCacheLimit, "Largest file whose content is cached, in bytes")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := buildAppConfig(cmd, args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	app, err := NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating application: %w", err)
	}

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("starting application: %w", err)
	}

	return waitForSignal(app)
}

// buildAppConfig merges the config file with the command line. Flags that were
// set explicitly win over the file.
func buildAppConfig(cmd *cobra.Command, args []string) (AppConfig, error) {
	logLevel, _ := cmd.Flags().GetString("log-level")
	configPath, _ := cmd.Flags().GetString("config")

	interest, err := watcher.ParseEventKind(watchInterest)
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		CacheLimit:   watchCacheLimit,
		RenameWindow: watchWindow,
		DeleteSlack:  watchSlack,
		JournalPath:  watchJournal,
		MonitorPort:  watchMonitorPort,
		AdminPort:    watchAdminPort,
		LogLevel:     logLevel,
	}

	if configPath != "" {
		file, err := config.Load(configPath)
		if err != nil {
			return AppConfig{}, err
		}
		applyFileConfig(cmd, &cfg, file)
	}

	for _, path := range args {
		cfg.Targets = append(cfg.Targets, TargetSpec{
			Path:     path,
			Interest: interest,
			Follow:   watchFollow,
		})
	}
	return cfg, nil
}

func applyFileConfig(cmd *cobra.Command, cfg *AppConfig, file *config.Config) {
	changed := func(name string) bool {
		return cmd.Flags().Changed(name)
	}

	if file.LogLevel != "" && !changed("log-level") {
		cfg.LogLevel = file.LogLevel
	}
	wc := file.WatcherConfig()
	if wc.CacheLimit > 0 && !changed("cache-limit") {
		cfg.CacheLimit = wc.CacheLimit
	}
	if wc.RenameWindow > 0 && !changed("window") {
		cfg.RenameWindow = wc.RenameWindow
	}
	if wc.DeleteSlack > 0 && !changed("slack") {
		cfg.DeleteSlack = wc.DeleteSlack
	}
	if file.Journal != "" && !changed("journal") {
		cfg.JournalPath = file.Journal
	}
	if file.MonitorPort > 0 && !changed("monitor-port") {
		cfg.MonitorPort = file.MonitorPort
	}
	if file.AdminPort > 0 && !changed("admin-port") {
		cfg.AdminPort = file.AdminPort
	}

	for _, t := range file.Targets {
		kind, _ := t.Kind() // validated by config.Load
		cfg.Targets = append(cfg.Targets, TargetSpec{
			Path:     t.Path,
			Interest: kind,
			Follow:   t.Follow(),
		})
	}
}
