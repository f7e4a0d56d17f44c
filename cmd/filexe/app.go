package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NekoEpisode/FileXE/pkg/admin"
	"github.com/NekoEpisode/FileXE/pkg/journal"
	"github.com/NekoEpisode/FileXE/pkg/monitoring"
	"github.com/NekoEpisode/FileXE/pkg/watcher"
)

const metricsLogInterval = 30 * time.Second

// TargetSpec is one file to watch.
type TargetSpec struct {
	Path     string
	Interest watcher.EventKind
	Follow   bool
}

// AppConfig holds all configuration for the application.
type AppConfig struct {
	Targets      []TargetSpec
	CacheLimit   int64
	RenameWindow time.Duration
	// DeleteSlack is used as given; zero means no slack.
	DeleteSlack time.Duration
	JournalPath string
	MonitorPort int
	AdminPort   int
	LogLevel    string
}

// validateConfig validates the application configuration.
func validateConfig(cfg AppConfig) error {
	if len(cfg.Targets) == 0 && cfg.AdminPort == 0 {
		return errors.New("nothing to watch: give at least one path or an admin port")
	}
	if cfg.MonitorPort < 0 {
		return errors.New("monitor port cannot be negative")
	}
	if cfg.AdminPort < 0 {
		return errors.New("admin port cannot be negative")
	}
	if cfg.CacheLimit < 0 {
		return errors.New("cache limit cannot be negative")
	}
	if cfg.RenameWindow < 0 {
		return errors.New("rename window cannot be negative")
	}
	if cfg.DeleteSlack < 0 {
		return errors.New("delete slack cannot be negative")
	}
	for _, t := range cfg.Targets {
		if t.Path == "" {
			return errors.New("target path cannot be empty")
		}
	}
	return nil
}

// Application represents the main application with all components.
type Application struct {
	config  AppConfig
	logger  *logrus.Logger
	metrics *monitoring.Metrics
	monitor *monitoring.Monitor
	journal *journal.Journal
	manager *watcher.Manager
	admin   *admin.Server

	mu      sync.Mutex
	targets map[string]*watcher.Target

	cancel context.CancelFunc
}

var _ admin.Controller = (*Application)(nil)

// NewApplication creates a new application instance with all components.
func NewApplication(cfg AppConfig, logger *logrus.Logger) (*Application, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = newLogger(cfg.LogLevel)
	}

	app := &Application{
		config:  cfg,
		logger:  logger,
		targets: make(map[string]*watcher.Target),
	}

	if err := app.initializeComponents(); err != nil {
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return app, nil
}

// initializeComponents sets up all application components.
func (app *Application) initializeComponents() error {
	app.metrics = monitoring.NewMetrics(instanceID(), app.logger)

	slack := app.config.DeleteSlack
	if slack == 0 {
		slack = watcher.NoDeleteSlack
	}
	watcherConfig := watcher.Config{
		CacheLimit:   app.config.CacheLimit,
		RenameWindow: app.config.RenameWindow,
		DeleteSlack:  slack,
		Logger:       app.logger,
		Recorder:     app.metrics,
	}

	if app.config.JournalPath != "" {
		j, err := journal.Open(app.config.JournalPath, app.logger)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		app.journal = j
		watcherConfig.Sink = j
	}

	app.manager = watcher.NewManager(watcherConfig)
	app.monitor = monitoring.NewMonitor(app.metrics, app.manager, app.logger)

	if app.config.AdminPort > 0 {
		app.admin = admin.NewServer(app, app.config.AdminPort, app.logger)
	}
	return nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Start starts all application components.
func (app *Application) Start() error {
	app.logger.Info("🚀 Starting FileXE")

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if app.config.MonitorPort > 0 {
		if _, err := app.monitor.Start(app.config.MonitorPort); err != nil {
			return err
		}
		app.monitor.LogMetrics(ctx, metricsLogInterval)
	}

	if app.admin != nil {
		if err := app.admin.Start(); err != nil {
			return err
		}
	}

	for _, ts := range app.config.Targets {
		if err := app.Watch(ts.Path, ts.Interest, ts.Follow); err != nil {
			return fmt.Errorf("starting target: %w", err)
		}
	}

	app.logger.Infof("✅ Watching %d file(s) in %d director(ies)",
		len(app.config.Targets), app.manager.WatcherCount())
	return nil
}

// Watch starts a new target for path whose events are logged.
func (app *Application) Watch(path string, interest watcher.EventKind, follow bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	app.mu.Lock()
	defer app.mu.Unlock()
	if _, ok := app.targets[abs]; ok {
		return fmt.Errorf("already watching %s", abs)
	}

	target, err := app.manager.NewTarget(abs, interest, app.logEvent)
	if err != nil {
		return err
	}
	target.SetAutoFollowRename(follow)
	if err := target.Start(); err != nil {
		return err
	}
	app.targets[abs] = target
	return nil
}

// Unwatch stops the target registered for path. A target that followed a
// rename can be addressed by either its original or its current path.
func (app *Application) Unwatch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	app.mu.Lock()
	key, target := app.lookupLocked(abs)
	if target != nil {
		delete(app.targets, key)
	}
	app.mu.Unlock()

	if target == nil {
		return fmt.Errorf("not watching %s", abs)
	}
	target.Stop()
	return nil
}

func (app *Application) lookupLocked(abs string) (string, *watcher.Target) {
	if t, ok := app.targets[abs]; ok {
		return abs, t
	}
	for key, t := range app.targets {
		if t.Path() == abs {
			return key, t
		}
	}
	return "", nil
}

// Targets lists the running targets by current path.
func (app *Application) Targets() []admin.TargetInfo {
	app.mu.Lock()
	defer app.mu.Unlock()

	infos := make([]admin.TargetInfo, 0, len(app.targets))
	for _, t := range app.targets {
		infos = append(infos, admin.TargetInfo{
			Path:     t.Path(),
			Interest: t.Interest(),
			Follow:   t.AutoFollowRename(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// Directories lists the directories with a running watcher.
func (app *Application) Directories() []string {
	return app.manager.Directories()
}

func (app *Application) logEvent(ev watcher.Event) error {
	fields := logrus.Fields{
		"event": ev.Kind.String(),
		"path":  ev.Path,
	}
	switch ev.Kind {
	case watcher.Created, watcher.DeletedOrMoved:
		if ev.HasSize {
			fields["size"] = ev.Size
		}
	case watcher.Modified:
		if ev.NewContent != nil {
			fields["old_size"] = len(ev.OldContent)
			fields["new_size"] = len(ev.NewContent)
		}
	case watcher.Renamed:
		fields["old_name"] = ev.OldName
		fields["new_path"] = ev.NewPath
	}
	app.logger.WithFields(fields).Info("File event")
	return nil
}

// Stop stops all application components.
func (app *Application) Stop() error {
	app.logger.Info("🛑 Stopping FileXE...")

	var errs []error
	if app.admin != nil {
		if err := app.admin.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := app.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	app.mu.Lock()
	app.targets = make(map[string]*watcher.Target)
	app.mu.Unlock()

	if app.cancel != nil {
		app.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.monitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping monitor: %w", err))
	}

	if app.journal != nil {
		if err := app.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	app.logger.Info("✅ Stopped")
	return nil
}

// waitForSignal blocks until SIGINT or SIGTERM, then stops app.
func waitForSignal(app *Application) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	app.logger.Info("🛑 Received shutdown signal...")
	return app.Stop()
}
