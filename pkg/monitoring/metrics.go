// Package monitoring provides metrics collection and health endpoints for the
// file event service.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NekoEpisode/FileXE/pkg/watcher"
)

// Registry is the view of the watcher registry the monitor reports on.
type Registry interface {
	Directories() []string
	WatcherCount() int
}

// Metrics counts watcher activity. It implements watcher.Recorder.
type Metrics struct {
	created        int64
	modified       int64
	deleted        int64
	renamed        int64
	renameMatches  int64
	handlerErrors  int64
	hashErrors     int64
	watchersActive int64
	watchersTotal  int64

	lastEventNs int64 // Unix nanoseconds, accessed atomically

	startTime  time.Time
	instanceID string

	logger *logrus.Logger
}

// Health is the state reported by /health.
type Health struct {
	InstanceID  string    `json:"instance_id"`
	Status      string    `json:"status"`
	Watchers    int       `json:"watchers"`
	Directories []string  `json:"directories"`
	Uptime      string    `json:"uptime"`
	Timestamp   time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	InstanceID        string    `json:"instance_id"`
	Created           int64     `json:"created"`
	Modified          int64     `json:"modified"`
	DeletedOrMoved    int64     `json:"deleted_or_moved"`
	Renamed           int64     `json:"renamed"`
	RenamesCorrelated int64     `json:"renames_correlated"`
	HandlerFailures   int64     `json:"handler_failures"`
	HashFailures      int64     `json:"hash_failures"`
	ActiveWatchers    int64     `json:"active_watchers"`
	WatchersStarted   int64     `json:"watchers_started"`
	LastEventTime     string    `json:"last_event_time"`
	MemoryUsage       int64     `json:"memory_usage_bytes"`
	Goroutines        int       `json:"goroutines"`
	Uptime            string    `json:"uptime"`
	Timestamp         time.Time `json:"timestamp"`
}

// Monitor serves metrics and health over HTTP.
type Monitor struct {
	metrics  *Metrics
	registry Registry
	logger   *logrus.Logger

	server *http.Server
}

var _ watcher.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics instance.
func NewMetrics(instanceID string, logger *logrus.Logger) *Metrics {
	if logger == nil {
		logger = logrus.New()
	}

	return &Metrics{
		instanceID: instanceID,
		startTime:  time.Now(),
		logger:     logger,
	}
}

// NewMonitor creates a monitor reporting on registry.
func NewMonitor(metrics *Metrics, registry Registry, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		metrics:  metrics,
		registry: registry,
		logger:   logger,
	}
}

// RecordEvent counts one dispatched event.
func (m *Metrics) RecordEvent(kind watcher.EventKind) {
	switch kind {
	case watcher.Created:
		atomic.AddInt64(&m.created, 1)
	case watcher.Modified:
		atomic.AddInt64(&m.modified, 1)
	case watcher.DeletedOrMoved:
		atomic.AddInt64(&m.deleted, 1)
	case watcher.Renamed:
		atomic.AddInt64(&m.renamed, 1)
	default:
		return
	}
	atomic.StoreInt64(&m.lastEventNs, time.Now().UnixNano())
}

func (m *Metrics) RecordRenameCorrelated() {
	atomic.AddInt64(&m.renameMatches, 1)
}

func (m *Metrics) RecordHandlerFailure() {
	atomic.AddInt64(&m.handlerErrors, 1)
}

func (m *Metrics) RecordHashFailure() {
	atomic.AddInt64(&m.hashErrors, 1)
}

func (m *Metrics) RecordWatcherStarted() {
	atomic.AddInt64(&m.watchersActive, 1)
	atomic.AddInt64(&m.watchersTotal, 1)
}

func (m *Metrics) RecordWatcherStopped() {
	atomic.AddInt64(&m.watchersActive, -1)
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	lastEvent := "never"
	lastNs := atomic.LoadInt64(&m.lastEventNs)
	if lastNs != 0 {
		lastEvent = time.Unix(0, lastNs).Format(time.RFC3339)
	}

	return Snapshot{
		InstanceID:        m.instanceID,
		Created:           atomic.LoadInt64(&m.created),
		Modified:          atomic.LoadInt64(&m.modified),
		DeletedOrMoved:    atomic.LoadInt64(&m.deleted),
		Renamed:           atomic.LoadInt64(&m.renamed),
		RenamesCorrelated: atomic.LoadInt64(&m.renameMatches),
		HandlerFailures:   atomic.LoadInt64(&m.handlerErrors),
		HashFailures:      atomic.LoadInt64(&m.hashErrors),
		ActiveWatchers:    atomic.LoadInt64(&m.watchersActive),
		WatchersStarted:   atomic.LoadInt64(&m.watchersTotal),
		LastEventTime:     lastEvent,
		MemoryUsage:       int64(memStats.Alloc),
		Goroutines:        runtime.NumGoroutine(),
		Uptime:            time.Since(m.startTime).String(),
		Timestamp:         time.Now(),
	}
}

// Health returns the registry state.
func (mon *Monitor) Health() Health {
	dirs := mon.registry.Directories()
	if dirs == nil {
		dirs = []string{}
	}
	status := "idle"
	if len(dirs) > 0 {
		status = "watching"
	}

	return Health{
		InstanceID:  mon.metrics.instanceID,
		Status:      status,
		Watchers:    mon.registry.WatcherCount(),
		Directories: dirs,
		Uptime:      time.Since(mon.metrics.startTime).String(),
		Timestamp:   time.Now(),
	}
}

// Handler returns the HTTP routes served by the monitor.
func (mon *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mon.metrics.Snapshot())
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mon.Health())
	})

	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]string{
			"service":     "filexe",
			"instance_id": mon.metrics.instanceID,
			"uptime":      time.Since(mon.metrics.startTime).String(),
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Start listens on 127.0.0.1:port and serves in the background. Port 0 picks
// a free port. It returns the bound address.
func (mon *Monitor) Start(port int) (string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return "", fmt.Errorf("starting monitoring server: %w", err)
	}

	mon.server = &http.Server{
		Handler:           mon.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	addr := ln.Addr().String()

	mon.logger.Infof("📊 Monitoring server starting on http://%s", addr)
	mon.logger.Infof("   Metrics: http://%s/metrics", addr)
	mon.logger.Infof("   Health:  http://%s/health", addr)
	mon.logger.Infof("   Live:    http://%s/live", addr)

	server := mon.server
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mon.logger.WithError(err).Error("Monitoring server failed")
		}
	}()
	return addr, nil
}

// Stop shuts the HTTP server down.
func (mon *Monitor) Stop(ctx context.Context) error {
	if mon.server == nil {
		return nil
	}
	return mon.server.Shutdown(ctx)
}

// LogMetrics logs key counters every interval until ctx is done.
func (mon *Monitor) LogMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mon.logSnapshot()
			}
		}
	}()
}

func (mon *Monitor) logSnapshot() {
	snap := mon.metrics.Snapshot()
	mon.logger.WithFields(logrus.Fields{
		"created":          snap.Created,
		"modified":         snap.Modified,
		"deleted_or_moved": snap.DeletedOrMoved,
		"renamed":          snap.Renamed,
		"handler_failures": snap.HandlerFailures,
		"watchers":         mon.registry.WatcherCount(),
		"memory_mb":        snap.MemoryUsage / 1024 / 1024,
		"goroutines":       snap.Goroutines,
	}).Info("Watcher metrics")
}

// GetMetrics returns the underlying metrics instance.
func (mon *Monitor) GetMetrics() *Metrics {
	return mon.metrics
}
