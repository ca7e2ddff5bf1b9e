// Package metrics provides Prometheus instrumentation for phonon's
// distributed coordination components: heartbeats, lock contention, Update
// session outcomes, and LRU evictions.
//
// Grounded on pkg/metrics/metrics.go's Manager shape (registry ownership,
// enabled flag short-circuiting every recorder, Config with per-family
// histogram buckets, NewManager registering Go/process collectors) and
// pkg/metrics/distributed.go's counter-by-reason pattern, re-themed from a
// workflow/lane/HTTP domain to phonon's connection/lock/update/lru domain.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every Prometheus collector phonon registers. A disabled
// Manager's recorder methods are no-ops, so callers never need to branch on
// whether metrics are configured.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Connection/heartbeat metrics
	heartbeatsSent      prometheus.Counter
	heartbeatFailures   prometheus.Counter
	processesRecovered  *prometheus.CounterVec
	registrySize        prometheus.Gauge

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec
	lockWaitDuration prometheus.Histogram
	lockTimeouts     prometheus.Counter

	// Update/ConflictFreeUpdate metrics
	updateCacheOps    *prometheus.CounterVec
	updateExecuteOps  *prometheus.CounterVec
	updateForceExpiry *prometheus.CounterVec

	// LRU metrics
	lruEvictions      *prometheus.CounterVec
	lruFailedEvictions prometheus.Counter
	lruSize           prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	LockWaitBuckets []float64
}

// DefaultConfig returns phonon's default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Port:            9090,
		Path:            "/metrics",
		LockWaitBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}
}

// NewManager builds a Manager per cfg, registering Go runtime and process
// collectors alongside phonon's own families.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{registry: registry, enabled: true}
	m.initConnectionMetrics()
	m.initLockMetrics(cfg)
	m.initUpdateMetrics()
	m.initLRUMetrics()
	return m
}

// NoOpManager returns a Manager whose recorders are all no-ops.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

// Enabled reports whether this Manager is collecting metrics.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler serving this Manager's metrics.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves Handler on port/path until ctx is canceled.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}
