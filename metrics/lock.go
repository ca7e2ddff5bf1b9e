package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initLockMetrics registers lock acquisition/contention metrics. Grounded on
// pkg/metrics/lane.go's RecordWaitDuration/RecordThroughput pattern,
// re-themed to lock.Lock's Acquire/Release cycle.
func (m *Manager) initLockMetrics(cfg Config) {
	m.lockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phonon_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by outcome (acquired|already_locked|timeout)",
		},
		[]string{"outcome"},
	)

	m.lockWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "phonon_lock_wait_duration_seconds",
		Help:    "Time spent waiting to acquire a lock",
		Buckets: cfg.LockWaitBuckets,
	})

	m.lockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phonon_lock_timeouts_total",
		Help: "Total number of lock acquisitions that exceeded BlockingTimeout",
	})

	m.registry.MustRegister(m.lockAcquisitions)
	m.registry.MustRegister(m.lockWaitDuration)
	m.registry.MustRegister(m.lockTimeouts)
}

// RecordLockAcquisition records a lock acquisition attempt's outcome.
func (m *Manager) RecordLockAcquisition(outcome string) {
	if !m.enabled {
		return
	}
	m.lockAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordLockWait records how long a caller waited to acquire a lock.
func (m *Manager) RecordLockWait(d time.Duration) {
	if !m.enabled {
		return
	}
	m.lockWaitDuration.Observe(d.Seconds())
}

// RecordLockTimeout records a lock acquisition that exceeded its blocking
// timeout.
func (m *Manager) RecordLockTimeout() {
	if !m.enabled {
		return
	}
	m.lockTimeouts.Inc()
}
