package metrics

import "github.com/prometheus/client_golang/prometheus"

// initLRUMetrics registers lru.Cache eviction metrics. Grounded on
// pkg/metrics/lane.go's queue-depth gauge and throughput counter.
func (m *Manager) initLRUMetrics() {
	m.lruEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phonon_lru_evictions_total",
			Help: "Total number of LRU cache evictions by outcome (merged|replaced_by_expiry|evicted_oldest)",
		},
		[]string{"outcome"},
	)

	m.lruFailedEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phonon_lru_failed_evictions_total",
		Help: "Total number of LRU evictions whose EndSession returned an error",
	})

	m.lruSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "phonon_lru_size",
		Help: "Current number of entries held by the LRU cache",
	})

	m.registry.MustRegister(m.lruEvictions)
	m.registry.MustRegister(m.lruFailedEvictions)
	m.registry.MustRegister(m.lruSize)
}

// RecordLRUEviction records an eviction by its outcome label.
func (m *Manager) RecordLRUEviction(outcome string) {
	if !m.enabled {
		return
	}
	m.lruEvictions.WithLabelValues(outcome).Inc()
}

// RecordLRUFailedEviction records an eviction whose EndSession failed.
func (m *Manager) RecordLRUFailedEviction() {
	if !m.enabled {
		return
	}
	m.lruFailedEvictions.Inc()
}

// SetLRUSize sets the current LRU size gauge.
func (m *Manager) SetLRUSize(size float64) {
	if !m.enabled {
		return
	}
	m.lruSize.Set(size)
}
