package metrics

import "github.com/prometheus/client_golang/prometheus"

// initUpdateMetrics registers Update/ConflictFreeUpdate session metrics.
// Grounded on pkg/metrics/workflow.go's status-labeled counters, re-themed
// to update.Update/update.ConflictFreeUpdate's cache/execute/force-expiry
// transitions.
func (m *Manager) initUpdateMetrics() {
	m.updateCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phonon_update_cache_total",
			Help: "Total number of Update/ConflictFreeUpdate cache operations by variant (pessimistic|conflict_free)",
		},
		[]string{"variant"},
	)

	m.updateExecuteOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phonon_update_execute_total",
			Help: "Total number of Update/ConflictFreeUpdate execute callbacks by variant",
		},
		[]string{"variant"},
	)

	m.updateForceExpiry = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phonon_update_force_expiry_total",
			Help: "Total number of forced expiries by variant",
		},
		[]string{"variant"},
	)

	m.registry.MustRegister(m.updateCacheOps)
	m.registry.MustRegister(m.updateExecuteOps)
	m.registry.MustRegister(m.updateForceExpiry)
}

// RecordUpdateCache records a cache() call for the given session variant.
func (m *Manager) RecordUpdateCache(variant string) {
	if !m.enabled {
		return
	}
	m.updateCacheOps.WithLabelValues(variant).Inc()
}

// RecordUpdateExecute records an execute() call for the given session
// variant.
func (m *Manager) RecordUpdateExecute(variant string) {
	if !m.enabled {
		return
	}
	m.updateExecuteOps.WithLabelValues(variant).Inc()
}

// RecordUpdateForceExpiry records a ForceExpiry call for the given session
// variant.
func (m *Manager) RecordUpdateForceExpiry(variant string) {
	if !m.enabled {
		return
	}
	m.updateForceExpiry.WithLabelValues(variant).Inc()
}
