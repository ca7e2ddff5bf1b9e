package metrics

import "github.com/prometheus/client_golang/prometheus"

// initConnectionMetrics registers heartbeat and registry-recovery metrics.
// Grounded on pkg/metrics/distributed.go's ownershipChanges counter-by-reason
// shape, re-themed to connection.Connection's heartbeat/recovery cycle.
func (m *Manager) initConnectionMetrics() {
	m.heartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phonon_heartbeats_sent_total",
		Help: "Total number of heartbeats sent by this connection",
	})

	m.heartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phonon_heartbeat_send_failures_total",
		Help: "Total number of heartbeat send failures",
	})

	m.processesRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phonon_processes_recovered_total",
			Help: "Total number of failed processes recovered, by reason (self|reclaim)",
		},
		[]string{"reason"},
	)

	m.registrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "phonon_registry_size",
		Help: "Current number of resource keys owned by this connection's registry",
	})

	m.registry.MustRegister(m.heartbeatsSent)
	m.registry.MustRegister(m.heartbeatFailures)
	m.registry.MustRegister(m.processesRecovered)
	m.registry.MustRegister(m.registrySize)
}

// RecordHeartbeatSent records a successful heartbeat.
func (m *Manager) RecordHeartbeatSent() {
	if !m.enabled {
		return
	}
	m.heartbeatsSent.Inc()
}

// RecordHeartbeatFailure records a failed heartbeat send.
func (m *Manager) RecordHeartbeatFailure() {
	if !m.enabled {
		return
	}
	m.heartbeatFailures.Inc()
}

// RecordProcessRecovered records a failed-process recovery, either of this
// node ("self") or of an orphaned registry reclaimed from a peer
// ("reclaim").
func (m *Manager) RecordProcessRecovered(reason string) {
	if !m.enabled {
		return
	}
	m.processesRecovered.WithLabelValues(reason).Inc()
}

// SetRegistrySize sets the current registry size gauge.
func (m *Manager) SetRegistrySize(size float64) {
	if !m.enabled {
		return
	}
	m.registrySize.Set(size)
}
