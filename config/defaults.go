package config

import "time"

// DefaultConfig returns a Config populated with spec.md section 6's defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "phonon",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Addrs:       []string{"localhost:6379"},
			Password:    "",
			DB:          0,
			DialTimeout: 5 * time.Second,
		},
		Namespace: "phonon",
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 10,
			FailureMultiple: 3,
		},
		Lock: LockConfig{
			TTLSeconds:            1800,
			RetryIntervalMillis:   500,
			BlockingTimeoutMillis: 500 * 1000,
		},
		Nodelist: NodelistConfig{
			SessionLengthSeconds: 1800 / 2,
		},
		Update: UpdateConfig{
			SoftSessionSeconds: 1800 / 2,
			HardSessionSeconds: 1800,
			InitCache:          false,
		},
		LRU: LRUConfig{
			MaxEntries: 1000,
			Async:      false,
			QueueSize:  256,
		},
		Recovery: RecoveryConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
	}
}
