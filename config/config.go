// Package config provides configuration management for phonon deployments:
// the shared-store connection, namespace, and every timing parameter
// spec.md section 6 names (heartbeat interval, lock TTL/retry/blocking
// timeout, nodelist session length, Update soft/hard session, LRU sizing,
// and the failure-recovery toggle).
package config

import (
	"fmt"
	"time"
)

// Config is the top-level phonon configuration.
type Config struct {
	// App holds process metadata used in logs and metrics labels.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the structured-logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Redis is the shared-store connection configuration.
	Redis RedisConfig `mapstructure:"redis" validate:"required"`

	// Namespace prefixes every shared-store key phonon creates (spec.md
	// section 6's `<ns>` default "phonon"). Must be whitespace- and
	// underscore-free since it is concatenated unescaped into every key.
	Namespace string `mapstructure:"namespace" validate:"required,phonon_namespace"`

	// Heartbeat controls the Connection's liveness loop.
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`

	// Lock controls the lease-based mutual exclusion primitive.
	Lock LockConfig `mapstructure:"lock"`

	// Nodelist controls per-resource session staleness.
	Nodelist NodelistConfig `mapstructure:"nodelist"`

	// Update controls Update/ConflictFreeUpdate session lifetimes.
	Update UpdateConfig `mapstructure:"update"`

	// LRU controls the local bounded cache that owns Update lifetimes.
	LRU LRUConfig `mapstructure:"lru"`

	// Recovery controls failed-peer reclamation.
	Recovery RecoveryConfig `mapstructure:"recovery"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// AppConfig holds process metadata.
type AppConfig struct {
	// Name identifies the deploying application, surfaced in logs.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug-level logging.
	Debug bool `mapstructure:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// RedisConfig holds the shared-store connection settings. A
// redis.ClusterClient satisfies store.Store's redis.Cmdable dependency just
// as well as a *redis.Client, so Addrs may name one host or several without
// this core taking on sharding/quorum logic itself (spec.md section 1's
// "quorum-sharded client surface" stays an external collaborator).
type RedisConfig struct {
	// Addrs lists one or more host:port pairs.
	Addrs []string `mapstructure:"addrs" validate:"required,min=1"`

	// Password authenticates against Redis, if set.
	Password string `mapstructure:"password"`

	// DB selects the logical database index (single-node only).
	DB int `mapstructure:"db" validate:"min=0"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// HeartbeatConfig controls Connection's liveness loop (spec.md 4.1).
type HeartbeatConfig struct {
	// IntervalSeconds is how often a Connection refreshes its heartbeat
	// entry. Default 10, per spec.md section 6.
	IntervalSeconds int `mapstructure:"interval_seconds" validate:"required,min=1"`

	// FailureMultiple is the number of missed intervals after which a node
	// is considered failed (K in spec.md's `now - last_seen < K ·
	// heartbeat_interval`, fixed at 3 per SPEC_FULL.md Open Question #3).
	FailureMultiple int `mapstructure:"failure_multiple" validate:"required,min=1"`
}

// LockConfig controls the lease-based lock primitive (spec.md 4.2).
type LockConfig struct {
	// TTLSeconds is the lock lease's expiry. Default 1800.
	TTLSeconds int `mapstructure:"ttl_seconds" validate:"required,min=1"`

	// RetryIntervalMillis is the sleep between acquisition attempts.
	// Default 500.
	RetryIntervalMillis int `mapstructure:"retry_interval_millis" validate:"required,min=1"`

	// BlockingTimeoutMillis bounds how long Acquire blocks before returning
	// ErrAlreadyLocked. Default 500000 (500s); 0 means a single
	// non-blocking attempt.
	BlockingTimeoutMillis int `mapstructure:"blocking_timeout_millis" validate:"min=0"`
}

// NodelistConfig controls per-resource session staleness (spec.md 4.3).
type NodelistConfig struct {
	// SessionLengthSeconds is the staleness threshold: a node's nodelist
	// entry is expired once `now - last_update > session_length`. Defaults
	// to half the lock TTL if zero.
	SessionLengthSeconds int `mapstructure:"session_length_seconds" validate:"min=0"`
}

// UpdateConfig controls Update/ConflictFreeUpdate session lifetimes
// (spec.md 4.5/4.6).
type UpdateConfig struct {
	// SoftSessionSeconds is refreshed on every Refresh call. Defaults to
	// half the lock TTL if zero.
	SoftSessionSeconds int `mapstructure:"soft_session_seconds" validate:"min=0"`

	// HardSessionSeconds is the absolute session lifetime. Defaults to the
	// lock TTL if zero.
	HardSessionSeconds int `mapstructure:"hard_session_seconds" validate:"min=0"`

	// InitCache caches a session's document immediately on construction,
	// trading throughput for crash recoverability.
	InitCache bool `mapstructure:"init_cache"`
}

// LRUConfig controls the local bounded Update cache (spec.md 4.7).
type LRUConfig struct {
	// MaxEntries bounds the cache's size. Default 1000.
	MaxEntries int `mapstructure:"max_entries" validate:"required,min=1"`

	// Async runs victim expiry (end_session) on a dedicated background
	// worker instead of synchronously on the calling goroutine.
	Async bool `mapstructure:"async"`

	// QueueSize bounds the async expiry worker's victim queue.
	QueueSize int `mapstructure:"queue_size" validate:"min=0"`
}

// RecoveryConfig controls failed-peer reclamation (spec.md 4.1).
type RecoveryConfig struct {
	// Enabled toggles recover_failed_processes on every heartbeat. Default
	// true.
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables Prometheus metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path, for a caller-supplied HTTP mux.
	Path string `mapstructure:"path"`

	// Port is the metrics server port, for a caller that wants phonon to
	// serve its own /metrics endpoint.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// Validate performs struct-tag validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without
// sensitive data such as the Redis password).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Namespace: %s, Env: %s}",
		c.App.Name, c.Namespace, c.App.Environment)
}
