package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "phonon" {
		t.Errorf("expected app name 'phonon', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %s", cfg.Log.Format)
	}

	if cfg.Namespace != "phonon" {
		t.Errorf("expected namespace 'phonon', got %s", cfg.Namespace)
	}
	if len(cfg.Redis.Addrs) != 1 || cfg.Redis.Addrs[0] != "localhost:6379" {
		t.Errorf("expected redis addrs [localhost:6379], got %v", cfg.Redis.Addrs)
	}

	if cfg.Heartbeat.IntervalSeconds != 10 {
		t.Errorf("expected heartbeat interval 10, got %d", cfg.Heartbeat.IntervalSeconds)
	}
	if cfg.Heartbeat.FailureMultiple != 3 {
		t.Errorf("expected heartbeat failure multiple 3, got %d", cfg.Heartbeat.FailureMultiple)
	}

	if cfg.Lock.TTLSeconds != 1800 {
		t.Errorf("expected lock ttl 1800, got %d", cfg.Lock.TTLSeconds)
	}
	if cfg.Lock.RetryIntervalMillis != 500 {
		t.Errorf("expected lock retry interval 500, got %d", cfg.Lock.RetryIntervalMillis)
	}
	if cfg.Lock.BlockingTimeoutMillis != 500*1000 {
		t.Errorf("expected blocking timeout 500000, got %d", cfg.Lock.BlockingTimeoutMillis)
	}

	if cfg.Nodelist.SessionLengthSeconds != 900 {
		t.Errorf("expected nodelist session length 900 (half of lock TTL), got %d", cfg.Nodelist.SessionLengthSeconds)
	}

	if cfg.Update.SoftSessionSeconds != 900 {
		t.Errorf("expected update soft session 900, got %d", cfg.Update.SoftSessionSeconds)
	}
	if cfg.Update.HardSessionSeconds != 1800 {
		t.Errorf("expected update hard session 1800, got %d", cfg.Update.HardSessionSeconds)
	}
	if cfg.Update.InitCache {
		t.Error("expected init_cache to default to false")
	}

	if cfg.LRU.MaxEntries != 1000 {
		t.Errorf("expected lru max_entries 1000, got %d", cfg.LRU.MaxEntries)
	}
	if cfg.LRU.Async {
		t.Error("expected lru.async to default to false")
	}

	if !cfg.Recovery.Enabled {
		t.Error("expected recovery.enabled to default to true")
	}

	if !cfg.Metrics.Enabled {
		t.Error("expected metrics.enabled to default to true")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestConfig_Validate_MissingApp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Name = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing app name")
	}
}

func TestConfig_Validate_BadEnvironment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Environment = "sandbox"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid environment")
	}
}

func TestConfig_Validate_EmptyRedisAddrs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Addrs = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty redis addrs")
	}
}

func TestConfig_Validate_ZeroHeartbeatInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat.IntervalSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero heartbeat interval")
	}
}

func TestConfig_String_RedactsPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Password = "super-secret"
	str := cfg.String()
	if str == "" {
		t.Fatal("expected non-empty string representation")
	}
	if containsSubstring(str, "super-secret") {
		t.Error("expected String() to omit the redis password")
	}
}

func containsSubstring(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func TestLoader_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  name: my-app
  environment: production
namespace: myns
heartbeat:
  interval_seconds: 5
redis:
  addrs:
    - "redis-0:6379"
    - "redis-1:6379"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "my-app" {
		t.Errorf("expected app name 'my-app', got %s", cfg.App.Name)
	}
	if cfg.Namespace != "myns" {
		t.Errorf("expected namespace 'myns', got %s", cfg.Namespace)
	}
	if cfg.Heartbeat.IntervalSeconds != 5 {
		t.Errorf("expected heartbeat interval 5, got %d", cfg.Heartbeat.IntervalSeconds)
	}
	if len(cfg.Redis.Addrs) != 2 {
		t.Errorf("expected 2 redis addrs, got %d", len(cfg.Redis.Addrs))
	}
	// Fields absent from the file fall back to defaults.
	if cfg.Lock.TTLSeconds != 1800 {
		t.Errorf("expected lock ttl to fall back to default 1800, got %d", cfg.Lock.TTLSeconds)
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	// Only top-level, non-nested keys round-trip through the env provider:
	// PHONON_<KEY> is lowercased with no delimiter translation, so it can
	// only ever address a flat koanf key, not a nested struct path.
	t.Setenv("PHONON_NAMESPACE", "env-ns")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "env-ns" {
		t.Errorf("expected namespace 'env-ns' from env, got %s", cfg.Namespace)
	}
}

func TestLoadOrDie_PanicsOnInvalidFile(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected LoadOrDie to panic on a missing config file")
		}
	}()
	LoadOrDie("/nonexistent/path/config.yaml", nil)
}
