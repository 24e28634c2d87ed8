package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxquota.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Type != "sqlite" {
		t.Fatalf("expected sqlite storage, got %q", cfg.Storage.Type)
	}
	if cfg.Quota.DefaultPeriodLimitSeconds != 900 {
		t.Fatalf("expected default period limit 900, got %d", cfg.Quota.DefaultPeriodLimitSeconds)
	}
	if cfg.Quota.DefaultMaxConcurrentSessions != 3 {
		t.Fatalf("expected default concurrency 3, got %d", cfg.Quota.DefaultMaxConcurrentSessions)
	}

	timings, err := cfg.Quota.Timings()
	if err != nil {
		t.Fatalf("timings: %v", err)
	}
	if timings.TokenExpiry != 20*time.Minute {
		t.Fatalf("expected token expiry 20m, got %s", timings.TokenExpiry)
	}
	if timings.WarningThreshold != 5*time.Minute {
		t.Fatalf("expected warning threshold 5m, got %s", timings.WarningThreshold)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: bolt
  path: /tmp/voxquota-test.bolt
quota:
  period: day
  default_period_limit_seconds: 3600
  token_expiry: 30m
admin:
  token: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Type != "bolt" || cfg.Storage.Path != "/tmp/voxquota-test.bolt" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Quota.Period != "day" || cfg.Quota.DefaultPeriodLimitSeconds != 3600 {
		t.Fatalf("unexpected quota config: %+v", cfg.Quota)
	}
	if cfg.Quota.DefaultSessionLimitSeconds != 900 {
		t.Fatalf("expected unset keys to keep defaults, got %d", cfg.Quota.DefaultSessionLimitSeconds)
	}
	if cfg.Admin.Token != "secret" {
		t.Fatalf("expected admin token from file, got %q", cfg.Admin.Token)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("VOXQUOTA_QUOTA_DEFAULT_SESSION_LIMIT_SECONDS", "120")
	t.Setenv("VOXQUOTA_STORAGE_FALLBACK_PATH", "/tmp/voxquota-fallback.json")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Quota.DefaultSessionLimitSeconds != 120 {
		t.Fatalf("expected env override 120, got %d", cfg.Quota.DefaultSessionLimitSeconds)
	}
	if cfg.Storage.FallbackPath != "/tmp/voxquota-fallback.json" {
		t.Fatalf("expected env fallback path, got %q", cfg.Storage.FallbackPath)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown storage type", "storage:\n  type: postgres\n"},
		{"unknown period", "quota:\n  period: week\n"},
		{"bad duration", "quota:\n  token_expiry: soon\n"},
		{"min above max", "quota:\n  min_session_duration: 2h\n  max_session_duration: 1h\n"},
		{"renewal beyond expiry", "quota:\n  token_expiry: 1m\n  renewal_threshold: 2m\n"},
		{"bad port", "server:\n  api_port: 70000\n"},
		{"zero concurrency", "quota:\n  default_max_concurrent_sessions: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestKnownKeysCoverEveryDefault(t *testing.T) {
	keys := KnownKeys()
	for _, key := range []string{
		"server.api_port",
		"storage.redis.password",
		"quota.token_secret",
		"quota.limits_cache_ttl",
		"admin.token",
	} {
		if !keys[key] {
			t.Errorf("expected %s to be a known key", key)
		}
	}
	if keys["dns.upstream_servers"] {
		t.Error("unexpected key dns.upstream_servers")
	}
}

func TestDefaultsMatchLoad(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *Defaults() != *loaded {
		t.Fatalf("defaults %+v differ from loaded %+v", *Defaults(), *loaded)
	}
}
