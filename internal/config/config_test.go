package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Budget.PerTask.Limit != 5.0 {
		t.Errorf("expected per-task limit 5.0, got %v", cfg.Budget.PerTask.Limit)
	}
	if cfg.Quota.MaxQueueSize != 1000 {
		t.Errorf("expected max queue 1000, got %d", cfg.Quota.MaxQueueSize)
	}
	if cfg.Router.MinConfidenceHigh != 0.5 {
		t.Errorf("expected high confidence floor 0.5, got %v", cfg.Router.MinConfidenceHigh)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", cfg.Breaker.FailureThreshold)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[server]
listen_addr = ":9090"

[budget]
[budget.daily]
limit = 100.0
warn_pct = 0.75
`), 0644)

	cfg := Load(path)
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Budget.Daily.Limit != 100.0 {
		t.Errorf("expected daily limit 100.0, got %v", cfg.Budget.Daily.Limit)
	}
	// Defaults preserved for untouched fields
	if cfg.Budget.PerTask.Limit != 5.0 {
		t.Errorf("default per-task limit should be preserved, got %v", cfg.Budget.PerTask.Limit)
	}
	if cfg.Quota.MaxQueueSize != 1000 {
		t.Errorf("default quota should be preserved, got %d", cfg.Quota.MaxQueueSize)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("GATEKEEPER_AUTH_TOKEN", "env-token")
	t.Setenv("GATEKEEPER_LISTEN_ADDR", ":7070")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Server.AuthToken != "env-token" {
		t.Errorf("expected env-token, got %s", cfg.Server.AuthToken)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("expected :7070, got %s", cfg.Server.ListenAddr)
	}
}

func TestObserverEnabledEnvOverride(t *testing.T) {
	t.Setenv("GATEKEEPER_OBSERVER_ENABLED", "1")
	cfg := Load("/nonexistent/path.toml")
	if !cfg.Observer.Enabled {
		t.Error("expected observer enabled via env override")
	}
}
