package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crosswire.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://example:6379/1")

	path := writeConfig(t, `{
		"redis": {"url": "${TEST_REDIS_URL}"},
		"mesh": {"node_id": "${TEST_MISSING_NODE:fallback-node}"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.URL != "redis://example:6379/1" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
	if cfg.Mesh.NodeID != "fallback-node" {
		t.Errorf("node id = %q, want default applied", cfg.Mesh.NodeID)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"redis": {"url": "redis://localhost:6379"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mesh.TransportClass != "go" {
		t.Errorf("transport = %q, want go", cfg.Mesh.TransportClass)
	}
	if cfg.Mesh.LivenessTimeout() != 5*time.Minute {
		t.Errorf("liveness = %v, want 5m", cfg.Mesh.LivenessTimeout())
	}
	if cfg.Mesh.SweepInterval() != time.Minute {
		t.Errorf("sweep = %v, want 1m", cfg.Mesh.SweepInterval())
	}
	if cfg.Router.PollMillis != 250 {
		t.Errorf("poll = %d, want 250", cfg.Router.PollMillis)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"redis": `)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected read error")
	}
}
