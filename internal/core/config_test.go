package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BUTLER_LISTEN", "")
	t.Setenv("BUTLER_DB", "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8000" {
		t.Fatalf("unexpected listen %q", cfg.Server.Listen)
	}
	if len(cfg.Agents) != 6 || cfg.Agents[0].ID != "devops" || cfg.Agents[5].ID != "support" {
		t.Fatalf("unexpected default agents: %+v", cfg.Agents)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestLoadConfigOverlays(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("BUTLER_AGENT_TOKEN", "")
	t.Setenv("BUTLER_DB", "")
	if err := os.MkdirAll(filepath.Join(dir, "butler"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "butler", "secrets.env"), []byte("# tokens\nBUTLER_AGENT_TOKEN=\"s3cret\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "custom.yaml")
	yml := `
orchestrator:
  max_attempts: 5
  backoff_base: 250ms
agents:
  - id: remote-ops
    kind: devops
    capabilities: [devops]
    max_concurrent: 3
    backend:
      type: http
      url: http://10.0.0.5:8088
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BUTLER_LISTEN", "127.0.0.1:9999")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9999" {
		t.Fatalf("env override not applied: %q", cfg.Server.Listen)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Backend.Token != "s3cret" {
		t.Fatalf("expected token from secrets.env, got %+v", cfg.Agents)
	}
	opts := cfg.OrchestratorOptions()
	if opts.MaxAttempts != 5 || opts.Backoff.Base != 250*time.Millisecond {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.Backoff.Max != DefaultBackoff().Max || opts.Tick != time.Second {
		t.Fatalf("unset fields should keep defaults: %+v", opts)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = append(cfg.Agents, cfg.Agents[0])
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate agent id error")
	}
	cfg = DefaultConfig()
	cfg.Agents[0].Backend.Type = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BUTLER_LISTEN", "")
	t.Setenv("BUTLER_DB", "")
	if err := WriteConfig(path, DefaultConfig()); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.Timeouts["long"] != 30*time.Minute {
		t.Fatalf("durations should survive a round trip, got %v", cfg.Orchestrator.Timeouts)
	}
}
