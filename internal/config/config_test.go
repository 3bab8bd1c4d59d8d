package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/spec"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.PollDelay != 30*time.Second || cfg.MaxPollAttempts != 40 || cfg.CheckTimeout != 5*time.Second {
		t.Errorf("Unexpected poll settings %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	// 1. Setup
	path := filepath.Join(t.TempDir(), "devforge.yaml")
	content := `
http_addr: 127.0.0.1:9090
poll_delay: 2s
max_poll_attempts: 3
restrict_management: true
ports:
  agents:
    codex: 5100
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// 2. Execute
	cfg, err := LoadFile(path)

	// 3. Assertions
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9090" || cfg.PollDelay != 2*time.Second || cfg.MaxPollAttempts != 3 || !cfg.RestrictManagement {
		t.Errorf("Expected overrides to apply, got %+v", cfg)
	}
	if cfg.CheckTimeout != 5*time.Second || cfg.DBPath != "devforge.db" {
		t.Errorf("Expected defaults for absent keys, got %+v", cfg)
	}
	if cfg.Ports.Port(spec.Codex) != 5100 || cfg.Ports.Port(spec.OpenCode) != 4096 || cfg.Ports.Terminal != spec.TerminalPort {
		t.Errorf("Expected a merged ports block, got %+v", cfg.Ports)
	}
}

func TestLoadFileRejectsCollidingPorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devforge.yaml")
	os.WriteFile(path, []byte("ports:\n  agents:\n    codex: 4099\n"), 0o600)

	if _, err := LoadFile(path); err == nil {
		t.Error("Expected a port collision to be rejected")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.PollDelay = 0
	cfg.MaxPollAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected invalid poll settings to be rejected")
	}
}
