package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing config")
	}
	if resolved != path {
		t.Fatalf("resolved path = %q, want %q", resolved, path)
	}
	if cfg.Analysis.ClaimBatch != defaultClaimBatch {
		t.Fatalf("claim batch = %d, want %d", cfg.Analysis.ClaimBatch, defaultClaimBatch)
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("log format = %q, want console", cfg.Logging.Format)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[analysis]
claim_batch = 7
max_duration_seconds = 120

[scanner]
extensions = ["WAV", ".aiff", "", ".aiff"]

[logging]
format = "JSON"
level = "DEBUG"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected exists=true")
	}
	if cfg.Analysis.ClaimBatch != 7 {
		t.Fatalf("claim batch = %d, want 7", cfg.Analysis.ClaimBatch)
	}
	if cfg.Analysis.MaxDurationSeconds != 120 {
		t.Fatalf("max duration = %d, want 120", cfg.Analysis.MaxDurationSeconds)
	}
	if got := cfg.Scanner.Extensions; len(got) != 2 || got[0] != ".wav" || got[1] != ".aiff" {
		t.Fatalf("extensions = %v, want [.wav .aiff]", got)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("logging = %q/%q, want json/debug", cfg.Logging.Format, cfg.Logging.Level)
	}
}

func TestValidateRejectsBadHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.Analysis.HeartbeatInterval = 30
	cfg.Analysis.HeartbeatTimeout = 30
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "heartbeat_timeout") {
		t.Fatalf("expected heartbeat validation error, got %v", err)
	}
}

func TestExpandPathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := ExpandPath("~/samples")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if got != filepath.Join(home, "samples") {
		t.Fatalf("ExpandPath(~/samples) = %q", got)
	}
}
