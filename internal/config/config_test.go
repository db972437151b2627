package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Defaults.Priority != "Medium" || cfg.Defaults.Actor != "local-user" {
		t.Fatalf("unexpected defaults: %+v", cfg.Defaults)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path %q", cfg.Server.BasePath)
	}
}

func TestLoadFromFile(t *testing.T) {
	workspace := t.TempDir()
	raw := []byte("defaults:\n  actor: ops-bot\n  priority: High\nserver:\n  addr: 0.0.0.0:9000\n")
	if err := os.MkdirAll(filepath.Dir(Path(workspace)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(Path(workspace), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Defaults.Actor != "ops-bot" || cfg.Defaults.Priority != "High" {
		t.Fatalf("defaults: %+v", cfg.Defaults)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
	// unset fields keep defaults
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path %q", cfg.Server.BasePath)
	}
}

func TestValidateRejectsUnknownPriority(t *testing.T) {
	if _, err := FromYAML([]byte("defaults:\n  priority: Extreme\n")); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}

func TestValidateRejectsRelativeBasePath(t *testing.T) {
	if _, err := FromYAML([]byte("server:\n  base_path: v0\n")); err == nil {
		t.Fatalf("expected error for relative base path")
	}
}
