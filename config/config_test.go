package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingPathReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.MaxActiveSessions != Default().Server.MaxActiveSessions {
		t.Errorf("expected default MaxActiveSessions, got %d", cfg.Server.MaxActiveSessions)
	}
}

func TestLoadYAMLOverridesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	yamlBody := "server:\n  max_active_sessions: 5\nmodels:\n  default:\n    provider: openai\n    max_output: 2048\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.MaxActiveSessions != 5 {
		t.Errorf("MaxActiveSessions = %d, want 5", cfg.Server.MaxActiveSessions)
	}
	m, err := cfg.Model("")
	if err != nil {
		t.Fatalf("Model() error = %v", err)
	}
	if m.Provider != "openai" || m.MaxOutput != 2048 {
		t.Errorf("Model = %+v, want provider=openai max_output=2048", m)
	}
	if m.MaxContext != Default().Models["default"].MaxContext {
		t.Errorf("expected sparse override to fall back to default MaxContext, got %d", m.MaxContext)
	}
}

func TestManagerApplyBumpsVersion(t *testing.T) {
	m := NewManager(Default())
	_, v0 := m.Get()

	v1 := m.Apply(func(c *Config) { c.Server.MaxActiveSessions = 99 })
	if v1 != v0+1 {
		t.Errorf("version = %d, want %d", v1, v0+1)
	}

	cfg, v2 := m.Get()
	if v2 != v1 {
		t.Errorf("Get() version = %d, want %d", v2, v1)
	}
	if cfg.Server.MaxActiveSessions != 99 {
		t.Errorf("Server.MaxActiveSessions = %d, want 99", cfg.Server.MaxActiveSessions)
	}
}

func TestModelUnknownNameErrors(t *testing.T) {
	if _, err := Default().Model("nonexistent"); err == nil {
		t.Error("expected error for unknown model name")
	}
}
