package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/service"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// === Load ===

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits.WindowMaxCalls != 50 || cfg.Limits.WindowMS != 300000 {
		t.Errorf("window defaults: %+v", cfg.Limits)
	}
	if cfg.Defaults["sentinel"] != "fast" {
		t.Errorf("role defaults missing: %v", cfg.Defaults)
	}
	if cfg.Engine.MaxIterations != 10 {
		t.Errorf("engine defaults: %+v", cfg.Engine)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
limits:
  window_max_calls: 7
engine:
  mode: single_loop
models:
  - id: fast-9
    tier: fast
    supports_tools: true
    max_context_tokens: 64000
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits.WindowMaxCalls != 7 {
		t.Errorf("override lost: %+v", cfg.Limits)
	}
	if cfg.Engine.Mode != "single_loop" {
		t.Errorf("mode override lost: %+v", cfg.Engine)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].MaxContextTokens != 64000 {
		t.Errorf("models not decoded: %+v", cfg.Models)
	}
}

// === Bootstrap ===

func TestBootstrap_SeedsAndNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	if err := Bootstrap(dir, testLogger()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, name := range []string{"config.yaml", "nudges.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not seeded: %v", name, err)
		}
	}

	// User edits survive a second bootstrap.
	edited := []byte("# my config\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), edited, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Bootstrap(dir, testLogger()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if string(got) != string(edited) {
		t.Error("bootstrap must never overwrite user edits")
	}
}

// === Resolver ===

func resolverFixture() *Resolver {
	cfg := &Config{
		Defaults: map[string]string{
			"orchestrator": "balanced",
			"sub_agent":    "balanced",
			"sentinel":     "fast",
		},
		Models: []ModelConfig{
			{ID: "deep-1", Tier: "deep", SupportsTools: true, MaxContextTokens: 200000},
			{ID: "bal-1", Tier: "balanced", SupportsTools: true, MaxContextTokens: 128000},
			{ID: "fast-1", Tier: "fast", SupportsTools: true, MaxContextTokens: 64000},
		},
	}
	return cfg.Resolver()
}

func TestResolver_RoleDefault(t *testing.T) {
	r := resolverFixture()
	m := r.Resolve(service.RoleSubAgent, "")
	if m.ID != "bal-1" || m.MaxContextTokens != 128000 {
		t.Errorf("resolved %+v", m)
	}
}

func TestResolver_OverrideBeatsRole(t *testing.T) {
	r := resolverFixture()
	if m := r.Resolve(service.RoleSubAgent, "deep-1"); m.ID != "deep-1" {
		t.Errorf("override should win, got %+v", m)
	}
}

func TestResolver_UnknownOverrideStillResolves(t *testing.T) {
	r := resolverFixture()
	m := r.Resolve(service.RoleSubAgent, "mystery-model")
	if m.ID != "mystery-model" {
		t.Errorf("unknown overrides pass through, got %+v", m)
	}
	if m.MaxContextTokens != fallbackContextTokens {
		t.Errorf("unknown overrides get the conservative window, got %d", m.MaxContextTokens)
	}
}

func TestResolver_UnknownRole(t *testing.T) {
	r := resolverFixture()
	if m := r.Resolve("no_such_role", ""); m.ID != "" {
		t.Errorf("unknown roles resolve to nothing, got %+v", m)
	}
}
