package config

import (
	"path/filepath"
	"testing"

	"github.com/lespaceman/athena/internal/feed"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.yaml"), dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectDir != dir {
		t.Fatalf("ProjectDir = %q, want %q", cfg.ProjectDir, dir)
	}
	if cfg.AutoPassthroughMs != DefaultAutoPassthroughMs {
		t.Fatalf("AutoPassthroughMs = %d, want %d", cfg.AutoPassthroughMs, DefaultAutoPassthroughMs)
	}
}

func TestLoadAndSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "athena.yaml")

	cfg := Default(dir)
	cfg.AutoPassthroughMs = 500
	cfg.Rules = []feed.HookRule{{Pattern: "Bash", Action: "deny"}}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.AutoPassthroughMs != 500 {
		t.Fatalf("AutoPassthroughMs = %d, want 500", loaded.AutoPassthroughMs)
	}
	if len(loaded.Rules) != 1 || loaded.Rules[0].Pattern != "Bash" {
		t.Fatalf("Rules = %+v", loaded.Rules)
	}
}

func TestValidateRejectsBadRule(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Rules = []feed.HookRule{{Pattern: "Bash", Action: "maybe"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid rule action")
	}
}

func TestValidateRejectsNonPositiveDeadline(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.AutoPassthroughMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero deadline")
	}
}

func TestSocketPath(t *testing.T) {
	cfg := Default("/tmp/proj")
	cfg.InstanceID = "123"
	want := "/tmp/proj/.claude/run/ink-123.sock"
	if got := cfg.SocketPath(); got != want {
		t.Fatalf("SocketPath = %q, want %q", got, want)
	}
}

func TestRulesPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	fallback := []feed.HookRule{{Pattern: "Write", Action: "allow"}}
	rules, err := LoadRules(path, fallback)
	if err != nil {
		t.Fatalf("LoadRules (missing file): %v", err)
	}
	if len(rules) != 1 || rules[0].Pattern != "Write" {
		t.Fatalf("expected fallback rules, got %+v", rules)
	}

	updated := append(rules, feed.HookRule{Pattern: "Bash", Action: "deny"})
	if err := SaveRules(path, updated); err != nil {
		t.Fatalf("SaveRules: %v", err)
	}

	reloaded, err := LoadRules(path, nil)
	if err != nil {
		t.Fatalf("LoadRules (after save): %v", err)
	}
	if len(reloaded) != 2 {
		t.Fatalf("expected 2 persisted rules, got %d", len(reloaded))
	}
}
