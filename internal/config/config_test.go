package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"handoff/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Agent.Role != domain.RoleCloud {
		t.Fatalf("expected cloud role, got %s", cfg.Agent.Role)
	}
	if cfg.Lifecycle.MaxAttempts != 3 || cfg.Dispatch.Workers != 3 || cfg.Thresholds.MonetaryLimit != 500 {
		t.Fatalf("unexpected defaults: %+v", cfg.Lifecycle)
	}
	if cfg.Dispatch.PollInterval != 60*time.Second || cfg.Liveness.Interval != 30*time.Second {
		t.Fatalf("durations not parsed: %v %v", cfg.Dispatch.PollInterval, cfg.Liveness.Interval)
	}
	if !cfg.Capabilities.Roles["cloud"].DraftOnly || cfg.Capabilities.Roles["local"].DraftOnly {
		t.Fatalf("draft-only flags wrong")
	}
}

func TestRouting(t *testing.T) {
	cfg := DefaultFor(domain.RoleLocal)
	if !cfg.Routes("correspondence", domain.RoleCloud) || !cfg.Routes("correspondence", domain.RoleLocal) {
		t.Fatalf("default routing should include both roles")
	}
	if cfg.Routes("whatsapp_chat", domain.RoleCloud) {
		t.Fatalf("whatsapp should be local only")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown agent role": func(c *Config) { c.Agent.Role = "edge" },
		"zero attempts":      func(c *Config) { c.Lifecycle.MaxAttempts = 0 },
		"zero workers":       func(c *Config) { c.Dispatch.Workers = 0 },
		"bad pattern":        func(c *Config) { c.Sync.DenyPatterns = []string{"("} },
		"bad glob":           func(c *Config) { c.Sync.DenyGlobs = []string{"["} },
		"unknown route role": func(c *Config) { c.Routing.Kinds = map[string][]domain.Role{"x": {"edge"}} },
		"hook without url":   func(c *Config) { c.Collaborators.Actions = map[string]ActionHook{"send_email": {}} },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	body := strings.Replace(GenerateDefault(domain.RoleLocal), "max_attempts: 3", "max_attempts: 5", 1)
	if err := os.WriteFile(filepath.Join(dir, "handoff.yml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Role != domain.RoleLocal || cfg.Lifecycle.MaxAttempts != 5 {
		t.Fatalf("unexpected loaded config: role=%s max=%d", cfg.Agent.Role, cfg.Lifecycle.MaxAttempts)
	}
}
