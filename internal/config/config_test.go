package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"tracer/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	rules := cfg.Rules()
	if !rules.HasActionPermission("admin", "user.delete") {
		t.Errorf("admin must be able to delete users")
	}
	if rules.HasActionPermission("user", "project.create") {
		t.Errorf("plain users must not create projects")
	}
	if !rules.HasMinimumRole("supervisor", "installer") {
		t.Errorf("supervisor must rank above installer")
	}
	if !rules.HasModuleAccess("accountant", "reports") {
		t.Errorf("accountant must access the reports module")
	}
	if rules.HasModuleAccess("installer", "settings") {
		t.Errorf("installer must not access settings")
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if !cfg.Rules().HasActionPermission("admin", "project.create") {
		t.Fatalf("fallback config looks empty")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracer.yml")
	data := []byte(`permissions:
  ranks:
    admin: 100
    tech: 20
  actions:
    admin: [project.create, user.delete]
    tech: [task.update]
  modules:
    admin: [projects]
    tech: [tasks]
webhooks:
  - url: https://example.com/hook
    events: [task.assigned]
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Rules().HasActionPermission("tech", "task.update") {
		t.Errorf("custom role grant missing")
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Errorf("webhook config not parsed: %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no actions", "permissions:\n  ranks:\n    admin: 1\n"},
		{"no admin role", "permissions:\n  actions:\n    tech: [task.update]\n"},
		{"empty action id", "permissions:\n  actions:\n    admin: ['']\n"},
		{"webhook without url", "permissions:\n  actions:\n    admin: [x]\nwebhooks:\n  - secret: s\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(c.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
