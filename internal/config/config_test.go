package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != defaultListen || cfg.RefreshCron != defaultRefresh {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listen: ":9000"
log_level: DEBUG
sources:
  - id: work
    url: https://example.com/work.ics
    color: "#336699"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.HorizonDays != defaultHorizon || cfg.Capture.Width != 800 {
		t.Fatalf("defaults not filled: %+v", cfg)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Color != "#336699" {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
refresh: "every minute"
timezone: Mars/Olympus
sources:
  - id: a
    url: https://example.com/a.ics
  - id: a
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Resources = []ResourceConfig{{ID: "room", Title: "Room"}}
	cfg.BasicAuth = &BasicAuthConfig{Username: "u", Password: "p"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BasicAuth == nil || got.BasicAuth.Username != "u" {
		t.Fatalf("basic auth lost: %+v", got.BasicAuth)
	}
	if len(got.Resources) != 1 || got.Resources[0].ID != "room" {
		t.Fatalf("resources lost: %+v", got.Resources)
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{Timezone: "Nowhere/Special"}
	if cfg.Location().String() != "UTC" {
		t.Fatalf("expected UTC fallback")
	}
}
