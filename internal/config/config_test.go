package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := load(home)
	if err != nil {
		t.Fatalf("load with no config file failed: %v", err)
	}
	if cfg.DataDir != home {
		t.Errorf("data dir = %q, want %q", cfg.DataDir, home)
	}
	if cfg.DatabaseName != "inkwell.db" {
		t.Errorf("database name = %q", cfg.DatabaseName)
	}
	if cfg.DatabasePath() != filepath.Join(home, "inkwell.db") {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
	if cfg.CacheCapacity != 100 || cfg.CacheTTL != 5*time.Minute {
		t.Errorf("cache defaults = %d/%v", cfg.CacheCapacity, cfg.CacheTTL)
	}
	if cfg.BusAddr != "127.0.0.1:7411" {
		t.Errorf("bus addr = %q", cfg.BusAddr)
	}
	if cfg.RemoteURL != "" {
		t.Errorf("remote url should default empty, got %q", cfg.RemoteURL)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	yaml := `
remote_url: https://api.example.com
remote_token: secret
cache_capacity: 25
cache_ttl: 90s
sync_projects:
  - 1b671a64-40d5-491e-99b0-da01ff1f3341
sync_interval: 10s
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := load(home)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RemoteURL != "https://api.example.com" || cfg.RemoteToken != "secret" {
		t.Errorf("remote settings = %q/%q", cfg.RemoteURL, cfg.RemoteToken)
	}
	if cfg.CacheCapacity != 25 || cfg.CacheTTL != 90*time.Second {
		t.Errorf("cache settings = %d/%v", cfg.CacheCapacity, cfg.CacheTTL)
	}
	if len(cfg.SyncProjects) != 1 || cfg.SyncProjects[0] != "1b671a64-40d5-491e-99b0-da01ff1f3341" {
		t.Errorf("sync projects = %v", cfg.SyncProjects)
	}
	if cfg.SyncInterval != 10*time.Second {
		t.Errorf("sync interval = %v", cfg.SyncInterval)
	}
}

func TestHomeHonorsEnv(t *testing.T) {
	t.Setenv("INKWELL_HOME", "/tmp/elsewhere")
	if Home() != "/tmp/elsewhere" {
		t.Errorf("home = %q", Home())
	}
}
