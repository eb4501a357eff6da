package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigManager_LoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "bridge.yaml")
	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	cfg := cm.Get()
	if cfg.Session.SwitchTimeoutDuration() != 5*time.Second {
		t.Errorf("switch timeout = %s, want 5s", cfg.Session.SwitchTimeoutDuration())
	}
	if cfg.Session.SwitchPollDuration() != 100*time.Millisecond {
		t.Errorf("switch poll = %s, want 100ms", cfg.Session.SwitchPollDuration())
	}
}

func TestConfigManager_LoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	data := []byte("data_dir: /tmp/x\nsession:\n  stats_interval: 250ms\n  switch_timeout: bogus\nlogging:\n  level: debug\n  components:\n    Session: warn\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	bus := NewEventBus()
	reloaded := false
	bus.Subscribe(EventConfigReloaded, func(Event) { reloaded = true })

	cm := NewConfigManager(path, bus)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reloaded {
		t.Error("EventConfigReloaded not published")
	}

	cfg := cm.Get()
	if cfg.DataDir != "/tmp/x" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if got := cfg.Session.StatsIntervalDuration(); got != 250*time.Millisecond {
		t.Errorf("stats interval = %s, want 250ms", got)
	}
	if got := cfg.Session.SwitchTimeoutDuration(); got != 5*time.Second {
		t.Errorf("invalid switch timeout should fall back to 5s, got %s", got)
	}
	if cfg.IPC.Socket == "" {
		t.Error("unset keys should keep defaults")
	}
	if cfg.Logging.Components["Session"] != "warn" {
		t.Errorf("components = %v", cfg.Logging.Components)
	}
}

func TestConfigManager_LoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte("session: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := NewConfigManager(path, nil).Load(); err == nil {
		t.Fatal("expected parse error")
	}
}
