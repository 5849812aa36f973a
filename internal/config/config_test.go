package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsSelfConsistent(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RefreshBackoffBase >= cfg.RefreshBackoffMax {
		t.Fatalf("backoff base %v should be below max %v", cfg.RefreshBackoffBase, cfg.RefreshBackoffMax)
	}
	if cfg.MaxConnectRetries <= 0 {
		t.Fatalf("expected positive retry ceiling, got %d", cfg.MaxConnectRetries)
	}
	if cfg.TimerCap <= cfg.InactivityTimeout {
		t.Fatalf("cap %v should exceed inactivity timeout %v", cfg.TimerCap, cfg.InactivityTimeout)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverlaysValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
inactivity_timeout: 5m
timer_cap: 8h
max_connect_retries: 5
refresh_backoff_base: 1s
bus_history_limit: 64
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InactivityTimeout != 5*time.Minute {
		t.Fatalf("expected 5m inactivity, got %v", cfg.InactivityTimeout)
	}
	if cfg.TimerCap != 8*time.Hour {
		t.Fatalf("expected 8h cap, got %v", cfg.TimerCap)
	}
	if cfg.MaxConnectRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.MaxConnectRetries)
	}
	if cfg.RefreshBackoffBase != time.Second {
		t.Fatalf("expected 1s backoff base, got %v", cfg.RefreshBackoffBase)
	}
	if cfg.BusHistoryLimit != 64 {
		t.Fatalf("expected 64 history, got %d", cfg.BusHistoryLimit)
	}
	// Untouched fields keep their defaults.
	if cfg.RefreshBackoffMax != DefaultConfig().RefreshBackoffMax {
		t.Fatalf("expected default backoff max, got %v", cfg.RefreshBackoffMax)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("timer_cap: soon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
