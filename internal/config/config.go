package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config centralizes every tunable the engines consume. The retry ceiling
// and the refresh backoff are deliberately separate knobs; they are not
// meant to track each other.
type Config struct {
	SocketPath string
	DBPath     string

	InactivityTimeout time.Duration
	TimerCap          time.Duration
	TimerHistoryLimit int

	MaxConnectRetries  int
	RefreshBackoffBase time.Duration
	RefreshBackoffMax  time.Duration

	BusHistoryLimit      int
	SnapshotHistoryLimit int

	MaxFrameSize int
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DBPath:               defaultDBPath(),
		InactivityTimeout:    10 * time.Minute,
		TimerCap:             12 * time.Hour,
		TimerHistoryLimit:    50,
		MaxConnectRetries:    3,
		RefreshBackoffBase:   2 * time.Second,
		RefreshBackoffMax:    5 * time.Minute,
		BusHistoryLimit:      256,
		SnapshotHistoryLimit: 20,
		MaxFrameSize:         1 << 20,
	}
}

type fileConfig struct {
	SocketPath           string `yaml:"socket_path"`
	DBPath               string `yaml:"db_path"`
	InactivityTimeout    string `yaml:"inactivity_timeout"`
	TimerCap             string `yaml:"timer_cap"`
	TimerHistoryLimit    *int   `yaml:"timer_history_limit"`
	MaxConnectRetries    *int   `yaml:"max_connect_retries"`
	RefreshBackoffBase   string `yaml:"refresh_backoff_base"`
	RefreshBackoffMax    string `yaml:"refresh_backoff_max"`
	BusHistoryLimit      *int   `yaml:"bus_history_limit"`
	SnapshotHistoryLimit *int   `yaml:"snapshot_history_limit"`
	MaxFrameSize         *int   `yaml:"max_frame_size"`
}

// Load overlays a YAML file onto the defaults. A missing file is not an
// error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if fc.SocketPath != "" {
		cfg.SocketPath = fc.SocketPath
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if err := overlayDuration(&cfg.InactivityTimeout, fc.InactivityTimeout, "inactivity_timeout"); err != nil {
		return cfg, err
	}
	if err := overlayDuration(&cfg.TimerCap, fc.TimerCap, "timer_cap"); err != nil {
		return cfg, err
	}
	if err := overlayDuration(&cfg.RefreshBackoffBase, fc.RefreshBackoffBase, "refresh_backoff_base"); err != nil {
		return cfg, err
	}
	if err := overlayDuration(&cfg.RefreshBackoffMax, fc.RefreshBackoffMax, "refresh_backoff_max"); err != nil {
		return cfg, err
	}
	overlayInt(&cfg.TimerHistoryLimit, fc.TimerHistoryLimit)
	overlayInt(&cfg.MaxConnectRetries, fc.MaxConnectRetries)
	overlayInt(&cfg.BusHistoryLimit, fc.BusHistoryLimit)
	overlayInt(&cfg.SnapshotHistoryLimit, fc.SnapshotHistoryLimit)
	overlayInt(&cfg.MaxFrameSize, fc.MaxFrameSize)
	return cfg, nil
}

func overlayDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("parse %s: must be positive", field)
	}
	*dst = d
	return nil
}

func overlayInt(dst *int, v *int) {
	if v != nil && *v > 0 {
		*dst = *v
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "worklens", "worklensd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".worklensd.sock"
	}
	return filepath.Join(home, ".local", "state", "worklens", "worklensd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "worklens.db"
	}
	return filepath.Join(home, ".local", "state", "worklens", "state.db")
}
