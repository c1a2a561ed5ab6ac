// Package config resolves devhostd's daemon configuration: the data
// directory (ports.json/sessions.json live there), the control plane bind
// address, and the handful of tunables spec.md §6 calls out as
// environment variables. It generalizes the teacher's configDir/
// findOrCreateConfigDir (pkg/config/app_config.go), which resolves an xdg
// config directory with a DEBUG env override, to devhostd's data
// directory plus an optional YAML overrides file -- the same
// defaults-then-overlay shape as the teacher's loadUserConfigWithDefaults,
// scaled down to the small override surface this spec needs.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/jesseduffield/yaml"
)

const vendor = "devhostd"
const project = "devhostd"

// Config is the fully-resolved daemon configuration.
type Config struct {
	DataDir string

	ControlPlaneAddr string // loopback host:port, default 127.0.0.1:8081
	DashboardAddr    string // optional static-server bind, default 127.0.0.1:8080

	ShutdownDeadline time.Duration // default 10s, per C3 signal semantics
	OperationDeadline time.Duration // default 30s, per every tool operation
	ReadyGrace       time.Duration // default 5s

	LogRingCapacity   int           // default 10000 entries
	LogRingByteCeil   int64         // default 8MiB
	RetentionGrace    time.Duration // default 15m, per data-model lifecycle note

	SSEWriteDeadline time.Duration // default 5s
	SSEHeartbeat     time.Duration // default 15s

	Debug   bool
	Version string
	Commit  string
}

// overrides is the optional YAML file at <data-dir>/devhostd.yml. Only
// fields a user is likely to want to tune from their defaults are
// exposed here. The shutdown deadline and retention grace are set by
// environment variable only (see applyEnvOverrides); the remaining
// tunables always keep their defaults.
type overrides struct {
	ControlPlaneAddr *string `yaml:"controlPlaneAddr,omitempty"`
	DashboardAddr    *string `yaml:"dashboardAddr,omitempty"`
	LogRingCapacity  *int    `yaml:"logRingCapacity,omitempty"`
}

// Defaults returns the built-in configuration before any environment or
// file overrides are applied.
func Defaults() Config {
	return Config{
		ControlPlaneAddr:  "127.0.0.1:8081",
		DashboardAddr:     "127.0.0.1:8080",
		ShutdownDeadline:  10 * time.Second,
		OperationDeadline: 30 * time.Second,
		ReadyGrace:        5 * time.Second,
		LogRingCapacity:   10000,
		LogRingByteCeil:   8 << 20,
		RetentionGrace:    15 * time.Minute,
		SSEWriteDeadline:  5 * time.Second,
		SSEHeartbeat:      15 * time.Second,
	}
}

// Load resolves the data directory (xdg default, CONFIG_DIR/DEVHOSTD_DATA_DIR
// override), merges in <data-dir>/devhostd.yml if present, then applies
// environment-variable overrides, in that order -- narrowest scope wins,
// same precedence the teacher applies to its own config/env split.
func Load(version, commit string, debug bool) (Config, error) {
	cfg := Defaults()
	cfg.Version = version
	cfg.Commit = commit
	cfg.Debug = debug || os.Getenv("DEVHOSTD_DEBUG") == "1"

	dataDir, err := resolveDataDir()
	if err != nil {
		return Config{}, err
	}
	cfg.DataDir = dataDir

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return Config{}, err
	}

	if err := applyFileOverrides(&cfg, filepath.Join(dataDir, "devhostd.yml")); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func resolveDataDir() (string, error) {
	if dir := os.Getenv("DEVHOSTD_DATA_DIR"); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	dirs := xdg.New(vendor, project)
	return dirs.DataHome(), nil
}

func applyFileOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var ov overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return err
	}

	if ov.ControlPlaneAddr != nil {
		cfg.ControlPlaneAddr = *ov.ControlPlaneAddr
	}
	if ov.DashboardAddr != nil {
		cfg.DashboardAddr = *ov.DashboardAddr
	}
	if ov.LogRingCapacity != nil {
		cfg.LogRingCapacity = *ov.LogRingCapacity
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVHOSTD_ADDR"); v != "" {
		cfg.ControlPlaneAddr = v
	}
	if v := os.Getenv("DEVHOSTD_DASHBOARD_ADDR"); v != "" {
		cfg.DashboardAddr = v
	}
	if v := os.Getenv("DEVHOSTD_SHUTDOWN_DEADLINE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownDeadline = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DEVHOSTD_LOG_RING_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LogRingCapacity = n
		}
	}
	if v := os.Getenv("DEVHOSTD_RETENTION_GRACE_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionGrace = time.Duration(n) * time.Minute
		}
	}
}
