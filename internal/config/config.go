package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the on-disk configuration for an install root, normally stored at
// <install-root>/rollkeeper.toml. CLI flags override individual values.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Feed     FeedConfig     `toml:"feed"`
	Busy     BusyConfig     `toml:"busy"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Verify   VerifyConfig   `toml:"verify"`
	Notify   NotifyConfig   `toml:"notify"`
}

// ServiceConfig describes the managed service and how to control it.
type ServiceConfig struct {
	Name    string   `toml:"name"`
	Backend string   `toml:"backend"` // systemd | process | manual
	Unit    string   `toml:"unit"`    // systemd unit name
	Command string   `toml:"command"` // process backend: executable, relative to install root
	Args    []string `toml:"args"`
	PIDFile string   `toml:"pid_file"` // process backend: pid file, relative to install root
	// Probe confirms the service is actually up after start.
	// Supported: http://..., tcp://host:port, cmd:<shell>.
	Probe        string `toml:"probe"`
	StopTimeout  string `toml:"stop_timeout"`
	StartTimeout string `toml:"start_timeout"`
}

// FeedConfig points at the release feed.
type FeedConfig struct {
	URL string `toml:"url"`
}

// BusyConfig selects the idle-detection heuristic.
type BusyConfig struct {
	Mode         string  `toml:"mode"` // cpu | tasks
	CPUThreshold float64 `toml:"cpu_threshold"`
	TasksURL     string  `toml:"tasks_url"`
	PollInterval string  `toml:"poll_interval"`
}

// SnapshotConfig lists the paths (relative to the install root) captured
// before a mutating update.
type SnapshotConfig struct {
	Paths []string `toml:"paths"`
}

// VerifyConfig lists the entrypoint files that must exist after an install.
type VerifyConfig struct {
	Required []string `toml:"required"`
}

// NotifyConfig optionally publishes the final session summary.
type NotifyConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// Default returns a config with conservative defaults applied.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:         "worker",
			Backend:      "process",
			Command:      "bin/worker",
			PIDFile:      "run/worker.pid",
			StopTimeout:  "30s",
			StartTimeout: "30s",
		},
		Busy: BusyConfig{
			Mode:         "cpu",
			CPUThreshold: 20.0,
			PollInterval: "30s",
		},
		Snapshot: SnapshotConfig{Paths: []string{"bin", "manifest.toml", "config"}},
		Verify:   VerifyConfig{Required: []string{"manifest.toml"}},
	}
}

// Load reads and validates a TOML config file, layered over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	var m map[string]any
	if err := toml.Unmarshal(b, &m); err == nil {
		if err := validateConfigMap(m); err != nil {
			return cfg, fmt.Errorf("invalid config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// DurationOr parses s as a duration, falling back to def when empty or bad.
func DurationOr(s string, def time.Duration) time.Duration {
	if strings.TrimSpace(s) == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
