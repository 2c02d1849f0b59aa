// Package config provides configuration management for the control surface.
//
// This package handles reading .opsdeck/config.yaml, applying defaults and
// clamping, and watching the file for live tuning changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tuning values. Everything here is overridable via config.yaml.
const (
	// DefaultHeartbeatTimeout is how long the controller may stay silent
	// before the watchdog escalates.
	DefaultHeartbeatTimeout = 5 * time.Minute

	// MinHeartbeatTimeout and MaxHeartbeatTimeout clamp operator-supplied
	// heartbeat timeouts.
	MinHeartbeatTimeout = 30 * time.Second
	MaxHeartbeatTimeout = time.Hour

	// DefaultWatchdogPoll is the watchdog evaluation interval.
	DefaultWatchdogPoll = 5 * time.Second

	// DefaultOrphanPoll is the liveness probe interval for running pids.
	DefaultOrphanPoll = time.Second

	// DefaultEvictHigh and DefaultEvictLow bound the run registry.
	DefaultEvictHigh = 400
	DefaultEvictLow  = 200
)

// Duration wraps time.Duration so YAML values like "90s" or "5m" parse with
// time.ParseDuration. Bare integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %s", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the .opsdeck/config.yaml file.
type Config struct {
	// Watchdog tunes heartbeat monitoring and escalation.
	Watchdog WatchdogConfig `yaml:"watchdog,omitempty"`

	// Registry tunes run retention bounds.
	Registry RegistryConfig `yaml:"registry,omitempty"`

	// Supervisor tunes process supervision.
	Supervisor SupervisorConfig `yaml:"supervisor,omitempty"`

	// CoreServices describes the external core-services stop command.
	CoreServices CoreServicesConfig `yaml:"core_services,omitempty"`
}

// WatchdogConfig tunes the heartbeat watchdog.
type WatchdogConfig struct {
	// HeartbeatTimeout is how long the controller may stay silent before
	// escalation. Clamped to [30s, 1h].
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout,omitempty"`

	// PollInterval is how often the watchdog re-evaluates.
	PollInterval Duration `yaml:"poll_interval,omitempty"`
}

// RegistryConfig tunes run retention.
type RegistryConfig struct {
	// EvictHigh is the registry size that triggers eviction.
	EvictHigh int `yaml:"evict_high,omitempty"`

	// EvictLow is the size eviction shrinks back to.
	EvictLow int `yaml:"evict_low,omitempty"`
}

// SupervisorConfig tunes process supervision.
type SupervisorConfig struct {
	// OrphanPollInterval is the pid liveness probe interval.
	OrphanPollInterval Duration `yaml:"orphan_poll_interval,omitempty"`

	// LogDir is where per-run diagnostic logs are written. Defaults to
	// .opsdeck/logs under the workspace root.
	LogDir string `yaml:"log_dir,omitempty"`
}

// CoreServicesConfig describes the opaque external command used to stop
// supporting core services. The command must be idempotent on its side; the
// control surface additionally guarantees it is issued at most once per
// process lifetime.
type CoreServicesConfig struct {
	// StopCommand is the argv of the stop command, e.g.
	// ["opsdeck-core", "stop", "--all"]. Empty disables the phase.
	StopCommand []string `yaml:"stop_command,omitempty"`
}

// applyDefaults fills zero values and clamps out-of-range tunables.
func (c *Config) applyDefaults() {
	if c.Watchdog.HeartbeatTimeout == 0 {
		c.Watchdog.HeartbeatTimeout = Duration(DefaultHeartbeatTimeout)
	}
	if c.Watchdog.HeartbeatTimeout.Std() < MinHeartbeatTimeout {
		c.Watchdog.HeartbeatTimeout = Duration(MinHeartbeatTimeout)
	}
	if c.Watchdog.HeartbeatTimeout.Std() > MaxHeartbeatTimeout {
		c.Watchdog.HeartbeatTimeout = Duration(MaxHeartbeatTimeout)
	}
	if c.Watchdog.PollInterval <= 0 {
		c.Watchdog.PollInterval = Duration(DefaultWatchdogPoll)
	}
	if c.Registry.EvictHigh <= 0 {
		c.Registry.EvictHigh = DefaultEvictHigh
	}
	if c.Registry.EvictLow <= 0 || c.Registry.EvictLow >= c.Registry.EvictHigh {
		c.Registry.EvictLow = c.Registry.EvictHigh / 2
	}
	if c.Supervisor.OrphanPollInterval <= 0 {
		c.Supervisor.OrphanPollInterval = Duration(DefaultOrphanPoll)
	}
}

// Default returns a config with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses a config file, applying defaults and clamping.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// ConfigPath returns the path of the config file under a workspace root.
func ConfigPath(root string) string {
	return filepath.Join(root, ".opsdeck", "config.yaml")
}

// SessionsPath returns the path of the sessions file under a workspace root.
func SessionsPath(root string) string {
	return filepath.Join(root, ".opsdeck", "sessions.json")
}

// StoppedMarkerPath returns the path of the clean-shutdown marker file.
func StoppedMarkerPath(root string) string {
	return filepath.Join(root, ".opsdeck", ".stopped")
}

// PIDFilePath returns the path of the session pid file.
func PIDFilePath(root string) string {
	return filepath.Join(root, ".opsdeck", ".sessions.pid")
}

// LogDir resolves the per-run diagnostic log directory for a workspace root.
func (c *Config) LogDir(root string) string {
	if c.Supervisor.LogDir != "" {
		return c.Supervisor.LogDir
	}
	return filepath.Join(root, ".opsdeck", "logs")
}

// FindRoot walks up from dir looking for a .opsdeck/ directory.
func FindRoot(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	current := absDir
	for {
		deckDir := filepath.Join(current, ".opsdeck")
		if info, err := os.Stat(deckDir); err == nil && info.IsDir() {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no .opsdeck/ directory found (searched from %s to /)", absDir)
		}
		current = parent
	}
}
