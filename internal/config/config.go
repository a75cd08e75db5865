// Package config provides unified configuration loading for heatstep.
// Settings come from built-in defaults, then ~/.heatstep/config.yaml, then
// HEATSTEP_* environment variables. Command-line flags override all three.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/heatstep/internal/device"
)

// DirName is the per-user and per-project state directory.
const DirName = ".heatstep"

// HeatConfig contains all heatstep configuration settings.
type HeatConfig struct {
	Device     DeviceConfig     `json:"device" yaml:"device"`
	Stepping   SteppingConfig   `json:"stepping" yaml:"stepping"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Watch      WatchConfig      `json:"watch" yaml:"watch"`
}

// DeviceConfig selects the compute device. It is resolved once per run.
type DeviceConfig struct {
	// Backend is "cpu" or, in binaries built with -tags opencl, "opencl".
	Backend string `json:"backend" yaml:"backend"`

	Platform int `json:"platform" yaml:"platform"`
	Device   int `json:"device" yaml:"device"`

	// KernelDir overrides the embedded step_world.cl.
	KernelDir string `json:"kernel_dir,omitempty" yaml:"kernel_dir,omitempty"`

	// Workers bounds CPU dispatch parallelism (0 = GOMAXPROCS).
	Workers int `json:"workers" yaml:"workers"`

	// MaxAllocBytes caps CPU device memory (0 = backend default).
	MaxAllocBytes int64 `json:"max_alloc_bytes" yaml:"max_alloc_bytes"`
}

// DeviceOptions converts the settings to a device.Config.
func (c DeviceConfig) DeviceOptions() device.Config {
	return device.Config{
		Backend:       c.Backend,
		Platform:      c.Platform,
		Device:        c.Device,
		KernelDir:     c.KernelDir,
		Workers:       c.Workers,
		MaxAllocBytes: c.MaxAllocBytes,
	}
}

// SteppingConfig holds defaults for the step command.
type SteppingConfig struct {
	// Variant is "transfer" or "resident".
	Variant string  `json:"variant" yaml:"variant"`
	Dt      float32 `json:"dt" yaml:"dt"`
	Steps   int     `json:"steps" yaml:"steps"`

	// VerifyTolerance is the largest difference from the sequential
	// reference --verify accepts.
	VerifyTolerance float64 `json:"verify_tolerance" yaml:"verify_tolerance"`
}

// LoggingConfig configures stderr logging and the trace file.
type LoggingConfig struct {
	// Level is "error", "warn", "info" (default), "debug" or "trace".
	// "debug" and "trace" also append run events to .heatstep/trace.jsonl.
	Level string `json:"level" yaml:"level"`

	// Format is "text" (default) or "json".
	Format string `json:"format" yaml:"format"`
}

// StoreConfig configures the run ledger.
type StoreConfig struct {
	// Record stores a summary of every step run in .heatstep/runs.db.
	Record bool `json:"record" yaml:"record"`
}

// CheckpointConfig configures periodic checkpoints during long runs.
type CheckpointConfig struct {
	// Every is the number of steps between checkpoints (0 = disabled).
	Every int    `json:"every" yaml:"every"`
	Dir   string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// MaxCount and MaxAge bound how many checkpoints are kept.
	MaxCount int    `json:"max_count" yaml:"max_count"`
	MaxAge   string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// WatchConfig configures the live frame server.
type WatchConfig struct {
	// Addr is the listen address; port 0 picks a free port.
	Addr string `json:"addr" yaml:"addr"`
}

// Default returns a HeatConfig with sensible defaults.
func Default() *HeatConfig {
	return &HeatConfig{
		Device: DeviceConfig{
			Backend: device.CPUBackendName,
		},
		Stepping: SteppingConfig{
			Variant:         "resident",
			Dt:              0.1,
			Steps:           1,
			VerifyTolerance: 1e-4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Checkpoint: CheckpointConfig{
			MaxCount: 10,
		},
		Watch: WatchConfig{
			Addr: "localhost:0",
		},
	}
}

// DefaultPath returns ~/.heatstep/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, DirName, "config.yaml"), nil
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.heatstep/config.yaml -> environment variables
func Load() (*HeatConfig, error) {
	cfg := Default()

	if path, err := DefaultPath(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			fileCfg, loadErr := LoadFromFile(path)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			cfg = fileCfg
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific YAML file. Keys absent
// from the file keep their defaults.
func LoadFromFile(path string) (*HeatConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Device.KernelDir = expandEnvVars(cfg.Device.KernelDir)
	cfg.Checkpoint.Dir = expandEnvVars(cfg.Checkpoint.Dir)
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func (c *HeatConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *HeatConfig) Validate() error {
	if c.Device.Backend == "" {
		return fmt.Errorf("device.backend must be set")
	}
	if c.Device.Platform < 0 || c.Device.Device < 0 {
		return fmt.Errorf("device indices must be non-negative, got platform %d device %d", c.Device.Platform, c.Device.Device)
	}
	if c.Device.Workers < 0 {
		return fmt.Errorf("device.workers must be non-negative, got %d", c.Device.Workers)
	}
	if c.Device.MaxAllocBytes < 0 {
		return fmt.Errorf("device.max_alloc_bytes must be non-negative, got %d", c.Device.MaxAllocBytes)
	}

	validVariants := map[string]bool{"transfer": true, "resident": true}
	if !validVariants[c.Stepping.Variant] {
		return fmt.Errorf("invalid variant: %s (valid: transfer, resident)", c.Stepping.Variant)
	}
	if c.Stepping.Steps < 0 {
		return fmt.Errorf("stepping.steps must be non-negative, got %d", c.Stepping.Steps)
	}
	if c.Stepping.VerifyTolerance < 0 {
		return fmt.Errorf("stepping.verify_tolerance must be non-negative, got %g", c.Stepping.VerifyTolerance)
	}

	validLevels := map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: error, warn, info, debug, trace, or empty for default)", c.Logging.Level)
	}
	validFormats := map[string]bool{"": true, "text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.Logging.Format)
	}

	if c.Checkpoint.Every < 0 {
		return fmt.Errorf("checkpoint.every must be non-negative, got %d", c.Checkpoint.Every)
	}
	if c.Checkpoint.MaxCount < 0 {
		return fmt.Errorf("checkpoint.max_count must be non-negative, got %d", c.Checkpoint.MaxCount)
	}
	return nil
}

// envInt parses an integer override, naming the variable on failure.
func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", name, v)
	}
	*dst = n
	return nil
}

// applyEnvOverrides applies HEATSTEP_* environment variables to the config.
// A malformed index is an error: the device choice must not silently fall
// back to a default.
func applyEnvOverrides(cfg *HeatConfig) error {
	if v := os.Getenv("HEATSTEP_BACKEND"); v != "" {
		cfg.Device.Backend = v
	}
	if err := envInt("HEATSTEP_SELECT_PLATFORM", &cfg.Device.Platform); err != nil {
		return err
	}
	if err := envInt("HEATSTEP_SELECT_DEVICE", &cfg.Device.Device); err != nil {
		return err
	}
	if v := os.Getenv("HEATSTEP_CL_SRC_DIR"); v != "" {
		cfg.Device.KernelDir = v
	}
	if err := envInt("HEATSTEP_WORKERS", &cfg.Device.Workers); err != nil {
		return err
	}
	if v := os.Getenv("HEATSTEP_VARIANT"); v != "" {
		cfg.Stepping.Variant = v
	}
	if v := os.Getenv("HEATSTEP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("HEATSTEP_RECORD"); v != "" {
		cfg.Store.Record = v == "true" || v == "1"
	}
	return nil
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

// Keys returns every dot-notation key understood by Get and Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(accessors))
	for k := range accessors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value stored under a dot-notation key.
func (c *HeatConfig) Get(key string) (any, bool) {
	a, ok := accessors[key]
	if !ok {
		return nil, false
	}
	return a.get(c), true
}

// Set parses value and stores it under a dot-notation key.
func (c *HeatConfig) Set(key, value string) error {
	a, ok := accessors[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err := a.set(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

type accessor struct {
	get func(*HeatConfig) any
	set func(*HeatConfig, string) error
}

func intField(f func(*HeatConfig) *int) accessor {
	return accessor{
		get: func(c *HeatConfig) any { return *f(c) },
		set: func(c *HeatConfig, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer %q", v)
			}
			*f(c) = n
			return nil
		},
	}
}

func stringField(f func(*HeatConfig) *string) accessor {
	return accessor{
		get: func(c *HeatConfig) any { return *f(c) },
		set: func(c *HeatConfig, v string) error {
			*f(c) = v
			return nil
		},
	}
}

func boolField(f func(*HeatConfig) *bool) accessor {
	return accessor{
		get: func(c *HeatConfig) any { return *f(c) },
		set: func(c *HeatConfig, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", v)
			}
			*f(c) = b
			return nil
		},
	}
}

var accessors = map[string]accessor{
	"device.backend":    stringField(func(c *HeatConfig) *string { return &c.Device.Backend }),
	"device.platform":   intField(func(c *HeatConfig) *int { return &c.Device.Platform }),
	"device.device":     intField(func(c *HeatConfig) *int { return &c.Device.Device }),
	"device.kernel_dir": stringField(func(c *HeatConfig) *string { return &c.Device.KernelDir }),
	"device.workers":    intField(func(c *HeatConfig) *int { return &c.Device.Workers }),
	"device.max_alloc_bytes": {
		get: func(c *HeatConfig) any { return c.Device.MaxAllocBytes },
		set: func(c *HeatConfig, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer %q", v)
			}
			c.Device.MaxAllocBytes = n
			return nil
		},
	},
	"stepping.variant": stringField(func(c *HeatConfig) *string { return &c.Stepping.Variant }),
	"stepping.dt": {
		get: func(c *HeatConfig) any { return c.Stepping.Dt },
		set: func(c *HeatConfig, v string) error {
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				return fmt.Errorf("invalid number %q", v)
			}
			c.Stepping.Dt = float32(f)
			return nil
		},
	},
	"stepping.steps": intField(func(c *HeatConfig) *int { return &c.Stepping.Steps }),
	"stepping.verify_tolerance": {
		get: func(c *HeatConfig) any { return c.Stepping.VerifyTolerance },
		set: func(c *HeatConfig, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid number %q", v)
			}
			c.Stepping.VerifyTolerance = f
			return nil
		},
	},
	"logging.level":        stringField(func(c *HeatConfig) *string { return &c.Logging.Level }),
	"logging.format":       stringField(func(c *HeatConfig) *string { return &c.Logging.Format }),
	"store.record":         boolField(func(c *HeatConfig) *bool { return &c.Store.Record }),
	"checkpoint.every":     intField(func(c *HeatConfig) *int { return &c.Checkpoint.Every }),
	"checkpoint.dir":       stringField(func(c *HeatConfig) *string { return &c.Checkpoint.Dir }),
	"checkpoint.max_count": intField(func(c *HeatConfig) *int { return &c.Checkpoint.MaxCount }),
	"checkpoint.max_age":   stringField(func(c *HeatConfig) *string { return &c.Checkpoint.MaxAge }),
	"watch.addr":           stringField(func(c *HeatConfig) *string { return &c.Watch.Addr }),
}
