package device

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Backend enumerates platforms and opens devices of one kind.
type Backend interface {
	Name() string
	Platforms() ([]PlatformInfo, error)

	// Open builds src for the selected device. Indices have already been
	// checked against Platforms.
	Open(cfg Config, src KernelSource) (Device, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// Register makes a backend available by name. Registering a name twice
// replaces the earlier backend.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, backendNamesLocked())
	}
	return b, nil
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendNamesLocked()
}

func backendNamesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe lists the platforms and devices of a backend.
func Describe(backend string) ([]PlatformInfo, error) {
	b, err := Lookup(backend)
	if err != nil {
		return nil, err
	}
	return b.Platforms()
}

// Open resolves cfg to a single device: it loads the kernel source,
// enumerates platforms, applies the platform and device indices and builds
// the program. Every failure here is fatal for a run.
func Open(cfg Config, logger *slog.Logger) (Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b, err := Lookup(cfg.Backend)
	if err != nil {
		return nil, err
	}

	platforms, err := b.Platforms()
	if err != nil {
		return nil, fmt.Errorf("enumerating %s platforms: %w", b.Name(), err)
	}
	if len(platforms) == 0 {
		return nil, fmt.Errorf("%w: backend %s reported none", ErrNoPlatform, b.Name())
	}
	logger.Debug("found platforms", "backend", b.Name(), "count", len(platforms))
	for _, p := range platforms {
		logger.Debug("platform", "index", p.Index, "name", p.Name, "vendor", p.Vendor)
	}

	if cfg.Platform < 0 || cfg.Platform >= len(platforms) {
		return nil, fmt.Errorf("%w: platform %d requested, %d available", ErrNoPlatform, cfg.Platform, len(platforms))
	}
	platform := platforms[cfg.Platform]
	logger.Info("choosing platform", "index", cfg.Platform, "vendor", platform.Vendor)

	if len(platform.Devices) == 0 {
		return nil, fmt.Errorf("%w: platform %d (%s) has no devices", ErrNoDevice, cfg.Platform, platform.Name)
	}
	for _, d := range platform.Devices {
		logger.Debug("device", "index", d.Index, "name", d.Name)
	}
	if cfg.Device < 0 || cfg.Device >= len(platform.Devices) {
		return nil, fmt.Errorf("%w: device %d requested, platform %d has %d", ErrNoDevice, cfg.Device, cfg.Platform, len(platform.Devices))
	}
	logger.Info("choosing device", "index", cfg.Device, "name", platform.Devices[cfg.Device].Name)

	src, err := LoadKernelSource(cfg.KernelDir)
	if err != nil {
		return nil, err
	}

	return b.Open(cfg, src)
}
