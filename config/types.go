package config

import (
	"time"

	"github.com/grovetools/vibebox/logging"
)

// Config is the effective vibebox configuration for one project.
type Config struct {
	Box        BoxConfig        `toml:"box"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Logging    logging.Config   `toml:"logging"`
}

// BoxConfig describes the VM handed to the hypervisor backend.
type BoxConfig struct {
	CPUCount int `toml:"cpu_count"`
	RAMMB    int `toml:"ram_mb"`
	DiskGB   int `toml:"disk_gb"`

	// Mounts are passed to the backend untouched ("host:guest[:mode]").
	Mounts []string `toml:"mounts"`

	// Backend selects a registered hypervisor backend.
	Backend string `toml:"backend"`

	// Command is the console process of the pty backend. The placeholders
	// {cpus}, {ram_mb} and {disk} are substituted at boot.
	Command []string `toml:"command"`
}

// SupervisorConfig controls the per-project supervisor daemon.
type SupervisorConfig struct {
	// AutoShutdownMs is the grace period after the last client detaches.
	// Zero stops the VM as soon as the last client leaves.
	AutoShutdownMs int64 `toml:"auto_shutdown_ms"`

	// HardShutdownMs bounds how long a power-off may take.
	HardShutdownMs int64 `toml:"hard_shutdown_ms"`

	// DiscoveryTimeoutMs bounds how long a client waits for a freshly
	// spawned supervisor to publish its endpoint.
	DiscoveryTimeoutMs int64 `toml:"discovery_timeout_ms"`
}

// AutoShutdown returns the idle grace period.
func (s SupervisorConfig) AutoShutdown() time.Duration {
	return time.Duration(s.AutoShutdownMs) * time.Millisecond
}

// HardShutdown returns the power-off bound.
func (s SupervisorConfig) HardShutdown() time.Duration {
	return time.Duration(s.HardShutdownMs) * time.Millisecond
}

// DiscoveryTimeout returns the endpoint discovery bound.
func (s SupervisorConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(s.DiscoveryTimeoutMs) * time.Millisecond
}

const (
	DefaultCPUCount           = 2
	DefaultRAMMB              = 2048
	DefaultDiskGB             = 5
	DefaultBackend            = "pty"
	DefaultAutoShutdownMs     = 20000
	DefaultHardShutdownMs     = 12000
	DefaultDiscoveryTimeoutMs = 10000
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Box: BoxConfig{
			CPUCount: DefaultCPUCount,
			RAMMB:    DefaultRAMMB,
			DiskGB:   DefaultDiskGB,
			Mounts:   []string{"~/.codex:~/.codex:read-write"},
			Backend:  DefaultBackend,
			Command: []string{
				"qemu-system-x86_64", "-nographic",
				"-smp", "{cpus}",
				"-m", "{ram_mb}",
				"-drive", "file={disk},if=virtio",
			},
		},
		Supervisor: SupervisorConfig{
			AutoShutdownMs:     DefaultAutoShutdownMs,
			HardShutdownMs:     DefaultHardShutdownMs,
			DiscoveryTimeoutMs: DefaultDiscoveryTimeoutMs,
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}
