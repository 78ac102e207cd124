package config

import (
	"fmt"
	"strings"

	"github.com/grovetools/vibebox/errors"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Box.CPUCount < 1 {
		return errors.ConfigInvalid(fmt.Sprintf("box.cpu_count must be at least 1, got %d", c.Box.CPUCount))
	}
	if c.Box.RAMMB < 128 {
		return errors.ConfigInvalid(fmt.Sprintf("box.ram_mb must be at least 128, got %d", c.Box.RAMMB))
	}
	if c.Box.DiskGB < 1 {
		return errors.ConfigInvalid(fmt.Sprintf("box.disk_gb must be at least 1, got %d", c.Box.DiskGB))
	}
	if c.Box.Backend == "" {
		return errors.ConfigInvalid("box.backend cannot be empty")
	}
	if c.Box.Backend == DefaultBackend && len(c.Box.Command) == 0 {
		return errors.ConfigInvalid("box.command cannot be empty for the pty backend")
	}
	for _, m := range c.Box.Mounts {
		if strings.TrimSpace(m) == "" {
			return errors.ConfigInvalid("box.mounts cannot contain empty entries")
		}
	}

	if c.Supervisor.AutoShutdownMs < 0 {
		return errors.ConfigInvalid("supervisor.auto_shutdown_ms cannot be negative")
	}
	if c.Supervisor.HardShutdownMs <= 0 {
		return errors.ConfigInvalid("supervisor.hard_shutdown_ms must be positive")
	}
	if c.Supervisor.DiscoveryTimeoutMs <= 0 {
		return errors.ConfigInvalid("supervisor.discovery_timeout_ms must be positive")
	}

	switch c.Logging.Format.StructuredToStderr {
	case "", "auto", "always", "never":
	default:
		return errors.ConfigInvalid(fmt.Sprintf("logging.format.structured_to_stderr: unknown mode %q", c.Logging.Format.StructuredToStderr))
	}
	return nil
}
