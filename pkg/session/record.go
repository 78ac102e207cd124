// Package session maintains the global index of per-project VM sessions.
package session

import (
	"time"

	"github.com/grovetools/vibebox/pkg/instance"
)

// Record is one project's session: a stable id bound to a canonical directory.
type Record struct {
	ID         string    `toml:"id"`
	Directory  string    `toml:"directory"`
	LastActive time.Time `toml:"last_active"`
}

// Layout returns the record's state directory layout.
func (r Record) Layout() instance.Layout {
	return instance.For(r.Directory)
}

// IsOrphan reports whether the project's state directory is gone.
func (r Record) IsOrphan() bool {
	return !r.Layout().Exists()
}

// CleanSummary reports what DeleteDirectory removed.
type CleanSummary struct {
	Directory       string
	RemovedStateDir bool
	RemovedSessions []string
}
