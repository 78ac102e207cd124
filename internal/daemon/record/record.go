// Package record manages the endpoint record a supervisor publishes so
// clients can find its socket.
package record

import (
	"fmt"
	"os"
	"time"

	"github.com/grovetools/vibebox/pkg/process"
	"github.com/grovetools/vibebox/util/fsutil"
	"github.com/pelletier/go-toml/v2"
)

// Endpoint identifies a running supervisor.
type Endpoint struct {
	PID       int       `toml:"pid"`
	Address   string    `toml:"address"`
	SessionID string    `toml:"session_id"`
	StartedAt time.Time `toml:"started_at"`
}

// Write publishes the record atomically. Call it only once the socket is
// listening, so a reader never sees an address that refuses connections.
func Write(path string, ep Endpoint) error {
	data, err := toml.Marshal(ep)
	if err != nil {
		return fmt.Errorf("failed to encode endpoint record: %w", err)
	}
	if err := fsutil.WriteAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write endpoint record: %w", err)
	}
	return nil
}

// Read returns the published record. A missing file is reported with an
// error satisfying os.IsNotExist.
func Read(path string) (Endpoint, error) {
	var ep Endpoint
	data, err := os.ReadFile(path)
	if err != nil {
		return ep, err
	}
	if err := toml.Unmarshal(data, &ep); err != nil {
		return ep, fmt.Errorf("failed to parse endpoint record: %w", err)
	}
	if ep.Address == "" {
		return ep, fmt.Errorf("endpoint record %s has no address", path)
	}
	return ep, nil
}

// Remove deletes the record. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsRunning reports whether the recorded pid exists. It is a display hint
// only; a PID can be reused, so liveness is decided by a handshake.
func IsRunning(path string) (bool, Endpoint, error) {
	ep, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, ep, nil
		}
		return false, ep, err
	}
	return process.IsProcessAlive(ep.PID), ep, nil
}
