// Package instance describes the per-project state directory (.vibebox)
// and the instance file that pins a project's session id.
package instance

import (
	"os"
	"path/filepath"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/pkg/paths"
	"github.com/grovetools/vibebox/util/fsutil"
	"github.com/pelletier/go-toml/v2"
)

// DirName is the state directory created inside every project.
const DirName = ".vibebox"

// maxSocketPath stays under sun_path on both Linux (108) and macOS (104).
const maxSocketPath = 100

// Layout resolves the files of one project's state directory.
type Layout struct {
	Project string
	Dir     string
}

// For returns the layout of a canonical project directory.
func For(project string) Layout {
	return Layout{Project: project, Dir: filepath.Join(project, DirName)}
}

func (l Layout) InstanceFile() string  { return filepath.Join(l.Dir, "instance.toml") }
func (l Layout) DiskPath() string      { return filepath.Join(l.Dir, "instance.raw") }
func (l Layout) LockPath() string      { return filepath.Join(l.Dir, "supervisor.lock") }
func (l Layout) RecordPath() string    { return filepath.Join(l.Dir, "supervisor.toml") }
func (l Layout) SupervisorLog() string { return filepath.Join(l.Dir, "supervisor.log") }
func (l Layout) ConsoleLog() string    { return filepath.Join(l.Dir, "console.log") }

// SocketPath returns where the supervisor listens. Deep project paths
// overflow the unix socket limit and fall back to the runtime directory.
func (l Layout) SocketPath(sessionID string) string {
	p := filepath.Join(l.Dir, "vm.sock")
	if len(p) <= maxSocketPath {
		return p
	}
	return filepath.Join(paths.RuntimeDir(), sessionID+".sock")
}

// Exists reports whether the state directory is present. A session whose
// state directory is gone is an orphan.
func (l Layout) Exists() bool {
	info, err := os.Stat(l.Dir)
	return err == nil && info.IsDir()
}

// Ensure creates the state directory.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Dir, 0700); err != nil {
		return errors.IOFailure("create state directory", l.Dir, err)
	}
	return nil
}

// Remove deletes the state directory and everything in it.
func (l Layout) Remove() error {
	if err := os.RemoveAll(l.Dir); err != nil {
		return errors.IOFailure("remove state directory", l.Dir, err)
	}
	return nil
}

// Instance is the content of instance.toml.
type Instance struct {
	ID        string    `toml:"id"`
	CreatedAt time.Time `toml:"created_at"`
}

// Load reads the instance file. A missing file returns (nil, nil).
func Load(l Layout) (*Instance, error) {
	data, err := os.ReadFile(l.InstanceFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.IOFailure("read instance file", l.InstanceFile(), err)
	}

	var inst Instance
	if err := toml.Unmarshal(data, &inst); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeIO, "failed to parse instance file").
			WithDetail("path", l.InstanceFile())
	}
	if inst.ID == "" {
		return nil, nil
	}
	return &inst, nil
}

// Save writes the instance file atomically.
func Save(l Layout, inst Instance) error {
	data, err := toml.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode instance file")
	}
	if err := fsutil.WriteAtomic(l.InstanceFile(), data, 0644); err != nil {
		return errors.IOFailure("write instance file", l.InstanceFile(), err)
	}
	return nil
}
