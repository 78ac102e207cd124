package client

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/daemon/lock"
	"github.com/grovetools/vibebox/pkg/instance"
)

// lockFD is the descriptor number the lock lands on in the child
// (ExtraFiles start after stdin, stdout and stderr).
const lockFD = 3

// SpawnRequest describes the supervisor to start.
type SpawnRequest struct {
	Project    string
	SessionID  string
	ConfigPath string
	// Lock is held by the caller. Spawn takes ownership of it.
	Lock *lock.Lock
}

// Child tracks a spawned supervisor.
type Child struct {
	PID int

	once sync.Once
	done chan struct{}
	err  error
}

// NewChild creates a child handle. Spawners call Exit when it ends.
func NewChild(pid int) *Child {
	return &Child{PID: pid, done: make(chan struct{})}
}

// Exit records the child's exit status.
func (c *Child) Exit(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} { return c.done }

// Err returns the exit error once Done is closed.
func (c *Child) Err() error {
	<-c.done
	return c.err
}

// Spawner starts a supervisor for a project whose lock the caller holds.
type Spawner interface {
	Spawn(req SpawnRequest) (*Child, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(req SpawnRequest) (*Child, error)

// Spawn calls f.
func (f SpawnFunc) Spawn(req SpawnRequest) (*Child, error) { return f(req) }

// ExecSpawner re-executes the vibebox binary as a detached supervisor.
type ExecSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Env is appended to the current environment.
	Env []string
}

// Spawn starts `vibebox supervisor` in its own session with the locked
// descriptor inherited as fd 3, then drops the parent's copy so the child
// is the only holder.
func (s *ExecSpawner) Spawn(req SpawnRequest) (*Child, error) {
	defer req.Lock.Close()

	exe := s.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "cannot locate the vibebox executable")
		}
	}

	layout := instance.For(req.Project)
	logFile, err := os.OpenFile(layout.SupervisorLog(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.IOFailure("open supervisor log", layout.SupervisorLog(), err)
	}
	defer logFile.Close()

	args := []string{
		"supervisor",
		"--project", req.Project,
		"--session", req.SessionID,
		"--lock-fd", strconv.Itoa(lockFD),
	}
	if req.ConfigPath != "" {
		args = append(args, "--config", req.ConfigPath)
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = req.Project
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.ExtraFiles = []*os.File{req.Lock.File()}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to start supervisor %s", exe))
	}

	child := NewChild(cmd.Process.Pid)
	go func() { child.Exit(cmd.Wait()) }()
	return child, nil
}
