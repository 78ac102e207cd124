// Package ptyvm is a hypervisor backend that runs a console command
// (qemu, krunvm, a shell) on a pseudo-terminal.
package ptyvm

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/pkg/hypervisor"
	"github.com/sirupsen/logrus"
)

// DefaultSettle is how long a freshly started console must survive before
// Boot reports success.
const DefaultSettle = 300 * time.Millisecond

// Backend starts Command on a pty.
type Backend struct {
	Command []string
	Dir     string
	Env     []string
	Settle  time.Duration
	Logger  *logrus.Entry
}

// New creates a backend for an already expanded command line.
func New(command []string, dir string, logger *logrus.Entry) *Backend {
	return &Backend{Command: command, Dir: dir, Settle: DefaultSettle, Logger: logger}
}

// Boot starts the console process.
func (b *Backend) Boot(ctx context.Context, spec hypervisor.BootSpec) (hypervisor.Handle, error) {
	if len(b.Command) == 0 {
		return nil, errors.BootFailure("no console command configured", nil)
	}

	cmd := exec.Command(b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, b.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("VIBEBOX_CPUS=%d", spec.CPUCount),
		fmt.Sprintf("VIBEBOX_RAM_MB=%d", spec.RAMMB),
		"VIBEBOX_DISK="+spec.DiskPath,
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, errors.BootFailure(fmt.Sprintf("failed to start %s", b.Command[0]), err)
	}

	h := &handle{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	if b.Logger != nil {
		b.Logger.WithFields(logrus.Fields{"pid": cmd.Process.Pid, "command": b.Command[0]}).Info("Console process started")
	}

	settle := b.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	select {
	case <-h.done:
		ptmx.Close()
		return nil, errors.BootFailure(fmt.Sprintf("%s exited during boot", b.Command[0]), h.waitErr)
	case <-ctx.Done():
		_ = h.kill()
		<-h.done
		ptmx.Close()
		return nil, errors.BootFailure("boot cancelled", ctx.Err())
	case <-time.After(settle):
	}
	return h, nil
}

type handle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (h *handle) Write(p []byte) (int, error) {
	return h.ptmx.Write(p)
}

func (h *handle) Output() io.Reader {
	return &eioReader{r: h.ptmx}
}

func (h *handle) PowerOff(ctx context.Context) error {
	select {
	case <-h.done:
		h.closePty()
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return err
	}

	select {
	case <-h.done:
		h.closePty()
		return nil
	case <-ctx.Done():
		_ = h.kill()
		<-h.done
		h.closePty()
		return fmt.Errorf("console ignored power-off, killed: %w", ctx.Err())
	}
}

func (h *handle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *handle) kill() error {
	err := h.cmd.Process.Kill()
	if stderrors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *handle) closePty() {
	h.closeOnce.Do(func() { h.ptmx.Close() })
}

// eioReader maps the EIO Linux returns once the pty slave is gone to EOF.
type eioReader struct {
	r io.Reader
}

func (e *eioReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && (stderrors.Is(err, syscall.EIO) || stderrors.Is(err, os.ErrClosed)) {
		return n, io.EOF
	}
	return n, err
}
