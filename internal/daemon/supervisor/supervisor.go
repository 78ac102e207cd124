// Package supervisor runs the per-project daemon that owns one VM. It holds
// the project lock for its whole life, publishes its endpoint once the
// socket is listening and exits when the VM is idle past the grace period.
package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/grovetools/vibebox/config"
	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/daemon/hub"
	"github.com/grovetools/vibebox/internal/daemon/lifecycle"
	"github.com/grovetools/vibebox/internal/daemon/lock"
	"github.com/grovetools/vibebox/internal/daemon/record"
	"github.com/grovetools/vibebox/internal/daemon/server"
	"github.com/grovetools/vibebox/pkg/hypervisor"
	"github.com/grovetools/vibebox/pkg/hypervisor/ptyvm"
	"github.com/grovetools/vibebox/pkg/instance"
	"github.com/sirupsen/logrus"
)

// Exit codes of the supervisor process.
const (
	ExitIdle        = 0
	ExitBootFailure = 1
)

// pumpFlushTimeout bounds how long shutdown waits for the last console
// output to reach console.log.
const pumpFlushTimeout = time.Second

// Options configures one supervisor run.
type Options struct {
	Project   string
	SessionID string
	Config    *config.Config

	// Backend boots the VM. Nil selects the backend named in the config.
	Backend hypervisor.Backend

	// Lock is a lock inherited from the spawning client. Nil acquires it.
	Lock *lock.Lock

	// OnAttach runs for every admitted client.
	OnAttach func()

	Logger *logrus.Entry
}

// BackendFor returns the backend named in the configuration.
func BackendFor(cfg *config.Config, layout instance.Layout, logger *logrus.Entry) (hypervisor.Backend, error) {
	switch cfg.Box.Backend {
	case config.DefaultBackend:
		return ptyvm.New(cfg.ExpandCommand(layout.DiskPath()), layout.Project, logger), nil
	}
	return nil, errors.ConfigInvalid(fmt.Sprintf("unknown backend %q", cfg.Box.Backend))
}

// ExitCode maps a run result to the process exit status.
func ExitCode(res lifecycle.Result) int {
	switch res.Reason {
	case lifecycle.ReasonBootFail:
		return ExitBootFailure
	case lifecycle.ReasonVMExited:
		if res.Err != nil {
			return ExitBootFailure
		}
	}
	return ExitIdle
}

// Run serves the project until the machine stops or ctx is cancelled.
// Teardown order is fixed: power off, close clients, remove the socket and
// endpoint record, then release the lock.
func Run(ctx context.Context, opts Options) (lifecycle.Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	layout := instance.For(opts.Project)
	logger = logger.WithField("session", opts.SessionID)

	if err := layout.Ensure(); err != nil {
		return lifecycle.Result{}, err
	}

	lk := opts.Lock
	if lk == nil {
		var err error
		lk, err = lock.TryAcquire(layout.LockPath())
		if stderrors.Is(err, lock.ErrHeld) {
			return lifecycle.Result{}, errors.New(errors.ErrCodeInvalidInput, "a supervisor is already running for this project").
				WithDetail("lock", layout.LockPath())
		}
		if err != nil {
			return lifecycle.Result{}, errors.IOFailure("acquire lock", layout.LockPath(), err)
		}
	}
	defer func() {
		if err := lk.Release(); err != nil {
			logger.WithError(err).Warn("Failed to release lock")
		}
	}()

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = BackendFor(cfg, layout, logger.WithField("component", "ptyvm"))
		if err != nil {
			return lifecycle.Result{}, err
		}
	}

	console, err := os.OpenFile(layout.ConsoleLog(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return lifecycle.Result{}, errors.IOFailure("open console log", layout.ConsoleLog(), err)
	}
	defer console.Close()

	h := hub.New(hub.Options{Tee: console, Logger: logger})
	pumpDone := make(chan struct{})

	spec := hypervisor.BootSpec{
		DiskPath: layout.DiskPath(),
		CPUCount: cfg.Box.CPUCount,
		RAMMB:    cfg.Box.RAMMB,
		Mounts:   cfg.Box.Mounts,
	}
	machine := lifecycle.New(lifecycle.Options{
		Boot: func(ctx context.Context) (hypervisor.Handle, error) {
			return backend.Boot(ctx, spec)
		},
		Grace:        cfg.Supervisor.AutoShutdown(),
		StartupGrace: cfg.Supervisor.DiscoveryTimeout(),
		OnRunning: func(vm hypervisor.Handle) {
			h.SetInput(vm)
			go func() {
				defer close(pumpDone)
				if err := h.Pump(vm.Output()); err != nil {
					logger.WithError(err).Debug("Console output ended")
				}
			}()
		},
		Logger: logger,
	})

	srv := server.New(server.Options{
		SessionID: opts.SessionID,
		Machine:   machine,
		Hub:       h,
		OnAttach:  opts.OnAttach,
		Logger:    logger,
	})
	socketPath := layout.SocketPath(opts.SessionID)
	if err := srv.Listen(socketPath); err != nil {
		return lifecycle.Result{}, errors.IOFailure("listen", socketPath, err)
	}

	ep := record.Endpoint{
		PID:       os.Getpid(),
		Address:   socketPath,
		SessionID: opts.SessionID,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := record.Write(layout.RecordPath(), ep); err != nil {
		_ = srv.Close()
		return lifecycle.Result{}, errors.IOFailure("write endpoint record", layout.RecordPath(), err)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			logger.WithError(err).Error("Accept loop failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"pid":           ep.PID,
		"socket":        socketPath,
		"auto_shutdown": cfg.Supervisor.AutoShutdown(),
	}).Info("Supervisor started")

	res := machine.Run(ctx)
	logger.WithField("reason", res.Reason).Info("Supervisor stopping")

	if res.Handle != nil {
		powerOff(res.Handle, cfg.Supervisor.HardShutdown(), logger)
		select {
		case <-pumpDone:
		case <-time.After(pumpFlushTimeout):
		}
	}

	if err := srv.Close(); err != nil {
		logger.WithError(err).Debug("Server close")
	}
	h.Close()
	if err := record.Remove(layout.RecordPath()); err != nil {
		logger.WithError(err).Warn("Failed to remove endpoint record")
	}
	return res, nil
}

func powerOff(vm hypervisor.Handle, bound time.Duration, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), bound)
	defer cancel()

	start := time.Now()
	if err := vm.PowerOff(ctx); err != nil {
		logger.WithError(err).Warn("VM did not power off cleanly")
		return
	}
	logger.WithField("took", time.Since(start).Round(time.Millisecond)).Info("VM powered off")
}
