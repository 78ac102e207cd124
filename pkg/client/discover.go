package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/daemon/lock"
	"github.com/grovetools/vibebox/internal/daemon/record"
	"github.com/grovetools/vibebox/logging"
	"github.com/grovetools/vibebox/pkg/instance"
	"github.com/grovetools/vibebox/pkg/process"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultRetries          = 3
	DefaultBackoff          = 200 * time.Millisecond

	pollInterval = 250 * time.Millisecond
	// childGrace is how long a failed dial waits to see whether the
	// supervisor we spawned has died.
	childGrace = 200 * time.Millisecond
)

// Options configures Attach.
type Options struct {
	Project    string
	SessionID  string
	ConfigPath string

	DiscoveryTimeout time.Duration
	Retries          int
	Backoff          time.Duration

	// Spawner starts a supervisor when none is running. Defaults to ExecSpawner.
	Spawner Spawner

	// OnStatus receives progress lines while the VM boots.
	OnStatus func(string)

	Logger *logrus.Entry
}

func (o *Options) defaults() {
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Spawner == nil {
		o.Spawner = &ExecSpawner{}
	}
	if o.Logger == nil {
		o.Logger = logging.NewLogger("client")
	}
}

// Attach connects to the project's supervisor, starting one if the lock is
// free. A client that finds the lock held waits for the holder's endpoint
// and takes over if the lock is released first. SupervisorUnreachable is retried with exponential backoff; every
// other error is returned as is.
func Attach(ctx context.Context, opts Options) (*Conn, error) {
	opts.defaults()
	backoff := opts.Backoff

	for attempt := 0; ; attempt++ {
		conn, err := attachOnce(ctx, opts)
		if err == nil || !errors.Is(err, errors.ErrCodeSupervisorUnreachable) || attempt >= opts.Retries {
			return conn, err
		}

		opts.Logger.WithError(err).WithField("attempt", attempt+1).Debug("Supervisor unreachable, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

func attachOnce(ctx context.Context, opts Options) (*Conn, error) {
	layout := instance.For(opts.Project)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(opts.DiscoveryTimeout)
	lk, err := lock.TryAcquire(layout.LockPath())
	for {
		var child *Child
		switch {
		case err == nil:
			if child, err = spawnLocked(layout, opts, lk); err != nil {
				return nil, err
			}
		case stderrors.Is(err, lock.ErrHeld):
		default:
			return nil, errors.IOFailure("acquire lock", layout.LockPath(), err)
		}

		var ep record.Endpoint
		ep, lk, err = waitForEndpoint(ctx, layout, time.Until(deadline), child)
		if err != nil {
			return nil, err
		}
		if lk != nil {
			// The holder let go without publishing an endpoint.
			opts.Logger.Debug("Lock released while waiting, taking over")
			continue
		}

		conn, err := Dial(ctx, opts.Project, ep.Address, AttachHello(), opts.OnStatus)
		if err != nil && child != nil && errors.Is(err, errors.ErrCodeSupervisorUnreachable) {
			select {
			case <-child.Done():
				return nil, spawnFailure(layout, child.Err())
			case <-time.After(childGrace):
			}
		}
		return conn, err
	}
}

// spawnLocked starts a supervisor and hands it lk.
func spawnLocked(layout instance.Layout, opts Options, lk *lock.Lock) (*Child, error) {
	// Holding the lock means no supervisor is alive; a record left by one
	// that crashed is stale.
	if err := record.Remove(layout.RecordPath()); err != nil {
		_ = lk.Release()
		return nil, errors.IOFailure("remove stale endpoint record", layout.RecordPath(), err)
	}
	child, err := opts.Spawner.Spawn(SpawnRequest{
		Project:    opts.Project,
		SessionID:  opts.SessionID,
		ConfigPath: opts.ConfigPath,
		Lock:       lk,
	})
	if err != nil {
		return nil, err
	}
	opts.Logger.WithField("pid", child.PID).Info("Started supervisor")
	return child, nil
}

func spawnFailure(layout instance.Layout, exitErr error) error {
	reason := "supervisor exited during startup"
	if exitErr != nil {
		reason = fmt.Sprintf("supervisor exited during startup (%v)", exitErr)
	}
	return errors.BootFailure(reason, exitErr).WithDetail("log", layout.SupervisorLog())
}

// waitForEndpoint waits for the supervisor to publish its record. When we
// did not spawn the supervisor ourselves and its lock becomes free, the
// wait ends early and returns the lock, now held by us.
func waitForEndpoint(ctx context.Context, layout instance.Layout, timeout time.Duration, child *Child) (record.Endpoint, *lock.Lock, error) {
	path := layout.RecordPath()
	if ep, err := record.Read(path); err == nil {
		return ep, nil, nil
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(layout.Dir); err == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	var childDone <-chan struct{}
	if child != nil {
		childDone = child.Done()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return record.Endpoint{}, nil, ctx.Err()
		case <-deadline.C:
			return record.Endpoint{}, nil, errors.SupervisorUnreachable(layout.Project,
				fmt.Errorf("no endpoint published within %s", timeout))
		case <-childDone:
			if ep, err := record.Read(path); err == nil {
				return ep, nil, nil
			}
			return record.Endpoint{}, nil, spawnFailure(layout, child.Err())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
		case _, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
			}
			continue
		case <-ticker.C:
			if child == nil {
				if lk, err := lock.TryAcquire(layout.LockPath()); err == nil {
					return record.Endpoint{}, lk, nil
				}
			}
		}

		if ep, err := record.Read(path); err == nil {
			return ep, nil, nil
		}
	}
}

func lockIsFree(layout instance.Layout) bool {
	lk, err := lock.TryAcquire(layout.LockPath())
	if err != nil {
		return false
	}
	_ = lk.Release()
	return true
}

// Status is what a probe learns about a project's supervisor.
type Status struct {
	Running   bool
	PID       int
	SessionID string
	State     string
	Refcount  int
	Address   string
}

// Probe queries the supervisor without attaching. A project with no
// supervisor reports Running false.
func Probe(ctx context.Context, project string) (Status, error) {
	layout := instance.For(project)
	if !layout.Exists() {
		return Status{}, nil
	}

	lk, err := lock.TryAcquire(layout.LockPath())
	if err == nil {
		_ = lk.Release()
		return Status{}, nil
	}
	if !stderrors.Is(err, lock.ErrHeld) {
		return Status{}, errors.IOFailure("acquire lock", layout.LockPath(), err)
	}

	ep, err := record.Read(layout.RecordPath())
	if err != nil {
		return Status{}, errors.SupervisorUnreachable(project, err)
	}
	conn, err := Dial(ctx, project, ep.Address, ProbeHello(), nil)
	if err != nil {
		return Status{}, err
	}
	defer conn.Close()

	return Status{
		Running:   true,
		PID:       fieldInt(conn.Fields, "pid"),
		SessionID: conn.Fields["session"],
		State:     conn.Fields["state"],
		Refcount:  fieldInt(conn.Fields, "refcount"),
		Address:   ep.Address,
	}, nil
}

// Stop asks the project's supervisor to shut down. The signal goes to the
// pid the supervisor reported over the socket, never to a pid read from
// disk alone.
func Stop(ctx context.Context, project string) (Status, error) {
	st, err := Probe(ctx, project)
	if err != nil || !st.Running {
		return st, err
	}
	if err := process.Terminate(st.PID); err != nil {
		return st, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to signal supervisor %d", st.PID))
	}
	return st, nil
}

// Active reports whether a supervisor holds the project's lock. It never
// creates state and never dials.
func Active(project string) bool {
	layout := instance.For(project)
	if !layout.Exists() {
		return false
	}
	return !lockIsFree(layout)
}
