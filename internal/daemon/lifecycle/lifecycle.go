// Package lifecycle owns a VM's state machine and client reference count.
//
// One goroutine (Run) owns every piece of mutable state. Attach, Detach,
// boot completion, VM exit and grace-timer expiry all arrive as events on a
// single channel, so a timer firing and an attach arriving can never
// interleave halfway through a transition.
package lifecycle

import (
	"context"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/pkg/hypervisor"
	"github.com/sirupsen/logrus"
)

// State is the VM daemon state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Draining
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// StopReason says why the machine reached Stopping.
type StopReason string

const (
	ReasonIdle      StopReason = "idle"
	ReasonBootFail  StopReason = "boot-failed"
	ReasonVMExited  StopReason = "vm-exited"
	ReasonCancelled StopReason = "cancelled"
)

// Result is returned by Run once the machine reaches Stopping.
type Result struct {
	Reason StopReason
	// Handle is the VM to power off, nil if it never booted.
	Handle hypervisor.Handle
	// Err is the boot or VM exit error, if any.
	Err error
}

// Snapshot is a consistent view of the machine.
type Snapshot struct {
	State    State
	Refcount int
	Pending  int
	Episode  uint64
}

// Options configures a Machine.
type Options struct {
	// Boot starts the VM. It runs on its own goroutine.
	Boot func(ctx context.Context) (hypervisor.Handle, error)

	// Grace is how long the VM idles with no clients before stopping.
	// Zero stops as soon as the last client detaches.
	Grace time.Duration

	// StartupGrace replaces Grace when boot completes before any client
	// attached, giving the client that spawned the supervisor time to connect.
	StartupGrace time.Duration

	// OnRunning is called on the lifecycle goroutine when the VM is up,
	// before queued attaches are admitted. It must not block.
	OnRunning func(h hypervisor.Handle)

	// OnTransition is called on the lifecycle goroutine for every state change.
	OnTransition func(from, to State)

	Logger *logrus.Entry
}

type attachReply struct {
	queued bool
	err    error
}

type attachEvent struct{ reply chan attachReply }

type detachEvent struct{}

type bootDoneEvent struct {
	handle hypervisor.Handle
	err    error
}

type vmExitEvent struct{ err error }

type timerEvent struct{ episode uint64 }

type snapshotEvent struct{ reply chan Snapshot }

// Machine is the VM state machine.
type Machine struct {
	opts   Options
	events chan interface{}
	done   chan struct{}
	logger *logrus.Entry

	// Owned by Run.
	state    State
	refcount int
	pending  []chan attachReply
	handle   hypervisor.Handle
	episode  uint64
	timer    *time.Timer
}

// New creates a machine in the Stopped state. Call Run to boot it.
func New(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Machine{
		opts:   opts,
		events: make(chan interface{}, 64),
		done:   make(chan struct{}),
		logger: logger,
		state:  Stopped,
	}
}

// send delivers an event unless the machine has already stopped.
func (m *Machine) send(ev interface{}) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Done is closed once the machine has reached Stopping.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Attach takes a client reference. While the VM is booting the call is
// queued; onQueued (may be nil) runs once on the caller's goroutine so the
// client can be told. It returns nil once the VM is running, a BootFailure
// if boot fails, or SupervisorUnreachable if the machine is stopping.
//
// If ctx ends while queued, the reference is released on its own once the
// machine answers.
func (m *Machine) Attach(ctx context.Context, onQueued func()) error {
	reply := make(chan attachReply, 2)
	if !m.send(attachEvent{reply: reply}) {
		return errShuttingDown()
	}
	for {
		select {
		case r := <-reply:
			if r.queued {
				if onQueued != nil {
					onQueued()
				}
				continue
			}
			return r.err
		case <-m.done:
			// A final answer may have raced with shutdown.
			select {
			case r := <-reply:
				if !r.queued && r.err == nil {
					return errShuttingDown()
				}
				if !r.queued {
					return r.err
				}
			default:
			}
			return errShuttingDown()
		case <-ctx.Done():
			go func() {
				for {
					select {
					case r := <-reply:
						if r.queued {
							continue
						}
						if r.err == nil {
							m.Detach()
						}
						return
					case <-m.done:
						return
					}
				}
			}()
			return ctx.Err()
		}
	}
}

// Detach releases a reference taken by a successful Attach.
func (m *Machine) Detach() {
	m.send(detachEvent{})
}

// Snapshot returns the current state. After the machine stops it reports Stopping.
func (m *Machine) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !m.send(snapshotEvent{reply: reply}) {
		return Snapshot{State: Stopping}
	}
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return Snapshot{State: Stopping}
	}
}

func errShuttingDown() error {
	return errors.New(errors.ErrCodeSupervisorUnreachable, "supervisor is shutting down")
}

// Run boots the VM and processes events until the machine reaches
// Stopping. Cancelling ctx stops the machine.
func (m *Machine) Run(ctx context.Context) Result {
	defer close(m.done)

	bootCtx, cancelBoot := context.WithCancel(ctx)
	defer cancelBoot()

	m.transition(Starting)
	go func() {
		h, err := m.opts.Boot(bootCtx)
		m.send(bootDoneEvent{handle: h, err: err})
	}()

	for {
		select {
		case <-ctx.Done():
			return m.stopOnCancel(ctx)
		case ev := <-m.events:
			if res, stop := m.dispatch(ev); stop {
				m.stopTimer()
				return res
			}
		}
	}
}

// stopOnCancel finishes a cancelled run. A boot still in flight is waited
// for so a VM that came up anyway is handed back for power-off.
func (m *Machine) stopOnCancel(ctx context.Context) Result {
	m.stopTimer()
	if m.state == Starting {
		for ev := range m.events {
			if b, ok := ev.(bootDoneEvent); ok {
				m.handle = b.handle
				break
			}
			m.reject(ev)
		}
	}
	m.failPending(errShuttingDown())
	m.transition(Stopping)
	return Result{Reason: ReasonCancelled, Handle: m.handle, Err: ctx.Err()}
}

// reject answers an event that arrives while the machine is stopping.
func (m *Machine) reject(ev interface{}) {
	switch e := ev.(type) {
	case attachEvent:
		e.reply <- attachReply{err: errShuttingDown()}
	case snapshotEvent:
		e.reply <- Snapshot{State: Stopping, Refcount: m.refcount}
	}
}

func (m *Machine) dispatch(ev interface{}) (Result, bool) {
	switch e := ev.(type) {
	case attachEvent:
		m.onAttach(e)
	case detachEvent:
		return m.onDetach()
	case bootDoneEvent:
		return m.onBootDone(e)
	case vmExitEvent:
		m.logger.WithError(e.err).Warn("VM exited")
		m.failPending(errors.BootFailure("vm exited", e.err))
		m.transition(Stopping)
		return Result{Reason: ReasonVMExited, Handle: m.handle, Err: e.err}, true
	case timerEvent:
		if e.episode != m.episode || m.state != Draining || m.refcount != 0 {
			m.logger.WithField("episode", e.episode).Debug("Ignoring stale grace timer")
			return Result{}, false
		}
		m.logger.Info("Grace period expired with no clients")
		m.transition(Stopping)
		return Result{Reason: ReasonIdle, Handle: m.handle}, true
	case snapshotEvent:
		e.reply <- Snapshot{State: m.state, Refcount: m.refcount, Pending: len(m.pending), Episode: m.episode}
	}
	return Result{}, false
}

func (m *Machine) onAttach(e attachEvent) {
	m.refcount++
	m.logger.WithField("refcount", m.refcount).Debug("Client attaching")

	switch m.state {
	case Starting:
		m.pending = append(m.pending, e.reply)
		e.reply <- attachReply{queued: true}
	case Draining:
		m.stopTimer()
		m.episode++
		m.transition(Running)
		e.reply <- attachReply{}
	default:
		e.reply <- attachReply{}
	}
}

func (m *Machine) onDetach() (Result, bool) {
	if m.refcount == 0 {
		m.logger.Warn("Detach with no clients attached")
		return Result{}, false
	}
	m.refcount--
	m.logger.WithField("refcount", m.refcount).Debug("Client detached")

	if m.refcount == 0 && m.state == Running {
		return m.drain(m.opts.Grace)
	}
	return Result{}, false
}

func (m *Machine) onBootDone(e bootDoneEvent) (Result, bool) {
	if e.err != nil {
		err := e.err
		if !errors.Is(err, errors.ErrCodeBootFailure) {
			err = errors.BootFailure(err.Error(), err)
		}
		m.logger.WithError(err).Error("Boot failed")
		m.failPending(err)
		m.refcount = 0
		m.transition(Stopping)
		return Result{Reason: ReasonBootFail, Err: err}, true
	}

	m.handle = e.handle
	go func(h hypervisor.Handle) {
		err := h.Wait()
		m.send(vmExitEvent{err: err})
	}(e.handle)

	if m.opts.OnRunning != nil {
		m.opts.OnRunning(e.handle)
	}
	m.transition(Running)

	for _, reply := range m.pending {
		reply <- attachReply{}
	}
	m.pending = nil

	if m.refcount == 0 {
		grace := m.opts.Grace
		if m.opts.StartupGrace > grace {
			grace = m.opts.StartupGrace
		}
		return m.drain(grace)
	}
	return Result{}, false
}

// drain enters Draining and arms a grace timer for the current episode.
func (m *Machine) drain(grace time.Duration) (Result, bool) {
	if grace <= 0 {
		m.logger.Info("Last client detached, stopping immediately")
		m.transition(Stopping)
		return Result{Reason: ReasonIdle, Handle: m.handle}, true
	}

	m.transition(Draining)
	m.episode++
	episode := m.episode
	m.timer = time.AfterFunc(grace, func() {
		m.send(timerEvent{episode: episode})
	})
	m.logger.WithFields(logrus.Fields{"grace": grace, "episode": episode}).Info("No clients attached, grace period started")
	return Result{}, false
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) failPending(err error) {
	for _, reply := range m.pending {
		reply <- attachReply{err: err}
	}
	m.pending = nil
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("VM state changed")
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(from, to)
	}
}
