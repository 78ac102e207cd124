package mocks

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/grovetools/vibebox/pkg/hypervisor"
)

// MockBackend is a mock implementation of hypervisor.Backend for testing
type MockBackend struct {
	BootFunc func(ctx context.Context, spec hypervisor.BootSpec) (hypervisor.Handle, error)

	mu    sync.Mutex
	boots []hypervisor.BootSpec
}

// Boot calls the mock function, or returns a fresh Handle.
func (m *MockBackend) Boot(ctx context.Context, spec hypervisor.BootSpec) (hypervisor.Handle, error) {
	m.mu.Lock()
	m.boots = append(m.boots, spec)
	m.mu.Unlock()

	if m.BootFunc != nil {
		return m.BootFunc(ctx, spec)
	}
	return NewHandle(), nil
}

// Boots returns the specs Boot was called with.
func (m *MockBackend) Boots() []hypervisor.BootSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hypervisor.BootSpec(nil), m.boots...)
}

// Handle is an in-memory VM. Emit produces console output; everything
// written to it is recorded and, with Echo set, reflected back.
type Handle struct {
	Echo bool

	// PowerOffFunc overrides PowerOff when set.
	PowerOffFunc func(ctx context.Context) error

	pr *io.PipeReader
	pw *io.PipeWriter

	mu         sync.Mutex
	input      bytes.Buffer
	poweredOff int

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

// NewHandle creates a running in-memory VM.
func NewHandle() *Handle {
	pr, pw := io.Pipe()
	return &Handle{pr: pr, pw: pw, exited: make(chan struct{})}
}

// Write records console input.
func (h *Handle) Write(p []byte) (int, error) {
	select {
	case <-h.exited:
		return 0, io.ErrClosedPipe
	default:
	}
	h.mu.Lock()
	h.input.Write(p)
	h.mu.Unlock()
	if h.Echo {
		return h.pw.Write(p)
	}
	return len(p), nil
}

// Output returns the console stream.
func (h *Handle) Output() io.Reader { return h.pr }

// Emit writes console output. It blocks until the output is consumed.
func (h *Handle) Emit(data []byte) error {
	_, err := h.pw.Write(data)
	return err
}

// Input returns everything written so far.
func (h *Handle) Input() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.input.Bytes()...)
}

// PoweredOff reports how many times PowerOff ran.
func (h *Handle) PoweredOff() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poweredOff
}

// PowerOff stops the VM.
func (h *Handle) PowerOff(ctx context.Context) error {
	h.mu.Lock()
	h.poweredOff++
	h.mu.Unlock()

	if h.PowerOffFunc != nil {
		if err := h.PowerOffFunc(ctx); err != nil {
			return err
		}
	}
	h.Exit(nil)
	return nil
}

// Exit simulates the VM going away on its own.
func (h *Handle) Exit(err error) {
	h.exitOnce.Do(func() {
		h.exitErr = err
		h.pw.Close()
		close(h.exited)
	})
}

// Wait blocks until the VM exits.
func (h *Handle) Wait() error {
	<-h.exited
	return h.exitErr
}

// Exited is closed once the VM is gone.
func (h *Handle) Exited() <-chan struct{} { return h.exited }
