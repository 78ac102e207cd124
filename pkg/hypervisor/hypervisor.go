// Package hypervisor defines the boundary between the supervisor and the
// thing that actually runs a VM.
package hypervisor

import (
	"context"
	"io"
)

// BootSpec describes the VM to start.
type BootSpec struct {
	DiskPath string
	CPUCount int
	RAMMB    int
	// Mounts are handed through untouched.
	Mounts []string
}

// Backend starts VMs.
type Backend interface {
	// Boot starts a VM and returns once it is usable. It may take a while;
	// the supervisor runs it off the lifecycle goroutine.
	Boot(ctx context.Context, spec BootSpec) (Handle, error)
}

// Handle is a running VM.
type Handle interface {
	// Write sends console input.
	Write(p []byte) (int, error)
	// Output is the console output stream. It has exactly one reader and
	// ends when the VM exits.
	Output() io.Reader
	// PowerOff asks the VM to stop and waits until it has, or until ctx is
	// done, at which point the VM is killed.
	PowerOff(ctx context.Context) error
	// Wait blocks until the VM has exited.
	Wait() error
}
