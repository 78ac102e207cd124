// Package lock provides the advisory file locks that keep one supervisor per
// project and serialize session index updates.
package lock

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned by TryAcquire when another open file description holds the lock.
var ErrHeld = stderrors.New("lock is held by another process")

// Lock is an exclusive flock on a file. The kernel drops it when the last
// descriptor sharing the open file description is closed, so a crashed
// holder never leaves a stale lock behind.
type Lock struct {
	f    *os.File
	path string
}

func open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return f, nil
}

// TryAcquire takes the lock without blocking.
func TryAcquire(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if stderrors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// Acquire blocks until the lock is taken.
func Acquire(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// FromFD adopts a lock inherited from the parent process. Re-applying
// LOCK_EX on the same open file description is a no-op for the holder and
// fails for anyone else, which verifies the handoff.
func FromFD(fd uintptr, path string) (*Lock, error) {
	f := os.NewFile(fd, path)
	if f == nil {
		return nil, fmt.Errorf("invalid lock descriptor %d", fd)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if stderrors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("flock inherited descriptor: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// File exposes the locked descriptor so it can be passed to a child
// process through exec.Cmd.ExtraFiles.
func (l *Lock) File() *os.File { return l.f }

// Close drops this process's descriptor without unlocking. A child that
// inherited the descriptor keeps holding the lock.
func (l *Lock) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Release unlocks and closes. Every process sharing the descriptor loses the lock.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
