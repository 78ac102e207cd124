package errors

import (
	"fmt"
)

// NotFound creates a session not found error
func NotFound(id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("session '%s' not found", id)).
		WithDetail("id", id)
}

// CorruptIndex creates an error for an index file that exists but cannot be parsed
func CorruptIndex(path string, cause error) *Error {
	return Wrap(cause, ErrCodeCorruptIndex, fmt.Sprintf("session index is corrupt: %s", path)).
		WithDetail("path", path)
}

// SupervisorUnreachable creates an error for a held lock whose endpoint cannot be reached
func SupervisorUnreachable(project string, cause error) *Error {
	return Wrap(cause, ErrCodeSupervisorUnreachable,
		fmt.Sprintf("a supervisor holds the lock for %s but could not be reached", project)).
		WithDetail("project", project)
}

// BootFailure creates an error for a VM that could not be started
func BootFailure(reason string, cause error) *Error {
	return Wrap(cause, ErrCodeBootFailure, fmt.Sprintf("vm failed to boot: %s", reason))
}

// IOFailure wraps a filesystem or transport error
func IOFailure(op string, path string, cause error) *Error {
	return Wrap(cause, ErrCodeIO, fmt.Sprintf("%s failed: %s", op, path)).
		WithDetail("op", op).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *Error {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// InvalidInput creates an invalid input error
func InvalidInput(reason string) *Error {
	return New(ErrCodeInvalidInput, reason)
}
