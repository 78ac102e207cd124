package errors

import (
	"fmt"
	"testing"
)

func TestError(t *testing.T) {
	// Test basic error creation
	err := New(ErrCodeNotFound, "session not found")
	if err.Code != ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeNotFound, err.Code)
	}

	// Test error wrapping
	cause := fmt.Errorf("underlying error")
	wrapped := Wrap(cause, ErrCodeIO, "write failed")

	if wrapped.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}

	// Test Is function
	if !Is(wrapped, ErrCodeIO) {
		t.Error("Is should return true for matching code")
	}

	if Is(wrapped, ErrCodeNotFound) {
		t.Error("Is should return false for non-matching code")
	}

	// Test WithDetail
	detailed := err.WithDetail("id", "abc").WithDetail("attempt", 2)
	if detailed.Details["id"] != "abc" {
		t.Error("WithDetail should add details")
	}
}

func TestIsThroughFmtWrapping(t *testing.T) {
	inner := SupervisorUnreachable("/tmp/p", fmt.Errorf("connection refused"))
	outer := fmt.Errorf("attach: %w", inner)

	if !Is(outer, ErrCodeSupervisorUnreachable) {
		t.Error("Is should see codes through fmt.Errorf wrapping")
	}
	if GetCode(outer) != ErrCodeSupervisorUnreachable {
		t.Errorf("GetCode = %s", GetCode(outer))
	}
	if Is(nil, ErrCodeIO) {
		t.Error("Is(nil) should be false")
	}
}

func TestErrorConstructors(t *testing.T) {
	err := NotFound("0190")
	if err.Code != ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeNotFound, err.Code)
	}
	if err.Details["id"] != "0190" {
		t.Error("NotFound should include id detail")
	}

	err = CorruptIndex("/x/sessions.toml", fmt.Errorf("bad toml"))
	if err.Code != ErrCodeCorruptIndex {
		t.Errorf("expected code %s, got %s", ErrCodeCorruptIndex, err.Code)
	}
	if err.Details["path"] != "/x/sessions.toml" {
		t.Error("CorruptIndex should include path detail")
	}

	err = BootFailure("disk missing", nil)
	if err.Code != ErrCodeBootFailure {
		t.Errorf("expected code %s, got %s", ErrCodeBootFailure, err.Code)
	}
}
