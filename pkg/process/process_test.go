package process

import (
	"os"
	"os/exec"
	"testing"
)

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if IsProcessAlive(0) || IsProcessAlive(-4) {
		t.Error("non-positive pids are never alive")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run true: %v", err)
	}
	// The child was reaped by Run, so its PID is free (barring immediate reuse).
	if IsProcessAlive(cmd.Process.Pid) {
		t.Logf("pid %d was reused by another process", cmd.Process.Pid)
	}
}
