package ptyvm

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/pkg/hypervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func readUntil(t *testing.T, r io.Reader, want string) string {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 256)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := r.Read(buf)
		out.Write(buf[:n])
		if strings.Contains(out.String(), want) {
			return out.String()
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("never saw %q in %q", want, out.String())
	return ""
}

func TestBootEchoAndPowerOff(t *testing.T) {
	requireShell(t)
	b := New([]string{"sh", "-c", "echo ready; cat"}, t.TempDir(), nil)

	h, err := b.Boot(context.Background(), hypervisor.BootSpec{CPUCount: 1, RAMMB: 256})
	require.NoError(t, err)

	readUntil(t, h.Output(), "ready")

	_, err = h.Write([]byte("ping\n"))
	require.NoError(t, err)
	readUntil(t, h.Output(), "ping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.PowerOff(ctx))
	_ = h.Wait()
}

func TestBootFailsWhenCommandMissing(t *testing.T) {
	b := New([]string{"/nonexistent/vibebox-vm"}, t.TempDir(), nil)
	_, err := b.Boot(context.Background(), hypervisor.BootSpec{})
	assert.True(t, errors.Is(err, errors.ErrCodeBootFailure))
}

func TestBootFailsWhenConsoleExitsEarly(t *testing.T) {
	requireShell(t)
	b := New([]string{"sh", "-c", "exit 3"}, t.TempDir(), nil)
	b.Settle = 2 * time.Second

	_, err := b.Boot(context.Background(), hypervisor.BootSpec{})
	assert.True(t, errors.Is(err, errors.ErrCodeBootFailure))
}

func TestPowerOffKillsStubbornConsole(t *testing.T) {
	requireShell(t)
	b := New([]string{"sh", "-c", "trap '' TERM; echo up; while :; do sleep 1; done"}, t.TempDir(), nil)

	h, err := b.Boot(context.Background(), hypervisor.BootSpec{})
	require.NoError(t, err)
	readUntil(t, h.Output(), "up")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = h.PowerOff(ctx)
	assert.Error(t, err, "power-off reports the forced kill")
	_ = h.Wait()
}
