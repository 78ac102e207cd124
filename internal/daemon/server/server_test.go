package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/daemon/hub"
	"github.com/grovetools/vibebox/internal/daemon/lifecycle"
	"github.com/grovetools/vibebox/internal/protocol"
	"github.com/grovetools/vibebox/pkg/hypervisor"
	"github.com/grovetools/vibebox/pkg/hypervisor/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv      *Server
	machine  *lifecycle.Machine
	vm       *mocks.Handle
	sock     string
	attaches atomic.Int32
}

func newFixture(t *testing.T, boot func(context.Context) (hypervisor.Handle, error)) *fixture {
	t.Helper()
	return newFixtureWithHub(t, boot, hub.Options{})
}

func newFixtureWithHub(t *testing.T, boot func(context.Context) (hypervisor.Handle, error), hubOpts hub.Options) *fixture {
	t.Helper()
	// Short directory: unix socket paths are length limited.
	dir, err := os.MkdirTemp("", "vbsrv")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	f := &fixture{vm: mocks.NewHandle(), sock: filepath.Join(dir, "vm.sock")}
	if boot == nil {
		boot = func(context.Context) (hypervisor.Handle, error) { return f.vm, nil }
	}

	h := hub.New(hubOpts)
	f.machine = lifecycle.New(lifecycle.Options{
		Boot:  boot,
		Grace: time.Minute,
		OnRunning: func(vm hypervisor.Handle) {
			h.SetInput(vm)
			go func() { _ = h.Pump(vm.Output()) }()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go f.machine.Run(ctx)

	f.srv = New(Options{
		SessionID:        "s-1",
		Machine:          f.machine,
		Hub:              h,
		OnAttach:         func() { f.attaches.Add(1) },
		HandshakeTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, f.srv.Listen(f.sock))
	go func() { _ = f.srv.Serve() }()

	t.Cleanup(func() {
		_ = f.srv.Close()
		cancel()
		h.Close()
		f.vm.Exit(nil)
	})
	return f
}

// dial sends hello and reads replies up to the final one.
func (f *fixture) dial(t *testing.T, hello protocol.Hello) (net.Conn, *bufio.Reader, []protocol.Reply) {
	t.Helper()
	conn, err := net.Dial("unix", f.sock)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = io.WriteString(conn, hello.Encode())
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	var replies []protocol.Reply
	for {
		r, err := protocol.ReadReply(br)
		require.NoError(t, err)
		replies = append(replies, r)
		if r.Kind != protocol.KindStatus {
			return conn, br, replies
		}
	}
}

func last(replies []protocol.Reply) protocol.Reply { return replies[len(replies)-1] }

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := f.machine.Snapshot()
		return s.State == lifecycle.Draining && s.Refcount == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// releaseWhenQueued lets a gated boot finish once an attach is waiting on it.
func releaseWhenQueued(m *lifecycle.Machine, release chan struct{}) {
	defer close(release)
	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot().Pending == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProbeDoesNotTakeReference(t *testing.T) {
	f := newFixture(t, nil)
	f.waitIdle(t)

	for i := 0; i < 2; i++ {
		_, _, replies := f.dial(t, protocol.Hello{Mode: protocol.ModeProbe})
		ok := last(replies)
		require.Equal(t, protocol.KindOK, ok.Kind)
		assert.Equal(t, "s-1", ok.Fields["session"])
		assert.Equal(t, "draining", ok.Fields["state"])
		assert.Equal(t, "0", ok.Fields["refcount"])
		assert.NotEmpty(t, ok.Fields["pid"])
	}
	assert.Equal(t, int32(0), f.attaches.Load())
}

func TestAttachRelaysBothDirections(t *testing.T) {
	f := newFixture(t, nil)
	f.waitIdle(t)

	conn, br, replies := f.dial(t, protocol.Hello{Mode: protocol.ModeAttach, PID: 42})
	ok := last(replies)
	require.Equal(t, protocol.KindOK, ok.Kind)
	assert.Equal(t, "1", ok.Fields["refcount"])
	assert.Equal(t, "running", ok.Fields["state"])
	assert.Equal(t, int32(1), f.attaches.Load())

	go func() { _ = f.vm.Emit([]byte("login: ")) }()
	buf := make([]byte, len("login: "))
	_, err := io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "login: ", string(buf))

	_, err = conn.Write([]byte("root\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(f.vm.Input()) == "root\n" }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	f.waitIdle(t)
}

func TestTwoClientsShareOneVM(t *testing.T) {
	f := newFixture(t, nil)
	f.waitIdle(t)

	_, br1, r1 := f.dial(t, protocol.Hello{Mode: protocol.ModeAttach, PID: 1})
	_, br2, r2 := f.dial(t, protocol.Hello{Mode: protocol.ModeAttach, PID: 2})
	assert.Equal(t, "1", last(r1).Fields["refcount"])
	assert.Equal(t, "2", last(r2).Fields["refcount"])

	go func() { _ = f.vm.Emit([]byte("$ ")) }()
	for _, br := range []*bufio.Reader{br1, br2} {
		buf := make([]byte, 2)
		_, err := io.ReadFull(br, buf)
		require.NoError(t, err)
		assert.Equal(t, "$ ", string(buf))
	}
	assert.Equal(t, 2, f.machine.Snapshot().Refcount)
}

func TestAttachWhileBootingReportsProgress(t *testing.T) {
	release := make(chan struct{})
	var f *fixture
	f = newFixture(t, func(ctx context.Context) (hypervisor.Handle, error) {
		select {
		case <-release:
			return f.vm, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	go releaseWhenQueued(f.machine, release)

	_, _, replies := f.dial(t, protocol.Hello{Mode: protocol.ModeAttach, PID: 7})
	require.Len(t, replies, 2)
	assert.Equal(t, protocol.KindStatus, replies[0].Kind)
	assert.Equal(t, "starting vm", replies[0].Text)
	assert.Equal(t, protocol.KindOK, replies[1].Kind)
}

func TestBootFailureIsReported(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(context.Context) (hypervisor.Handle, error) {
		<-release
		return nil, errors.BootFailure("disk image missing", nil)
	})
	go releaseWhenQueued(f.machine, release)

	_, _, replies := f.dial(t, protocol.Hello{Mode: protocol.ModeAttach, PID: 7})
	r := last(replies)
	require.Equal(t, protocol.KindErr, r.Kind)
	assert.Equal(t, errors.ErrCodeBootFailure, r.Code)
	assert.Contains(t, r.Message, "disk image missing")
}

func TestMalformedHelloIsRejected(t *testing.T) {
	f := newFixture(t, nil)

	conn, err := net.Dial("unix", f.sock)
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "HELLO vibebox/9 attach\n")
	require.NoError(t, err)

	r, err := protocol.ReadReply(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindErr, r.Kind)
	assert.Equal(t, errors.ErrCodeInvalidInput, r.Code)
}

func TestSilentConnectionTimesOut(t *testing.T) {
	f := newFixture(t, nil)

	conn, err := net.Dial("unix", f.sock)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseDisconnectsClients(t *testing.T) {
	f := newFixture(t, nil)
	f.waitIdle(t)

	_, br, _ := f.dial(t, protocol.Hello{Mode: protocol.ModeAttach, PID: 1})
	require.NoError(t, f.srv.Close())

	_, err := br.ReadByte()
	assert.Error(t, err)
	assert.NoFileExists(t, f.sock)
	f.waitIdle(t)
}

func TestCloseWhileClientsConnect(t *testing.T) {
	f := newFixture(t, nil)
	f.waitIdle(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := net.Dial("unix", f.sock)
				if err != nil {
					continue
				}
				_, _ = io.WriteString(conn, protocol.Hello{Mode: protocol.ModeProbe}.Encode())
				_, _ = io.ReadAll(conn)
				conn.Close()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.srv.Close())
	close(stop)
	wg.Wait()

	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	assert.Empty(t, f.srv.conns, "every handler finished before Close returned")
}

func TestEvictedClientIsToldWhy(t *testing.T) {
	f := newFixtureWithHub(t, nil, hub.Options{QueueSize: 1})
	f.waitIdle(t)

	conn, br, replies := f.dial(t, protocol.Hello{Mode: protocol.ModeAttach, PID: 7})
	require.Equal(t, protocol.KindOK, last(replies).Kind)

	// The client reads nothing until the socket buffer and queue are full.
	chunk := []byte(strings.Repeat("x", 32*1024))
	for i := 0; i < 128; i++ {
		require.NoError(t, f.vm.Emit(chunk))
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	out, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(out), protocol.EvictedNotice), "stream ends with the eviction notice")
	f.waitIdle(t)
}
