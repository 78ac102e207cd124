// Package server accepts client connections on the supervisor's unix
// socket, runs the handshake and relays attached clients to the hub.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/daemon/hub"
	"github.com/grovetools/vibebox/internal/daemon/lifecycle"
	"github.com/grovetools/vibebox/internal/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultHandshakeTimeout bounds how long a connection may stay silent
// before sending its hello.
const DefaultHandshakeTimeout = 5 * time.Second

// evictedNoticeTimeout bounds the final write to an evicted client.
const evictedNoticeTimeout = 2 * time.Second

// Machine is the part of the lifecycle the server drives.
type Machine interface {
	Attach(ctx context.Context, onQueued func()) error
	Detach()
	Snapshot() lifecycle.Snapshot
}

// Options configures a Server.
type Options struct {
	SessionID string
	Machine   Machine
	Hub       *hub.Hub

	// OnAttach runs after a client is admitted, before OK is sent.
	OnAttach func()

	HandshakeTimeout time.Duration
	Logger           *logrus.Entry
}

// Server manages the supervisor's socket.
type Server struct {
	opts     Options
	logger   *logrus.Entry
	listener net.Listener
	addr     string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a new Server instance.
func New(opts Options) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket. The caller holds the project lock, so any
// socket file already there is stale.
func (s *Server) Listen(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.addr = socketPath
	s.logger.WithField("socket", socketPath).Info("Supervisor listening")
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.addr }

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

// track registers conn and its handler with the wait group. Both happen
// under mu so Close either sees the handler or refuses it.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Close stops accepting, closes every connection, waits for the
// handlers and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.cancel()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	if s.addr != "" {
		if rmErr := os.Remove(s.addr); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	line, err := protocol.ReadLine(br)
	if err != nil {
		s.logger.WithError(err).Debug("Connection closed before hello")
		return
	}
	hello, err := protocol.ParseHello(line)
	if err != nil {
		replyErr(conn, err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch hello.Mode {
	case protocol.ModeProbe:
		s.handleProbe(conn)
	case protocol.ModeAttach:
		s.handleAttach(conn, br, hello)
	}
}

func (s *Server) handleProbe(conn net.Conn) {
	snap := s.opts.Machine.Snapshot()
	_ = protocol.WriteOK(conn, map[string]string{
		"session":  s.opts.SessionID,
		"state":    snap.State.String(),
		"refcount": strconv.Itoa(snap.Refcount),
		"pid":      strconv.Itoa(os.Getpid()),
	})
}

func (s *Server) handleAttach(conn net.Conn, br *bufio.Reader, hello protocol.Hello) {
	logger := s.logger.WithField("client_pid", hello.PID)

	err := s.opts.Machine.Attach(s.ctx, func() {
		_ = protocol.WriteStatus(conn, "starting vm")
	})
	if err != nil {
		logger.WithError(err).Info("Attach rejected")
		replyErr(conn, err)
		return
	}
	defer s.opts.Machine.Detach()

	sub, err := s.opts.Hub.Subscribe()
	if err != nil {
		_ = protocol.WriteErr(conn, errors.ErrCodeSupervisorUnreachable, "supervisor is shutting down")
		return
	}
	defer s.opts.Hub.Unsubscribe(sub)

	if s.opts.OnAttach != nil {
		s.opts.OnAttach()
	}

	snap := s.opts.Machine.Snapshot()
	if err := protocol.WriteOK(conn, map[string]string{
		"session":  s.opts.SessionID,
		"state":    snap.State.String(),
		"refcount": strconv.Itoa(snap.Refcount),
	}); err != nil {
		return
	}
	logger.WithField("refcount", snap.Refcount).Info("Client attached")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for chunk := range sub.C() {
			if _, err := conn.Write(chunk); err != nil {
				break
			}
		}
		// Output ended: hub closed or this client was evicted.
		if s.opts.Hub.Evicted(sub) {
			_ = conn.SetWriteDeadline(time.Now().Add(evictedNoticeTimeout))
			_, _ = io.WriteString(conn, protocol.EvictedNotice)
		}
		conn.Close()
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if _, werr := s.opts.Hub.Write(buf[:n]); werr != nil {
				logger.WithError(werr).Debug("Dropping client input")
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.WithError(err).Debug("Client read ended")
			}
			break
		}
	}

	s.opts.Hub.Unsubscribe(sub)
	conn.Close()
	<-writerDone

	if s.opts.Hub.Evicted(sub) {
		logger.Warn("Client detached after falling behind")
	} else {
		logger.Info("Client detached")
	}
}

// replyErr sends err as an ERR line, keeping its code when it has one.
func replyErr(w io.Writer, err error) {
	if coded, ok := errors.As(err); ok {
		_ = protocol.WriteErr(w, coded.Code, coded.Message)
		return
	}
	_ = protocol.WriteErr(w, errors.ErrCodeInternal, err.Error())
}
