// Package client is the CLI side of the supervisor protocol. It finds or
// spawns the supervisor of a project, performs the handshake and relays a
// terminal over the attached connection.
package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/protocol"
)

// DefaultHandshakeTimeout bounds the wait for the supervisor's first reply.
const DefaultHandshakeTimeout = 5 * time.Second

// Conn is a connection that completed the handshake. On an attach it
// carries the raw console stream.
type Conn struct {
	conn   net.Conn
	r      *bufio.Reader
	Fields map[string]string
}

// Read reads console output.
func (c *Conn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Write sends console input.
func (c *Conn) Write(p []byte) (int, error) { return c.conn.Write(p) }

// Close ends the connection, which detaches the client.
func (c *Conn) Close() error { return c.conn.Close() }

// SessionID returns the session reported by the supervisor.
func (c *Conn) SessionID() string { return c.Fields["session"] }

// Dial connects to addr and runs the handshake. STATUS lines are handed to
// onStatus (may be nil). An ERR reply is returned as its coded error;
// transport failures are SupervisorUnreachable.
func Dial(ctx context.Context, project, addr string, hello protocol.Hello, onStatus func(string)) (*Conn, error) {
	d := net.Dialer{Timeout: DefaultHandshakeTimeout}
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, errors.SupervisorUnreachable(project, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(DefaultHandshakeTimeout))
	if _, err := io.WriteString(conn, hello.Encode()); err != nil {
		conn.Close()
		return nil, errors.SupervisorUnreachable(project, err)
	}

	br := bufio.NewReader(conn)
	for {
		reply, err := protocol.ReadReply(br)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.SupervisorUnreachable(project, err)
		}

		switch reply.Kind {
		case protocol.KindStatus:
			// Booting can take a while; once the supervisor answers it is alive.
			_ = conn.SetDeadline(time.Time{})
			if onStatus != nil {
				onStatus(reply.Text)
			}
		case protocol.KindErr:
			conn.Close()
			return nil, reply.Err()
		case protocol.KindOK:
			_ = conn.SetDeadline(time.Time{})
			return &Conn{conn: conn, r: br, Fields: reply.Fields}, nil
		}
	}
}

// AttachHello is the hello sent by an interactive client.
func AttachHello() protocol.Hello {
	return protocol.Hello{Mode: protocol.ModeAttach, PID: os.Getpid()}
}

// ProbeHello is the hello sent by status queries.
func ProbeHello() protocol.Hello {
	return protocol.Hello{Mode: protocol.ModeProbe}
}

func fieldInt(fields map[string]string, key string) int {
	n, _ := strconv.Atoi(fields[key])
	return n
}
