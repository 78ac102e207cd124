package client

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/grovetools/vibebox/logging"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// DetachKey is Ctrl-].
const DetachKey = 0x1d

// EndReason says why a relay ended.
type EndReason int

const (
	// RemoteClosed: the supervisor closed the stream (VM stopped or this
	// client was evicted).
	RemoteClosed EndReason = iota
	// Detached: the user pressed the detach key.
	Detached
	// InputClosed: local input reached EOF.
	InputClosed
	// Cancelled: the context ended (signal).
	Cancelled
)

func (r EndReason) String() string {
	switch r {
	case RemoteClosed:
		return "remote closed"
	case Detached:
		return "detached"
	case InputClosed:
		return "input closed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Relay copies in to conn and conn to out until one side ends, the detach
// key is read, or ctx is done. conn is closed on every path, which is what
// detaches the client. A goroutine blocked reading in may outlive the call.
func Relay(ctx context.Context, conn io.ReadWriteCloser, in io.Reader, out io.Writer) EndReason {
	ended := make(chan EndReason, 2)

	go func() {
		_, _ = io.Copy(out, conn)
		ended <- RemoteClosed
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, DetachKey); i >= 0 {
					if i > 0 {
						_, _ = conn.Write(chunk[:i])
					}
					ended <- Detached
					return
				}
				if _, werr := conn.Write(chunk); werr != nil {
					ended <- RemoteClosed
					return
				}
			}
			if err != nil {
				ended <- InputClosed
				return
			}
		}
	}()

	var reason EndReason
	select {
	case reason = <-ended:
	case <-ctx.Done():
		reason = Cancelled
	}
	conn.Close()
	return reason
}

// RelayTerminal runs Relay on the process terminal. When stdin is a tty it
// is put in raw mode for the duration and log output to stderr is held back
// so it cannot corrupt the screen; held lines are written after restore.
func RelayTerminal(ctx context.Context, conn io.ReadWriteCloser) (EndReason, error) {
	fd := os.Stdin.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return Relay(ctx, conn, os.Stdin, os.Stdout), nil
	}

	state, err := term.MakeRaw(int(fd))
	if err != nil {
		return 0, err
	}

	release := logging.HoldOutput()
	defer func() {
		_ = term.Restore(int(fd), state)
		release()
	}()

	return Relay(ctx, conn, os.Stdin, os.Stdout), nil
}
