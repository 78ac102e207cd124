// Package protocol implements the line-based handshake spoken on a
// supervisor socket.
//
//	client → HELLO vibebox/1 attach pid=<pid>
//	client → HELLO vibebox/1 probe
//	server → STATUS <text>          (zero or more)
//	server → OK <key=value ...>  |  ERR <code> <message>
//
// After OK on an attach the connection carries raw terminal bytes in both
// directions. Both sides must keep reading through the same bufio.Reader
// they used for the handshake, since it may already hold stream bytes.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grovetools/vibebox/errors"
)

// Version is the protocol identifier sent in every hello.
const Version = "vibebox/1"

// MaxLineLength bounds handshake lines.
const MaxLineLength = 4096

// EvictedNotice is the last thing written on an attach stream whose client
// fell too far behind the console output.
const EvictedNotice = "\r\n[vibebox] disconnected: this terminal fell too far behind the VM console output. Run vibebox again to reattach.\r\n"

// Mode is what a client wants from the supervisor.
type Mode string

const (
	// ModeAttach joins the VM console and holds a reference.
	ModeAttach Mode = "attach"
	// ModeProbe asks for status without touching the reference count.
	ModeProbe Mode = "probe"
)

// Hello is the first line a client sends.
type Hello struct {
	Mode Mode
	PID  int
}

// Encode renders the hello line including the newline.
func (h Hello) Encode() string {
	if h.Mode == ModeAttach {
		return fmt.Sprintf("HELLO %s %s pid=%d\n", Version, h.Mode, h.PID)
	}
	return fmt.Sprintf("HELLO %s %s\n", Version, h.Mode)
}

// ParseHello parses a hello line without its newline.
func ParseHello(line string) (Hello, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "HELLO" {
		return Hello{}, errors.InvalidInput(fmt.Sprintf("malformed hello %q", line))
	}
	if fields[1] != Version {
		return Hello{}, errors.InvalidInput(fmt.Sprintf("unsupported protocol %q", fields[1])).
			WithDetail("want", Version)
	}

	h := Hello{Mode: Mode(fields[2])}
	switch h.Mode {
	case ModeAttach, ModeProbe:
	default:
		return Hello{}, errors.InvalidInput(fmt.Sprintf("unknown mode %q", fields[2]))
	}

	kv := parseFields(fields[3:])
	if pid, ok := kv["pid"]; ok {
		n, err := strconv.Atoi(pid)
		if err != nil || n < 0 {
			return Hello{}, errors.InvalidInput(fmt.Sprintf("bad pid %q", pid))
		}
		h.PID = n
	}
	return h, nil
}

// Kind distinguishes server reply lines.
type Kind int

const (
	KindStatus Kind = iota
	KindOK
	KindErr
)

// Reply is one server line.
type Reply struct {
	Kind    Kind
	Text    string            // STATUS text
	Fields  map[string]string // OK fields
	Code    errors.ErrorCode  // ERR code
	Message string            // ERR message
}

// Err converts an ERR reply into a coded error. Other kinds return nil.
func (r Reply) Err() error {
	if r.Kind != KindErr {
		return nil
	}
	return errors.New(r.Code, r.Message)
}

// WriteStatus sends a progress line.
func WriteStatus(w io.Writer, text string) error {
	_, err := io.WriteString(w, "STATUS "+oneLine(text)+"\n")
	return err
}

// WriteOK sends the success line. Keys are written in sorted order.
func WriteOK(w io.Writer, fields map[string]string) error {
	var b strings.Builder
	b.WriteString("OK")
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strings.ReplaceAll(oneLine(fields[k]), " ", "_"))
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteErr sends a failure line.
func WriteErr(w io.Writer, code errors.ErrorCode, message string) error {
	_, err := fmt.Fprintf(w, "ERR %s %s\n", code, oneLine(message))
	return err
}

// ReadLine reads one newline-terminated line of at most MaxLineLength bytes.
func ReadLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		b.Write(chunk)
		if b.Len() > MaxLineLength {
			return "", errors.InvalidInput("handshake line too long")
		}
		if !isPrefix {
			return b.String(), nil
		}
	}
}

// ReadReply reads and parses one server line.
func ReadReply(r *bufio.Reader) (Reply, error) {
	line, err := ReadLine(r)
	if err != nil {
		return Reply{}, err
	}
	return ParseReply(line)
}

// ParseReply parses a server line without its newline.
func ParseReply(line string) (Reply, error) {
	head, rest, _ := strings.Cut(line, " ")
	switch head {
	case "STATUS":
		return Reply{Kind: KindStatus, Text: rest}, nil
	case "OK":
		return Reply{Kind: KindOK, Fields: parseFields(strings.Fields(rest))}, nil
	case "ERR":
		code, msg, _ := strings.Cut(rest, " ")
		if code == "" {
			return Reply{}, errors.InvalidInput(fmt.Sprintf("malformed error reply %q", line))
		}
		return Reply{Kind: KindErr, Code: errors.ErrorCode(code), Message: msg}, nil
	}
	return Reply{}, errors.InvalidInput(fmt.Sprintf("unexpected reply %q", line))
}

func parseFields(fields []string) map[string]string {
	kv := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if ok {
			kv[k] = v
		}
	}
	return kv
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
