package logging

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// sink is the stderr destination shared by every logger. Writes are
// serialized so a held buffer never sees interleaved entries.
type sink struct {
	mu   sync.Mutex
	w    io.Writer
	held *bytes.Buffer
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held != nil {
		return s.held.Write(p)
	}
	return s.w.Write(p)
}

var stderrSink = &sink{w: os.Stderr}

// SetGlobalOutput redirects the stderr sink of every logger.
func SetGlobalOutput(w io.Writer) {
	stderrSink.mu.Lock()
	defer stderrSink.mu.Unlock()
	stderrSink.w = w
}

// GetGlobalOutput returns the shared stderr sink.
func GetGlobalOutput() io.Writer {
	return stderrSink
}

// HoldOutput buffers log output until the returned func is called, which
// writes the held lines to the current destination and resumes direct
// writes. The attach relay holds output while the terminal is in raw mode.
func HoldOutput() (release func()) {
	stderrSink.mu.Lock()
	if stderrSink.held == nil {
		stderrSink.held = &bytes.Buffer{}
	}
	stderrSink.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			stderrSink.mu.Lock()
			defer stderrSink.mu.Unlock()
			if stderrSink.held == nil {
				return
			}
			_, _ = stderrSink.w.Write(stderrSink.held.Bytes())
			stderrSink.held = nil
		})
	}
}
