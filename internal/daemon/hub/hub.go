// Package hub fans VM console output out to every attached client and
// merges their input into the single VM console.
package hub

import (
	stderrors "errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the number of output chunks a subscriber may lag behind.
const DefaultQueueSize = 256

var (
	// ErrClosed is returned when subscribing to a closed hub.
	ErrClosed = stderrors.New("hub is closed")
	// ErrNoInput is returned by Write before the VM console is connected.
	ErrNoInput = stderrors.New("vm console is not connected")
)

// Subscriber receives output chunks. C is closed when the subscriber is
// removed, either by Unsubscribe, by eviction, or by Close.
type Subscriber struct {
	ch      chan []byte
	evicted bool
}

// C returns the output channel.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// Options configures a Hub.
type Options struct {
	QueueSize int
	// Tee receives a copy of every output chunk (console.log).
	Tee    io.Writer
	Logger *logrus.Entry
}

// Hub is the output fan-out and input fan-in point for one VM.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	closed      bool

	inputMu sync.Mutex
	input   io.Writer

	queueSize int
	tee       io.Writer
	logger    *logrus.Entry
}

// New creates an empty hub.
func New(opts Options) *Hub {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		queueSize:   size,
		tee:         opts.Tee,
		logger:      logger,
	}
}

// Subscribe adds a subscriber. It sees output produced from now on only.
func (h *Hub) Subscribe() (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	s := &Subscriber{ch: make(chan []byte, h.queueSize)}
	h.subscribers[s] = struct{}{}
	return s, nil
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to
// call on an already removed subscriber.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscriber) {
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	close(s.ch)
}

// Evicted reports whether the hub dropped the subscriber for falling behind.
func (h *Hub) Evicted(s *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.evicted
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Broadcast delivers a chunk to every subscriber. A subscriber whose queue
// is full is evicted rather than stalling the VM or losing bytes silently.
func (h *Hub) Broadcast(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	if h.tee != nil {
		if _, err := h.tee.Write(chunk); err != nil {
			h.logger.WithError(err).Debug("Console tee write failed")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		select {
		case s.ch <- chunk:
		default:
			s.evicted = true
			h.removeLocked(s)
			h.logger.Warn("Evicted client that fell behind the console output")
		}
	}
}

// Pump copies VM output to subscribers until r ends.
func (h *Hub) Pump(r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Broadcast(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// SetInput connects the VM console input.
func (h *Hub) SetInput(w io.Writer) {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	h.input = w
}

// Write forwards client input to the VM. Each call reaches the VM as one
// contiguous write; concurrent clients are merged in arrival order.
func (h *Hub) Write(p []byte) (int, error) {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	if h.input == nil {
		return 0, ErrNoInput
	}
	return h.input.Write(p)
}

// Close removes every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subscribers {
		h.removeLocked(s)
	}
}
