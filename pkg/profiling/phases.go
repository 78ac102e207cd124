package profiling

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Stopper ends a timed phase.
type Stopper interface {
	Stop()
}

type phase struct {
	name     string
	start    time.Time
	duration time.Duration
}

// Recorder collects the wall-clock phases of one command run, in the order
// they started.
type Recorder struct {
	mu      sync.Mutex
	enabled bool
	start   time.Time
	phases  []*phase
	now     func() time.Time
}

var defaultRecorder = &Recorder{now: time.Now}

// Enable turns on the process-wide recorder.
func Enable() { defaultRecorder.Enable() }

// Start begins a phase on the process-wide recorder.
func Start(name string) Stopper { return defaultRecorder.Start(name) }

// Summarize writes the process-wide recorder's phases to w.
func Summarize(w io.Writer) { defaultRecorder.Summarize(w) }

// Enable starts the recorder's clock. Calls after the first are no-ops.
func (r *Recorder) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.enabled = true
	r.start = r.now()
}

// Start begins a phase. A disabled recorder returns a no-op Stopper.
func (r *Recorder) Start(name string) Stopper {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return noopStopper{}
	}
	p := &phase{name: name, start: r.now()}
	r.phases = append(r.phases, p)
	return &phaseStopper{r: r, p: p}
}

type phaseStopper struct {
	r    *Recorder
	p    *phase
	once sync.Once
}

func (s *phaseStopper) Stop() {
	s.once.Do(func() {
		s.r.mu.Lock()
		defer s.r.mu.Unlock()
		s.p.duration = s.r.now().Sub(s.p.start)
	})
}

// Summarize prints each phase with its share of the total run. Phases that
// were never stopped are reported as running.
func (r *Recorder) Summarize(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}

	total := r.now().Sub(r.start)
	fmt.Fprintln(w, "\n--- Timing ---")
	for _, p := range r.phases {
		if p.duration == 0 {
			fmt.Fprintf(w, "- %s (running)\n", p.name)
			continue
		}
		pct := 0.0
		if total > 0 {
			pct = float64(p.duration) / float64(total) * 100
		}
		fmt.Fprintf(w, "- %s (%v, %.1f%%)\n", p.name, p.duration.Round(100*time.Microsecond), pct)
	}
	fmt.Fprintf(w, "total %v\n", total.Round(100*time.Microsecond))
}

type noopStopper struct{}

func (noopStopper) Stop() {}
