package cli

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ProgressReporter prints the supervisor's status lines while a client
// waits for the VM, each stamped with the time elapsed since the start.
type ProgressReporter struct {
	mu    sync.Mutex
	out   io.Writer
	start time.Time
	last  string
	now   func() time.Time
}

// NewProgressReporter creates a reporter writing to out.
func NewProgressReporter(out io.Writer) *ProgressReporter {
	return &ProgressReporter{out: out, start: time.Now(), now: time.Now}
}

// Update prints a status line. Repeats of the previous line are skipped.
func (p *ProgressReporter) Update(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status == p.last {
		return
	}
	p.last = status
	elapsed := p.now().Sub(p.start).Round(100 * time.Millisecond)
	fmt.Fprintf(p.out, "%s %s %s\n", mutedStyle.Render("[~]"), status, mutedStyle.Render("("+elapsed.String()+")"))
}

// Done prints the total wait once something was reported.
func (p *ProgressReporter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last == "" {
		return
	}
	elapsed := p.now().Sub(p.start).Round(time.Millisecond)
	fmt.Fprintf(p.out, "%s ready in %s\n", nameStyle.Render("[*]"), elapsed)
}
