package cli

import (
	"bytes"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandlerExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		hint string
	}{
		{"unreachable", errors.SupervisorUnreachable("/p", stderrors.New("refused")), ExitUnreachable, "vibebox reset"},
		{"boot failure with log", errors.BootFailure("qemu missing", nil).WithDetail("log", "/p/.vibebox/supervisor.log"), ExitError, "supervisor.log"},
		{"corrupt index", errors.CorruptIndex("/s/sessions.toml", stderrors.New("bad")), ExitError, "sessions.toml"},
		{"not found", errors.NotFound("abc"), ExitError, "vibebox list"},
		{"plain", stderrors.New("boom"), ExitError, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			code := NewErrorHandler(false).WithWriter(&out).Handle(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Contains(t, out.String(), tt.hint)
		})
	}
}

func TestErrorHandlerVerboseShowsDetails(t *testing.T) {
	var out bytes.Buffer
	NewErrorHandler(true).WithWriter(&out).Handle(errors.IOFailure("write", "/x", stderrors.New("disk full")))
	assert.Contains(t, out.String(), "disk full")
	assert.Contains(t, out.String(), `"code": "IO_FAILURE"`)
}

func TestExitCodeErrorIsSilent(t *testing.T) {
	var out bytes.Buffer
	code := NewErrorHandler(false).WithWriter(&out).Handle(&ExitCodeError{Code: 1})
	assert.Equal(t, 1, code)
	assert.Empty(t, out.String())
}

func TestExecuteReturnsCode(t *testing.T) {
	root := NewStandardCommand("vibebox", "test")
	root.AddCommand(&cobra.Command{
		Use: "fail",
		RunE: func(*cobra.Command, []string) error {
			return errors.SupervisorUnreachable("/p", nil)
		},
	})
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs([]string{"fail"})
	assert.Equal(t, ExitUnreachable, Execute(root))
}

func TestProgressReporter(t *testing.T) {
	var out bytes.Buffer
	p := NewProgressReporter(&out)
	base := p.start
	p.now = func() time.Time { return base.Add(1500 * time.Millisecond) }

	p.Done()
	assert.Empty(t, out.String(), "nothing reported, nothing printed")

	p.Update("starting vm")
	p.Update("starting vm")
	p.Done()
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "starting vm")
	assert.Contains(t, lines[0], "1.5s")
	assert.Contains(t, lines[1], "ready in 1.5s")
}

func TestHelpListsCommandsAndFlags(t *testing.T) {
	root := NewStandardCommand("vibebox", "Per-project micro-VMs")
	root.AddCommand(&cobra.Command{Use: "list", Short: "List sessions", Run: func(*cobra.Command, []string) {}})
	root.AddCommand(&cobra.Command{Use: "supervisor", Hidden: true, Run: func(*cobra.Command, []string) {}})

	var out bytes.Buffer
	renderHelp(&out, root, 60)
	help := out.String()
	assert.Contains(t, help, "VIBEBOX")
	assert.Contains(t, help, "list")
	assert.NotContains(t, help, "supervisor")
	assert.Contains(t, help, "--verbose")
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "aaa bbb\nccc", wrapText("aaa bbb ccc", 7))
	assert.Equal(t, "short\nkept", wrapText("short\nkept", 40))
}
