package cli

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/grovetools/vibebox/errors"
)

// Exit codes of the vibebox CLI.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitUnreachable = 3
)

// ExitCodeError ends the process with Code and prints nothing. Commands use it
// when the status itself is the result.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	out     io.Writer
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		out:     os.Stderr,
	}
}

// WithWriter redirects the messages.
func (h *ErrorHandler) WithWriter(w io.Writer) *ErrorHandler {
	h.out = w
	return h
}

var errorLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
var hintStyle = lipgloss.NewStyle().Faint(true)

// Handle prints err with a hint for its code and returns the exit code.
func (h *ErrorHandler) Handle(err error) int {
	var exit *ExitCodeError
	if stderrors.As(err, &exit) {
		return exit.Code
	}

	code := ExitError
	coded, ok := errors.As(err)
	if ok {
		fmt.Fprintf(h.out, "%s %s\n", errorLabel.Render("Error:"), coded.Message)
	} else {
		fmt.Fprintf(h.out, "%s %v\n", errorLabel.Render("Error:"), err)
	}

	switch errors.GetCode(err) {
	case errors.ErrCodeSupervisorUnreachable:
		code = ExitUnreachable
		h.hint("The supervisor may be starting or shutting down. Retry in a moment, or run 'vibebox reset' if this persists.")
	case errors.ErrCodeBootFailure:
		if log, ok := coded.Details["log"]; ok {
			h.hint(fmt.Sprintf("See %v for details.", log))
		} else {
			h.hint("Run 'vibebox logs' to see why the VM did not start.")
		}
	case errors.ErrCodeCorruptIndex:
		h.hint(fmt.Sprintf("Fix or remove %v; vibebox will not overwrite it.", coded.Details["path"]))
	case errors.ErrCodeNotFound:
		h.hint("Run 'vibebox list' to see known sessions.")
	case errors.ErrCodeConfigInvalid:
		h.hint("Run 'vibebox config' to see the effective configuration.")
	}

	if h.Verbose && ok {
		if coded.Cause != nil {
			fmt.Fprintf(h.out, "\nCaused by: %v\n", coded.Cause)
		}
		fmt.Fprintf(h.out, "\nError details:\n%s\n", coded.ToJSON())
	}
	return code
}

func (h *ErrorHandler) hint(msg string) {
	fmt.Fprintln(h.out, hintStyle.Render(msg))
}
