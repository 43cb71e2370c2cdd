package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
)

// Process exit codes.
const (
	ExitSuccess = 0
	// ExitFailure: the command ran and the kernel refused or reported a
	// problem (broken chain, strict selection exhausted, invalid rule).
	ExitFailure = 1
	// ExitCommandError: the command could not run (flags, files, database).
	ExitCommandError = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return WrapExitError(code, message, nil)
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code; errors that carry none
// exit with ExitFailure.
func GetExitCode(err error) int {
	if exitErr := (*ExitError)(nil); errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format string
	Writer io.Writer
	// ErrWriter receives diagnostics so they never interleave with JSON
	// on Writer. Nil means Writer.
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error member of CLIResponse. Code is one of the
// ErrCode constants or a rule validation code.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// textRenderer is implemented by results with their own text layout.
type textRenderer interface {
	renderText(w io.Writer)
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

func (f *OutputFormatter) envelope(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success writes data. In text mode a textRenderer lays itself out and
// anything else is printed with its default format.
func (f *OutputFormatter) Success(data any) error {
	if f.json() {
		return f.envelope(CLIResponse{Status: "ok", Data: data})
	}
	switch v := data.(type) {
	case textRenderer:
		v.renderText(f.Writer)
	default:
		fmt.Fprintln(f.Writer, v)
	}
	return nil
}

// Error writes a coded error. Text mode shows details only when verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.json() {
		return f.envelope(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "%s %s\n", red("[%s]", code), message)
	if details != nil && f.Verbose {
		fmt.Fprintf(f.Writer, "  details: %+v\n", details)
	}
	return nil
}

// Logf writes a diagnostic line when verbose.
func (f *OutputFormatter) Logf(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.diag(), format+"\n", args...)
	}
}

// diag is where diagnostics go.
func (f *OutputFormatter) diag() io.Writer {
	if f.ErrWriter == nil {
		return f.Writer
	}
	return f.ErrWriter
}

var (
	greenC  = color.New(color.FgGreen)
	yellowC = color.New(color.FgYellow)
	redC    = color.New(color.FgRed, color.Bold)
	cyanC   = color.New(color.FgCyan)
)

func green(format string, args ...any) string  { return greenC.Sprintf(format, args...) }
func yellow(format string, args ...any) string { return yellowC.Sprintf(format, args...) }
func red(format string, args ...any) string    { return redC.Sprintf(format, args...) }
func cyan(format string, args ...any) string   { return cyanC.Sprintf(format, args...) }
