package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/mirror"
	"github.com/roach88/pear/internal/stream"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (final event unsuccessful, start failed)
	ExitCommandError = 2 // Command error (bad flags, sidecar unreachable)
	ExitPermission   = 3 // Untrusted key or missing encryption key
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// sidecarError maps an error returned by the sidecar to an exit error.
func sidecarError(message string, err error) *ExitError {
	var e *errs.Error
	if errors.As(err, &e) && e.Code.Category() == errs.CategoryPermission {
		return WrapExitError(ExitPermission, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses. Code is a sidecar
// error code such as ERR_PERMISSION_REQUIRED.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	switch v := data.(type) {
	case string:
		_, err := fmt.Fprintln(f.Writer, v)
		return err
	case fmt.Stringer:
		_, err := fmt.Fprintln(f.Writer, v.String())
		return err
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f.Writer, string(raw))
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Event outputs one stream event. JSON output is one event per line; text
// output renders the common tags and falls back to "tag data".
func (f *OutputFormatter) Event(ev RawEvent) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(ev)
	}

	switch ev.Tag {
	case stream.TagFinal:
		return nil
	case stream.TagByteDiff:
		var d mirror.Diff
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			_, err := fmt.Fprintf(f.Writer, "%-6s %s (+%d -%d)\n", d.Op, d.Key, d.BytesAdded, d.BytesRemoved)
			return err
		}
	case stream.TagSummary:
		var s mirror.Summary
		if err := json.Unmarshal(ev.Data, &s); err == nil {
			_, err := fmt.Fprintf(f.Writer, "%d added, %d changed, %d removed (+%d -%d bytes)\n",
				s.Add, s.Change, s.Remove, s.BytesAdded, s.BytesRemoved)
			return err
		}
	case stream.TagError:
		var e errs.Error
		if err := json.Unmarshal(ev.Data, &e); err == nil {
			return f.Error(string(e.Code), e.Message, e.Info)
		}
	}
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		_, err := fmt.Fprintln(f.Writer, ev.Tag)
		return err
	}
	_, err := fmt.Fprintf(f.Writer, "%s %s\n", ev.Tag, data)
	return err
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
