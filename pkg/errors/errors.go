// Package errors defines the proxy's exit codes and a small wrapped-error
// type shared by every other package.
package errors

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

type ExitCode int

const (
	ExitCodeSuccess   ExitCode = 0
	ExitCodeGeneral   ExitCode = 1
	ExitCodeConfig    ExitCode = 2
	ExitCodeBind      ExitCode = 3
	ExitCodeUpstream  ExitCode = 4
	ExitCodeProtocol  ExitCode = 5
	ExitCodePolicy    ExitCode = 6
	ExitCodeHelper    ExitCode = 7
	ExitCodeIO        ExitCode = 8
	ExitCodeCancelled ExitCode = 9
)

// Error carries an ExitCode alongside a human-readable message.
// Configuration and bind errors are fatal at process start; the rest
// are session-scoped and only ever logged, never surfaced as a process
// exit code.
type Error struct {
	Code       ExitCode
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func New(code ExitCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func NewWithError(code ExitCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Underlying: err}
}

// ConfigError is a convenience constructor for the most common fatal kind.
func ConfigError(message string) *Error {
	return &Error{Code: ExitCodeConfig, Message: message}
}

// Wrap re-tags a lower-level error with a code and message, preserving it
// as Underlying for Unwrap/errors.Is callers.
func Wrap(err error, code ExitCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Underlying: err}
}

// Is reports whether err is an *Error with the same Code as target.
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	e, ok := err.(*Error)
	return ok && e.Code == target.Code
}

// HandleReturn prints a red "Error:" line to stderr and extracts the
// process exit code from a top-level error, defaulting to
// ExitCodeGeneral for errors not produced by this package. Unlike a
// Handle-style helper it never calls os.Exit itself, leaving that to
// the caller.
func HandleReturn(err error) ExitCode {
	if err == nil {
		return ExitCodeSuccess
	}

	red := color.New(color.FgRed, color.Bold)
	fmt.Fprintln(os.Stderr)
	red.Fprint(os.Stderr, "Error: ")
	fmt.Fprintln(os.Stderr, err.Error())
	fmt.Fprintln(os.Stderr)

	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ExitCodeGeneral
}
