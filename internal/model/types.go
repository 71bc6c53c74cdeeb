// Package model defines the domain types for the tbot CLI.
//
// The types in this package are shared between the machine, board,
// testcase and cli packages. They carry no behaviour beyond validation
// and formatting, so every other package can depend on them without
// creating import cycles.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ShellMode selects how a lab host shell treats state between commands.
//
//	noenv: every command runs in a fresh shell; `cd` and `export` are lost
//	env:   commands share one long-lived shell; cwd and variables persist
type ShellMode string

const (
	// ShellNoEnv runs each command in its own shell process/session.
	ShellNoEnv ShellMode = "noenv"

	// ShellEnv runs all commands in a single persistent shell.
	ShellEnv ShellMode = "env"
)

// String returns the string representation of ShellMode.
func (m ShellMode) String() string {
	return string(m)
}

// IsValid checks whether the ShellMode value is one of the predefined modes.
func (m ShellMode) IsValid() bool {
	switch m {
	case ShellNoEnv, ShellEnv:
		return true
	default:
		return false
	}
}

// ParseShellMode converts a string to a ShellMode. An empty string yields
// ShellNoEnv, which is the mode the lab host uses unless configured otherwise.
func ParseShellMode(s string) (ShellMode, error) {
	if strings.TrimSpace(s) == "" {
		return ShellNoEnv, nil
	}
	mode := ShellMode(strings.ToLower(strings.TrimSpace(s)))
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid shell mode: %q (valid: noenv, env)", s)
	}
	return mode, nil
}

// TestcaseStatus is the outcome of a single testcase invocation.
type TestcaseStatus string

const (
	// StatusPass means the testcase returned without error.
	StatusPass TestcaseStatus = "pass"

	// StatusFail means the testcase (or a nested call) returned an error.
	StatusFail TestcaseStatus = "fail"

	// StatusSkip means the testcase skipped itself, or was never reached
	// because an earlier top-level testcase failed.
	StatusSkip TestcaseStatus = "skip"
)

// String returns the string representation of TestcaseStatus.
func (s TestcaseStatus) String() string {
	return string(s)
}

// CommandResult is the outcome of running one shell command on a machine.
//
// A non-zero ExitCode is a normal result, not an error: callers that want
// failure-as-error semantics use machine.Exec0.
type CommandResult struct {
	// Command is the exact command line that was sent to the shell.
	Command string `json:"command"`

	// ExitCode is the shell exit status of the command.
	ExitCode int `json:"exitCode"`

	// Output is the combined stdout/stderr of the command.
	Output string `json:"output"`

	// Duration is the wall clock time the command took.
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the command exited with status 0.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

// CommandFailedError is returned by Exec0-style helpers when a command
// exits with a non-zero status.
type CommandFailedError struct {
	// Machine is the name of the machine the command ran on.
	Machine string

	// Command is the failing command line.
	Command string

	// ExitCode is the non-zero exit status.
	ExitCode int

	// Output is the combined output of the failing command.
	Output string
}

// Error satisfies the error interface.
func (e *CommandFailedError) Error() string {
	msg := fmt.Sprintf("command %q failed on %s with exit code %d", e.Command, e.Machine, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ":\n" + out
	}
	return msg
}

// nameRegex validates lab, board and testcase names: alphanumerics plus
// '-' and '_', starting and ending with an alphanumeric character.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]*[a-zA-Z0-9])?$`)

// ValidateName checks that name is usable as a lab, board or testcase
// identifier. kind is only used to build the error message.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name must not be empty", kind)
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid %s name %q: must contain only alphanumeric characters, '-' and '_', and start/end with alphanumeric", kind, name)
	}
	return nil
}

// ExitCode defines the process exit codes of the tbot CLI.
// Scripts and CI systems use them to tell apart a broken lab setup
// from a genuinely failing testcase.
type ExitCode int

const (
	// ExitSuccess indicates every requested testcase passed.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the lab or board configuration could not
	// be loaded or failed validation.
	ExitConfigError ExitCode = 2

	// ExitLabHostError indicates the lab host could not be reached.
	ExitLabHostError ExitCode = 3

	// ExitBoardError indicates the board could not be locked, connected
	// or powered.
	ExitBoardError ExitCode = 4

	// ExitTestcaseFailed indicates a testcase returned an error.
	ExitTestcaseFailed ExitCode = 5

	// ExitTestcaseNotFound indicates an unknown testcase name was requested.
	ExitTestcaseNotFound ExitCode = 6

	// ExitCommandFailed indicates a shell command exited non-zero where
	// success was required.
	ExitCommandFailed ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
