// Package errors provides centralized error definitions and error handling
// utilities for Agora. It defines the orchestrator error taxonomy, sentinel
// errors, constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// The taxonomy mirrors how failures propagate through a session:
//
//   - ConfigurationError: invalid request or missing credential, rejected
//     before any resource is provisioned
//   - SandboxError: worktree provisioning failure, instance-local
//   - LaunchError: the process host refused to start a session, instance-local
//   - RuntimeExitError: the agent process exited nonzero, instance-local
//   - TimeoutError: an instance exceeded its time budget, instance-local
//   - AggregationError: no completed instances were available to aggregate,
//     fails the whole session
//
// Instance-local errors never abort sibling instances; use IsInstanceLocal
// to distinguish them from session-level failures.
//
// # Usage
//
//	err := errors.NewSandboxError("worktree add failed", cause).WithBranch("agora/ab12/instance-0")
//
//	if errors.Is(err, errors.ErrMissingCredential) { ... }
//
//	var cfgErr *errors.ConfigurationError
//	if errors.As(err, &cfgErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions so callers can import only this
// package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning Severity = iota
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionTerminal indicates an operation on a session that already
	// reached a terminal state.
	ErrSessionTerminal = New("session already terminal")
	// ErrInstanceNotFound indicates that an instance could not be found.
	ErrInstanceNotFound = New("instance not found")
	// ErrInvalidTransition indicates an illegal instance state transition.
	ErrInvalidTransition = New("invalid state transition")
)

// Request validation sentinel errors
var (
	// ErrMissingCredential indicates the credential environment variable for
	// a requested runtime is unset.
	ErrMissingCredential = New("missing credential")
	// ErrInvalidAllocation indicates an allocation list that cannot be satisfied.
	ErrInvalidAllocation = New("invalid allocation")
	// ErrUnknownRuntime indicates a runtime name outside the supported set.
	ErrUnknownRuntime = New("unknown runtime")
	// ErrUnknownMode indicates a coordination mode outside the supported set.
	ErrUnknownMode = New("unknown coordination mode")
)

// Aggregation sentinel errors
var (
	// ErrNoCompletedInstances indicates aggregation ran with zero completed instances.
	ErrNoCompletedInstances = New("no completed instances")
)

// ConfigurationError represents an invalid start request or environment:
// a missing credential, an unknown runtime, or an unsatisfiable allocation.
// It is surfaced synchronously from Start, before any sandbox or process
// resource is allocated.
type ConfigurationError struct {
	message string
	err     error

	// Runtime is the runtime whose configuration was invalid, if any.
	Runtime string
}

// NewConfigurationError creates a ConfigurationError wrapping err.
func NewConfigurationError(message string, err error) *ConfigurationError {
	return &ConfigurationError{message: message, err: err}
}

// WithRuntime attaches the offending runtime name.
func (e *ConfigurationError) WithRuntime(runtime string) *ConfigurationError {
	e.Runtime = runtime
	return e
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error: " + e.message
	if e.Runtime != "" {
		msg += fmt.Sprintf(" (runtime: %s)", e.Runtime)
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error { return e.err }

// Is reports whether this error matches the target error.
func (e *ConfigurationError) Is(target error) bool {
	var other *ConfigurationError
	if As(target, &other) {
		return true
	}
	return Is(e.err, target)
}

// Severity returns the severity level of this error.
func (e *ConfigurationError) Severity() Severity { return SeverityError }

// SandboxError represents a worktree provisioning failure. It marks the
// owning instance Failed without attempting a launch and is never retried.
type SandboxError struct {
	message string
	err     error

	// SandboxPath is the path that failed to provision, if known.
	SandboxPath string
	// Branch is the branch that failed to create, if known.
	Branch string
}

// NewSandboxError creates a SandboxError wrapping err.
func NewSandboxError(message string, err error) *SandboxError {
	return &SandboxError{message: message, err: err}
}

// WithSandboxPath attaches the sandbox path.
func (e *SandboxError) WithSandboxPath(path string) *SandboxError {
	e.SandboxPath = path
	return e
}

// WithBranch attaches the branch name.
func (e *SandboxError) WithBranch(branch string) *SandboxError {
	e.Branch = branch
	return e
}

func (e *SandboxError) Error() string {
	msg := "sandbox error: " + e.message
	if e.Branch != "" {
		msg += fmt.Sprintf(" (branch: %s)", e.Branch)
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SandboxError) Unwrap() error { return e.err }

// Is reports whether this error matches the target error.
func (e *SandboxError) Is(target error) bool {
	var other *SandboxError
	if As(target, &other) {
		return true
	}
	return Is(e.err, target)
}

// Severity returns the severity level of this error.
func (e *SandboxError) Severity() Severity { return SeverityError }

// LaunchError represents the process host refusing to start an agent
// process. Instance-local.
type LaunchError struct {
	message string
	err     error

	// ProcessSession is the process session identifier, if one was assigned.
	ProcessSession string
}

// NewLaunchError creates a LaunchError wrapping err.
func NewLaunchError(message string, err error) *LaunchError {
	return &LaunchError{message: message, err: err}
}

// WithProcessSession attaches the process session identifier.
func (e *LaunchError) WithProcessSession(id string) *LaunchError {
	e.ProcessSession = id
	return e
}

func (e *LaunchError) Error() string {
	msg := "launch error: " + e.message
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error { return e.err }

// Is reports whether this error matches the target error.
func (e *LaunchError) Is(target error) bool {
	var other *LaunchError
	if As(target, &other) {
		return true
	}
	return Is(e.err, target)
}

// Severity returns the severity level of this error.
func (e *LaunchError) Severity() Severity { return SeverityError }

// RuntimeExitError represents an agent process that exited with a nonzero
// code. The instance's partial output is preserved.
type RuntimeExitError struct {
	// ExitCode is the process exit code.
	ExitCode int
	// Runtime is the runtime that exited.
	Runtime string

	err error
}

// NewRuntimeExitError creates a RuntimeExitError for the given exit code.
func NewRuntimeExitError(runtime string, exitCode int) *RuntimeExitError {
	return &RuntimeExitError{Runtime: runtime, ExitCode: exitCode}
}

func (e *RuntimeExitError) Error() string {
	return fmt.Sprintf("runtime %s exited with code %d", e.Runtime, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *RuntimeExitError) Unwrap() error { return e.err }

// Is reports whether this error matches the target error.
func (e *RuntimeExitError) Is(target error) bool {
	var other *RuntimeExitError
	return As(target, &other)
}

// Severity returns the severity level of this error.
func (e *RuntimeExitError) Severity() Severity { return SeverityWarning }

// TimeoutError represents an instance that exceeded its time budget. The
// process session is forcibly killed and partial output preserved.
type TimeoutError struct {
	// Elapsed is how long the instance ran before being killed.
	Elapsed time.Duration
	// Limit is the configured per-instance timeout.
	Limit time.Duration
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(elapsed, limit time.Duration) *TimeoutError {
	return &TimeoutError{Elapsed: elapsed, Limit: limit}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("instance timed out after %s (limit %s)", e.Elapsed.Round(time.Second), e.Limit)
}

// Is reports whether this error matches the target error.
func (e *TimeoutError) Is(target error) bool {
	var other *TimeoutError
	return As(target, &other)
}

// Severity returns the severity level of this error.
func (e *TimeoutError) Severity() Severity { return SeverityWarning }

// AggregationError represents a session whose coordination mode could not
// produce a final artifact, typically because no instance completed. The
// partial instance results remain attached to the session for inspection.
type AggregationError struct {
	// Mode is the coordination mode that failed to resolve.
	Mode    string
	message string
	err     error
}

// NewAggregationError creates an AggregationError for the given mode.
func NewAggregationError(mode, message string, err error) *AggregationError {
	return &AggregationError{Mode: mode, message: message, err: err}
}

func (e *AggregationError) Error() string {
	msg := fmt.Sprintf("aggregation error (%s): %s", e.Mode, e.message)
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *AggregationError) Unwrap() error { return e.err }

// Is reports whether this error matches the target error.
func (e *AggregationError) Is(target error) bool {
	var other *AggregationError
	if As(target, &other) {
		return true
	}
	return Is(e.err, target)
}

// Severity returns the severity level of this error.
func (e *AggregationError) Severity() Severity { return SeverityError }

// IsInstanceLocal reports whether err affects only its owning instance.
// Instance-local errors mark one instance Failed or TimedOut and never
// abort sibling instances or the session.
func IsInstanceLocal(err error) bool {
	var sandboxErr *SandboxError
	var launchErr *LaunchError
	var exitErr *RuntimeExitError
	var timeoutErr *TimeoutError
	return As(err, &sandboxErr) || As(err, &launchErr) || As(err, &exitErr) || As(err, &timeoutErr)
}
