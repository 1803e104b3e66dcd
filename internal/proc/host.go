// Package proc hosts agent processes in detachable tmux sessions.
//
// The coordinator supervises instances by polling, so the Host contract is
// pull-only: launch a process, then ask for output deltas, liveness, and
// the exit code. No callbacks, no push channels. Users can attach to any
// hosted session with plain tmux for a live view without disturbing
// supervision.
package proc

import (
	"github.com/openagora/agora/internal/runtime"
)

// ExitFileName is written into the sandbox by the launch wrapper when the
// agent process exits; it carries the numeric exit code. A dead session
// without this file means the process was terminated before it could
// report.
const ExitFileName = ".agora-exit"

// Host launches and observes agent processes.
type Host interface {
	// Launch starts the spec's command for one instance and returns an
	// opaque process session ID. Failures are LaunchErrors; no process is
	// left behind on error.
	Launch(sessionID string, instanceID int, spec runtime.LaunchSpec) (string, error)

	// StreamOutput returns the output produced since the previous call for
	// this process session. The first call returns everything so far.
	StreamOutput(processID string) ([]byte, error)

	// IsAlive reports whether the process session still exists.
	IsAlive(processID string) bool

	// ExitCode returns the process exit code once it has terminated.
	// It fails when the process never reported one.
	ExitCode(processID string) (int, error)

	// SendInput sends a line of input to the process's terminal.
	SendInput(processID string, input string) error

	// Kill forcibly terminates the process session. Idempotent: killing a
	// dead or unknown session is a no-op.
	Kill(processID string) error
}
