// Package instance defines the per-instance model, its status state
// machine, and the Tracker that owns all instance mutation for a session.
package instance

import (
	"time"

	"github.com/openagora/agora/internal/runtime"
)

// Status represents an instance's lifecycle state.
type Status string

const (
	// StatusPending means the instance is registered but not yet admitted.
	StatusPending Status = "pending"
	// StatusProvisioning means the sandbox is being created.
	StatusProvisioning Status = "provisioning"
	// StatusRunning means the agent process is live.
	StatusRunning Status = "running"
	// StatusCompleted means the agent exited with code zero.
	StatusCompleted Status = "completed"
	// StatusFailed means provisioning, launch, or the agent itself failed.
	StatusFailed Status = "failed"
	// StatusTimedOut means the instance exceeded its time budget and was killed.
	StatusTimedOut Status = "timed_out"
	// StatusCancelled means the session was cancelled before the instance finished.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal instances never
// transition again and their output is frozen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// String returns the status name.
func (s Status) String() string { return string(s) }

// ValidTransition reports whether from -> to is a legal status change.
// The forward path is Pending -> Provisioning -> Running -> terminal;
// Cancelled is reachable from any non-terminal status; Failed is
// additionally reachable from Provisioning (sandbox failure) and Pending
// is never re-entered.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusProvisioning:
		return from == StatusPending
	case StatusRunning:
		return from == StatusProvisioning
	case StatusFailed:
		return from == StatusProvisioning || from == StatusRunning
	case StatusCompleted, StatusTimedOut:
		return from == StatusRunning
	}
	return false
}

// Instance is one agent attempt at the session's task.
type Instance struct {
	// ID is unique and stable within the session, assigned in allocation
	// order starting at 0.
	ID int `json:"id"`
	// Runtime is the agent CLI backing this instance.
	Runtime runtime.Runtime `json:"runtime"`
	// Model is the model identifier passed to the runtime, if any.
	Model string `json:"model,omitempty"`

	// SandboxPath is the instance's worktree directory.
	SandboxPath string `json:"sandbox_path,omitempty"`
	// BranchName is the instance's git branch.
	BranchName string `json:"branch_name,omitempty"`
	// ProcessSessionID identifies the hosted process, when launched.
	ProcessSessionID string `json:"process_session_id,omitempty"`

	Status Status `json:"status"`
	// Output accumulates the agent's observed output. Frozen once terminal.
	Output string `json:"output,omitempty"`
	// Error holds the failure description for Failed/TimedOut instances.
	Error string `json:"error,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesDeleted int `json:"lines_deleted"`
}

// Duration returns how long the instance ran, zero when it never started.
func (i *Instance) Duration() time.Duration {
	if i.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if i.EndedAt != nil {
		end = *i.EndedAt
	}
	return end.Sub(*i.StartedAt)
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.EndedAt != nil {
		t := *i.EndedAt
		c.EndedAt = &t
	}
	return &c
}
