// Package session defines the orchestration session model: one task
// dispatched to N agent instances under a coordination mode, plus the
// chat history and roll-up stats attached at completion.
package session

import (
	"time"

	"github.com/openagora/agora/internal/aggregate"
	"github.com/openagora/agora/internal/instance"
	"github.com/openagora/agora/internal/runtime"
)

// Status represents a session's lifecycle state.
type Status string

const (
	// StatusCreated means the request was validated and registered.
	StatusCreated Status = "created"
	// StatusRunning means instances are provisioning or executing.
	StatusRunning Status = "running"
	// StatusAggregating means all instances are terminal and the
	// coordination mode is resolving.
	StatusAggregating Status = "aggregating"
	// StatusCompleted means aggregation produced a result.
	StatusCompleted Status = "completed"
	// StatusFailed means aggregation could not produce a result.
	StatusFailed Status = "failed"
	// StatusCancelled means the caller cancelled the session.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal sessions are
// immutable except for competition winner selection.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// String returns the status name.
func (s Status) String() string { return string(s) }

// Allocation requests a number of instances of one runtime.
type Allocation struct {
	Runtime runtime.Runtime `json:"runtime"`
	Count   int             `json:"count"`
	Model   string          `json:"model,omitempty"`
}

// ChatMessage is one entry in a session's conversation log. The
// orchestrator stores messages verbatim and never interprets them.
type ChatMessage struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID *int      `json:"instance_id,omitempty"`
}

// Session is one orchestration run: a task, its instances, and the
// aggregated outcome.
type Session struct {
	ID   string         `json:"id"`
	Mode aggregate.Mode `json:"mode"`
	Task string         `json:"task"`

	Workspace   string       `json:"workspace"`
	Allocations []Allocation `json:"allocations"`

	TimeoutSeconds    int  `json:"timeout_seconds,omitempty"`
	PreserveSandboxes bool `json:"preserve_sandboxes,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Instances []*instance.Instance `json:"instances"`

	// WinnerID is the manually selected competition winner, if any.
	WinnerID *int `json:"winner_id,omitempty"`
	// AggregatedOutput is the ensemble synthesis or debate transcript.
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	// Error describes why a Failed session failed.
	Error string `json:"error,omitempty"`

	ChatHistory []ChatMessage `json:"chat_history,omitempty"`

	// Roll-up stats computed when the session reaches a terminal status.
	TotalDurationSeconds int `json:"total_duration_seconds,omitempty"`
	TotalFilesChanged    int `json:"total_files_changed,omitempty"`
	TotalLinesAdded      int `json:"total_lines_added,omitempty"`
	TotalLinesDeleted    int `json:"total_lines_deleted,omitempty"`
}

// InstanceCount returns the total instance count requested by the
// allocations.
func (s *Session) InstanceCount() int {
	n := 0
	for _, a := range s.Allocations {
		n += a.Count
	}
	return n
}

// Instance returns the session's instance with the given ID, or nil.
func (s *Session) Instance(id int) *instance.Instance {
	for _, inst := range s.Instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// ComputeTotals fills the roll-up stats from the attached instances.
func (s *Session) ComputeTotals() {
	var dur time.Duration
	s.TotalFilesChanged = 0
	s.TotalLinesAdded = 0
	s.TotalLinesDeleted = 0
	for _, inst := range s.Instances {
		dur += inst.Duration()
		s.TotalFilesChanged += inst.FilesChanged
		s.TotalLinesAdded += inst.LinesAdded
		s.TotalLinesDeleted += inst.LinesDeleted
	}
	s.TotalDurationSeconds = int(dur.Seconds())
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s

	c.Allocations = append([]Allocation(nil), s.Allocations...)

	c.Instances = make([]*instance.Instance, len(s.Instances))
	for i, inst := range s.Instances {
		c.Instances[i] = inst.Clone()
	}

	c.ChatHistory = append([]ChatMessage(nil), s.ChatHistory...)
	for i := range c.ChatHistory {
		if s.ChatHistory[i].InstanceID != nil {
			id := *s.ChatHistory[i].InstanceID
			c.ChatHistory[i].InstanceID = &id
		}
	}

	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.WinnerID != nil {
		id := *s.WinnerID
		c.WinnerID = &id
	}
	return &c
}
