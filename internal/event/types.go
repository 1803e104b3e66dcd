package event

import "time"

// Event is the interface all published events implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g. "instance.status", "session.completed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Statuses are carried as strings so observers need no dependency on the
// instance or session packages.

// InstanceStatusEvent is emitted on every instance state transition.
// Diff stats are populated on terminal transitions, so subscribers see
// the instance's change summary without polling.
type InstanceStatusEvent struct {
	baseEvent
	SessionID  string // Owning session
	InstanceID int    // Instance that transitioned
	Runtime    string // Runtime backing the instance
	From       string // Previous status
	To         string // New status
	Reason     string // Human-readable cause (error message, "cancelled", ...)

	FilesChanged int
	LinesAdded   int
	LinesDeleted int
}

// NewInstanceStatusEvent creates an InstanceStatusEvent.
func NewInstanceStatusEvent(sessionID string, instanceID int, runtime, from, to, reason string) InstanceStatusEvent {
	return InstanceStatusEvent{
		baseEvent:  newBaseEvent("instance.status"),
		SessionID:  sessionID,
		InstanceID: instanceID,
		Runtime:    runtime,
		From:       from,
		To:         to,
		Reason:     reason,
	}
}

// InstanceOutputEvent is emitted when the supervision loop observes new
// output from an instance. Delta holds only the bytes since the previous
// observation.
type InstanceOutputEvent struct {
	baseEvent
	SessionID  string
	InstanceID int
	Delta      []byte
}

// NewInstanceOutputEvent creates an InstanceOutputEvent.
func NewInstanceOutputEvent(sessionID string, instanceID int, delta []byte) InstanceOutputEvent {
	return InstanceOutputEvent{
		baseEvent:  newBaseEvent("instance.output"),
		SessionID:  sessionID,
		InstanceID: instanceID,
		Delta:      delta,
	}
}

// SessionStatusEvent is emitted when a session changes status
// (running, aggregating, completed, failed, cancelled).
type SessionStatusEvent struct {
	baseEvent
	SessionID string
	From      string
	To        string
	Reason    string
}

// NewSessionStatusEvent creates a SessionStatusEvent.
func NewSessionStatusEvent(sessionID, from, to, reason string) SessionStatusEvent {
	return SessionStatusEvent{
		baseEvent: newBaseEvent("session.status"),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// WinnerSelectedEvent is emitted when a competition winner is recorded.
type WinnerSelectedEvent struct {
	baseEvent
	SessionID  string
	InstanceID int
}

// NewWinnerSelectedEvent creates a WinnerSelectedEvent.
func NewWinnerSelectedEvent(sessionID string, instanceID int) WinnerSelectedEvent {
	return WinnerSelectedEvent{
		baseEvent:  newBaseEvent("session.winner"),
		SessionID:  sessionID,
		InstanceID: instanceID,
	}
}

// DebateTurnEvent is emitted when a debate contribution is recorded.
type DebateTurnEvent struct {
	baseEvent
	SessionID string
	Round     int
	Role      string
	Skipped   bool // true when the role failed to respond and was skipped
}

// NewDebateTurnEvent creates a DebateTurnEvent.
func NewDebateTurnEvent(sessionID string, round int, role string, skipped bool) DebateTurnEvent {
	return DebateTurnEvent{
		baseEvent: newBaseEvent("debate.turn"),
		SessionID: sessionID,
		Round:     round,
		Role:      role,
		Skipped:   skipped,
	}
}
