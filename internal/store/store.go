// Package store persists session history. The orchestrator records
// sessions through the Store interface and only ever writes state it
// owns; chat messages are appended verbatim for the caller's benefit.
package store

import (
	"github.com/openagora/agora/internal/session"
)

// Store is the persistence collaborator for session history.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(s *session.Session) error

	// UpdateSession replaces the stored record for the session's ID.
	UpdateSession(s *session.Session) error

	// GetSession returns the stored session, or ErrSessionNotFound.
	GetSession(workspace, sessionID string) (*session.Session, error)

	// ListSessions returns all sessions recorded for a workspace, newest
	// first.
	ListSessions(workspace string) ([]*session.Session, error)

	// DeleteSession removes a session record. Deleting a missing session
	// returns ErrSessionNotFound.
	DeleteSession(workspace, sessionID string) error

	// AppendChatMessage appends a message to the session's chat history.
	AppendChatMessage(workspace, sessionID string, msg session.ChatMessage) error
}
