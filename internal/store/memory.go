package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/session"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]*session.Session // workspace -> id -> session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]*session.Session)}
}

// CreateSession registers a new session.
func (m *MemoryStore) CreateSession(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.sessions[s.Workspace]
	if ws == nil {
		ws = make(map[string]*session.Session)
		m.sessions[s.Workspace] = ws
	}
	if _, ok := ws[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	ws[s.ID] = s.Clone()
	return nil
}

// UpdateSession replaces the stored record for the session's ID.
func (m *MemoryStore) UpdateSession(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.sessions[s.Workspace]
	if _, ok := ws[s.ID]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, s.ID)
	}
	ws[s.ID] = s.Clone()
	return nil
}

// GetSession returns a copy of the stored session.
func (m *MemoryStore) GetSession(workspace, sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[workspace][sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
	}
	return s.Clone(), nil
}

// ListSessions returns all sessions for a workspace, newest first.
func (m *MemoryStore) ListSessions(workspace string) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*session.Session, 0, len(m.sessions[workspace]))
	for _, s := range m.sessions[workspace] {
		out = append(out, s.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteSession removes a session.
func (m *MemoryStore) DeleteSession(workspace, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.sessions[workspace]
	if _, ok := ws[sessionID]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
	}
	delete(ws, sessionID)
	return nil
}

// AppendChatMessage appends a message to the session's chat history.
func (m *MemoryStore) AppendChatMessage(workspace, sessionID string, msg session.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[workspace][sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
	}
	s.ChatHistory = append(s.ChatHistory, msg)
	return nil
}
