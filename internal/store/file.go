package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/session"
)

// FileStore persists sessions as one JSON file per workspace under
// {dataDir}/sessions/. The workspace path is hashed so the file name
// stays stable regardless of path length or characters.
type FileStore struct {
	mu      sync.Mutex
	dataDir string
}

// NewFileStore creates a FileStore rooted at dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir}
}

// WorkspaceKey derives the stable file-name key for a workspace path.
func WorkspaceKey(workspace string) string {
	sum := sha256.Sum256([]byte(workspace))
	return hex.EncodeToString(sum[:])[:16]
}

func (f *FileStore) sessionsFile(workspace string) string {
	return filepath.Join(f.dataDir, "sessions", WorkspaceKey(workspace)+".json")
}

// CreateSession appends a new session record to the workspace file.
func (f *FileStore) CreateSession(s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions, err := f.load(s.Workspace)
	if err != nil {
		return err
	}
	for _, existing := range sessions {
		if existing.ID == s.ID {
			return fmt.Errorf("session %s already exists", s.ID)
		}
	}
	sessions = append(sessions, s.Clone())
	return f.save(s.Workspace, sessions)
}

// UpdateSession replaces the stored record matching the session's ID.
func (f *FileStore) UpdateSession(s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions, err := f.load(s.Workspace)
	if err != nil {
		return err
	}
	for i, existing := range sessions {
		if existing.ID == s.ID {
			sessions[i] = s.Clone()
			return f.save(s.Workspace, sessions)
		}
	}
	return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, s.ID)
}

// GetSession returns a copy of the stored session.
func (f *FileStore) GetSession(workspace, sessionID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions, err := f.load(workspace)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return s.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
}

// ListSessions returns all sessions for a workspace, newest first.
func (f *FileStore) ListSessions(workspace string) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions, err := f.load(workspace)
	if err != nil {
		return nil, err
	}
	out := make([]*session.Session, len(sessions))
	for i, s := range sessions {
		out[i] = s.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteSession removes a session record from the workspace file.
func (f *FileStore) DeleteSession(workspace, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions, err := f.load(workspace)
	if err != nil {
		return err
	}
	for i, s := range sessions {
		if s.ID == sessionID {
			sessions = append(sessions[:i], sessions[i+1:]...)
			return f.save(workspace, sessions)
		}
	}
	return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
}

// AppendChatMessage appends a message to the stored session's history.
func (f *FileStore) AppendChatMessage(workspace, sessionID string, msg session.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions, err := f.load(workspace)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			s.ChatHistory = append(s.ChatHistory, msg)
			return f.save(workspace, sessions)
		}
	}
	return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, sessionID)
}

func (f *FileStore) load(workspace string) ([]*session.Session, error) {
	data, err := os.ReadFile(f.sessionsFile(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}
	var sessions []*session.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("failed to parse session store: %w", err)
	}
	return sessions, nil
}

// save writes the workspace file atomically: marshal, write to a temp
// file in the same directory, rename over the target.
func (f *FileStore) save(workspace string, sessions []*session.Session) error {
	path := f.sessionsFile(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session store directory: %w", err)
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to flush sessions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session store: %w", err)
	}
	return nil
}
