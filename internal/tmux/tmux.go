// Package tmux provides centralized configuration and helpers for tmux
// operations.
//
// Agora hosts each orchestration session's agent processes on a dedicated
// tmux socket named "agora-{sessionID}". A crash of one session's tmux
// server cannot affect another session's instances. Within a socket,
// instances run in sessions named "agora-{sessionID}-{instance}".
package tmux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"
)

// SocketPrefix is the prefix used for all agora tmux sockets.
// Session sockets are named "{SocketPrefix}-{sessionID}".
const SocketPrefix = "agora"

// CommandWithSocket creates an exec.Cmd for tmux scoped to the given socket.
func CommandWithSocket(socket string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-L", socket}, args...)
	return exec.Command("tmux", fullArgs...)
}

// CommandContextWithSocket creates a context-aware exec.Cmd scoped to the
// given socket.
func CommandContextWithSocket(ctx context.Context, socket string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-L", socket}, args...)
	return exec.CommandContext(ctx, "tmux", fullArgs...)
}

// SessionSocketName returns the socket name for an orchestration session.
func SessionSocketName(sessionID string) string {
	return SocketPrefix + "-" + sessionID
}

// SessionName returns the tmux session name for one instance of an
// orchestration session.
func SessionName(sessionID string, instanceID int) string {
	return fmt.Sprintf("%s-%s-%d", SocketPrefix, sessionID, instanceID)
}

// Available reports whether the tmux binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// HasSession reports whether the named tmux session exists on the socket.
func HasSession(socket, session string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return CommandContextWithSocket(ctx, socket, "has-session", "-t", session).Run() == nil
}

// NewSession creates a detached tmux session running the default shell in
// the given working directory.
func NewSession(socket, session, workingDir string, width, height int) error {
	args := []string{
		"new-session", "-d",
		"-s", session,
		"-c", workingDir,
		"-x", fmt.Sprintf("%d", width),
		"-y", fmt.Sprintf("%d", height),
	}
	cmd := CommandWithSocket(socket, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SetHistoryLimit sets the scrollback limit for the socket's server so
// capture-pane can retrieve long-running agent output.
func SetHistoryLimit(socket string, lines int) error {
	return CommandWithSocket(socket, "set-option", "-g", "history-limit", fmt.Sprintf("%d", lines)).Run()
}

// SendKeys sends literal keys followed by Enter to the session's pane.
func SendKeys(socket, session, keys string) error {
	if err := CommandWithSocket(socket, "send-keys", "-t", session, "-l", keys).Run(); err != nil {
		return fmt.Errorf("tmux send-keys failed: %w", err)
	}
	return CommandWithSocket(socket, "send-keys", "-t", session, "Enter").Run()
}

// CapturePane returns the full pane content including scrollback.
func CapturePane(socket, session string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := CommandContextWithSocket(ctx, socket, "capture-pane", "-t", session, "-p", "-S", "-", "-E", "-")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("tmux capture-pane failed: %w", err)
	}
	return out, nil
}

// KillSession kills the named tmux session. Missing sessions are not an error.
func KillSession(socket, session string) error {
	if !HasSession(socket, session) {
		return nil
	}
	return CommandWithSocket(socket, "kill-session", "-t", session).Run()
}

// ListAgoraSockets returns all tmux sockets that belong to agora sessions.
func ListAgoraSockets() ([]string, error) {
	socketDir, err := getSocketDir()
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(socketDir, SocketPrefix+"-*"))
	if err != nil {
		return nil, err
	}

	sockets := make([]string, 0, len(matches))
	for _, match := range matches {
		if info, err := os.Stat(match); err == nil && info.Mode()&os.ModeSocket != 0 {
			sockets = append(sockets, filepath.Base(match))
		}
	}
	return sockets, nil
}

// getSocketDir returns the tmux socket directory for the current user.
// tmux uses /tmp/tmux-{uid}/ for -L sockets.
func getSocketDir() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return filepath.Join("/tmp", "tmux-"+u.Uid), nil
}

// ExtractSessionID extracts the orchestration session ID from a socket name.
// Returns empty string for non-agora sockets.
func ExtractSessionID(socket string) string {
	if id, found := strings.CutPrefix(socket, SocketPrefix+"-"); found {
		return id
	}
	return ""
}
