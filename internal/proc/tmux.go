package proc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/logging"
	"github.com/openagora/agora/internal/runtime"
	"github.com/openagora/agora/internal/tmux"
)

const (
	paneWidth    = 200
	paneHeight   = 50
	historyLimit = 50000
)

// hostedProcess tracks one launched agent process.
type hostedProcess struct {
	socket     string
	session    string
	workingDir string
	lastOutput []byte
}

// TmuxHost implements Host on tmux. Each orchestration session gets its own
// socket; each instance runs in its own tmux session on that socket.
type TmuxHost struct {
	mu        sync.Mutex
	processes map[string]*hostedProcess
	logger    *logging.Logger
}

// NewTmuxHost creates a TmuxHost.
func NewTmuxHost(logger *logging.Logger) *TmuxHost {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &TmuxHost{
		processes: make(map[string]*hostedProcess),
		logger:    logger.WithComponent("proc"),
	}
}

// Launch creates a detached tmux session in the sandbox and sends the
// agent command wrapped so its exit code lands in the exit file. The
// process session ID is the tmux session name.
func (h *TmuxHost) Launch(sessionID string, instanceID int, spec runtime.LaunchSpec) (string, error) {
	if !tmux.Available() {
		return "", errors.NewLaunchError("tmux is not installed", nil)
	}

	socket := tmux.SessionSocketName(sessionID)
	session := tmux.SessionName(sessionID, instanceID)

	if tmux.HasSession(socket, session) {
		return "", errors.NewLaunchError("process session already exists", nil).
			WithProcessSession(session)
	}

	if err := tmux.NewSession(socket, session, spec.WorkingDir, paneWidth, paneHeight); err != nil {
		return "", errors.NewLaunchError("failed to create tmux session", err).
			WithProcessSession(session)
	}
	_ = tmux.SetHistoryLimit(socket, historyLimit)

	// A previous run in the same working directory may have left an exit
	// file behind; a stale one would masquerade as this process's result.
	_ = os.Remove(filepath.Join(spec.WorkingDir, ExitFileName))

	// The wrapper records the exit code and ends the pane's shell, so a
	// missing session later means the process is done.
	wrapped := fmt.Sprintf("{ %s ; }; echo $? > %s; exit", spec.ShellCommand(), ExitFileName)
	if err := tmux.SendKeys(socket, session, wrapped); err != nil {
		_ = tmux.KillSession(socket, session)
		return "", errors.NewLaunchError("failed to send launch command", err).
			WithProcessSession(session)
	}

	h.mu.Lock()
	h.processes[session] = &hostedProcess{
		socket:     socket,
		session:    session,
		workingDir: spec.WorkingDir,
	}
	h.mu.Unlock()

	h.logger.Debug("process launched", "process_session", session, "working_dir", spec.WorkingDir)
	return session, nil
}

// StreamOutput captures the pane and returns the bytes appended since the
// previous call. A pane whose content no longer extends the previous
// capture (cleared screen, redrawn UI) is returned in full.
func (h *TmuxHost) StreamOutput(processID string) ([]byte, error) {
	h.mu.Lock()
	p, ok := h.processes[processID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: process session %s", errors.ErrInstanceNotFound, processID)
	}

	if !tmux.HasSession(p.socket, p.session) {
		return nil, nil
	}

	current, err := tmux.CapturePane(p.socket, p.session)
	if err != nil {
		return nil, err
	}
	current = bytes.TrimRight(current, "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	var delta []byte
	if bytes.HasPrefix(current, p.lastOutput) {
		delta = current[len(p.lastOutput):]
	} else {
		delta = current
	}
	p.lastOutput = current

	if len(delta) == 0 {
		return nil, nil
	}
	out := make([]byte, len(delta))
	copy(out, delta)
	return out, nil
}

// IsAlive reports whether the tmux session still exists. The launch
// wrapper exits the pane shell when the agent finishes, so session death
// tracks process death.
func (h *TmuxHost) IsAlive(processID string) bool {
	h.mu.Lock()
	p, ok := h.processes[processID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return tmux.HasSession(p.socket, p.session)
}

// ExitCode reads the exit file the launch wrapper wrote. A terminated
// process without an exit file reports an error; callers treat that as an
// abnormal termination.
func (h *TmuxHost) ExitCode(processID string) (int, error) {
	h.mu.Lock()
	p, ok := h.processes[processID]
	h.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: process session %s", errors.ErrInstanceNotFound, processID)
	}

	data, err := os.ReadFile(filepath.Join(p.workingDir, ExitFileName))
	if err != nil {
		return 0, fmt.Errorf("process terminated without exit status: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed exit status %q: %w", strings.TrimSpace(string(data)), err)
	}
	return code, nil
}

// SendInput sends a line of input to the process's pane.
func (h *TmuxHost) SendInput(processID string, input string) error {
	h.mu.Lock()
	p, ok := h.processes[processID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: process session %s", errors.ErrInstanceNotFound, processID)
	}
	return tmux.SendKeys(p.socket, p.session, input)
}

// Kill gracefully shuts down the process session, force-killing survivors.
// When the last session on a socket dies, the socket's server is killed
// too so no orphaned tmux servers accumulate.
func (h *TmuxHost) Kill(processID string) error {
	h.mu.Lock()
	p, ok := h.processes[processID]
	if ok {
		delete(h.processes, processID)
	}
	socketInUse := false
	if ok {
		for _, other := range h.processes {
			if other.socket == p.socket {
				socketInUse = true
				break
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return nil
	}

	tmux.GracefulShutdown(p.socket, p.session, tmux.DefaultGracefulStopTimeout)
	if !socketInUse {
		_ = tmux.KillServer(p.socket)
	}

	h.logger.Debug("process killed", "process_session", p.session)
	return nil
}
