package tmux

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultGracefulStopTimeout is the default time to wait after sending
// Ctrl+C before force-killing processes during shutdown.
const DefaultGracefulStopTimeout = 500 * time.Millisecond

// GetPanePID returns the PID of the process running in the tmux pane.
// Returns 0 if the PID cannot be determined (e.g., session doesn't exist).
func GetPanePID(socketName, sessionName string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := CommandContextWithSocket(ctx, socketName, "display-message", "-t", sessionName, "-p", "#{pane_pid}")
	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0
	}
	return pid
}

// GetDescendantPIDs returns all descendant PIDs of the given PID (recursive).
func GetDescendantPIDs(pid int) []int {
	if pid <= 0 {
		return nil
	}
	return getDescendantPIDs(pid)
}

func getDescendantPIDs(pid int) []int {
	cmd := exec.Command("pgrep", "-P", strconv.Itoa(pid))
	output, err := cmd.Output()
	if err != nil {
		return nil
	}

	var descendants []int
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		childPID, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		descendants = append(descendants, childPID)
		descendants = append(descendants, getDescendantPIDs(childPID)...)
	}
	return descendants
}

// IsProcessAlive checks if a process with the given PID exists.
// kill(pid, 0) checks existence without delivering a signal.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// KillProcessTree sends SIGKILL to a process and all its descendants.
// Descendants are killed first (bottom-up) to prevent orphaning.
func KillProcessTree(pid int) {
	if pid <= 0 {
		return
	}

	descendants := GetDescendantPIDs(pid)
	for i := len(descendants) - 1; i >= 0; i-- {
		if IsProcessAlive(descendants[i]) {
			_ = syscall.Kill(descendants[i], syscall.SIGKILL)
		}
	}

	if IsProcessAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// KillServer kills the tmux server for the given socket name, terminating
// every session hosted on it.
func KillServer(socketName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return CommandContextWithSocket(ctx, socketName, "kill-server").Run()
}

// CollectProcessTree returns the pane PID and all its descendants.
// Call before initiating shutdown to capture the full tree while it is
// still observable.
func CollectProcessTree(socketName, sessionName string) []int {
	panePID := GetPanePID(socketName, sessionName)
	if panePID <= 0 {
		return nil
	}

	pids := []int{panePID}
	pids = append(pids, GetDescendantPIDs(panePID)...)
	return pids
}

// EnsureProcessesKilled force-kills any of the given PIDs still alive,
// along with descendants they may have spawned since collection.
func EnsureProcessesKilled(pids []int) {
	for _, pid := range pids {
		if IsProcessAlive(pid) {
			KillProcessTree(pid)
		}
	}
}

// GracefulShutdown performs a defense-in-depth shutdown of a tmux session.
// It captures the process tree, sends Ctrl+C for a graceful stop, polls for
// process exit, kills the session, then force-kills any survivors. The
// server is left running; callers kill it once the last session on the
// socket is gone.
func GracefulShutdown(socketName, sessionName string, gracefulTimeout time.Duration) {
	processPIDs := CollectProcessTree(socketName, sessionName)
	panePID := 0
	if len(processPIDs) > 0 {
		panePID = processPIDs[0]
	}

	_ = CommandWithSocket(socketName, "send-keys", "-t", sessionName, "C-c").Run()

	WaitForProcessExit(panePID, gracefulTimeout)

	_ = CommandWithSocket(socketName, "kill-session", "-t", sessionName).Run()

	EnsureProcessesKilled(processPIDs)
}

// WaitForProcessExit polls until the given PID exits or the timeout is
// reached. Returns true if the process exited within the timeout.
func WaitForProcessExit(pid int, timeout time.Duration) bool {
	if pid <= 0 || !IsProcessAlive(pid) {
		return true
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return !IsProcessAlive(pid)
		case <-ticker.C:
			if !IsProcessAlive(pid) {
				return true
			}
		}
	}
}
