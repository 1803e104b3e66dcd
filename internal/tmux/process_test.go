package tmux

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if IsProcessAlive(0) {
		t.Error("PID 0 should not be considered alive")
	}
	if IsProcessAlive(-1) {
		t.Error("negative PID should not be considered alive")
	}
}

func TestWaitForProcessExitAlreadyDead(t *testing.T) {
	start := time.Now()
	if !WaitForProcessExit(0, time.Second) {
		t.Error("WaitForProcessExit should return true for an invalid PID")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("WaitForProcessExit should return immediately for an invalid PID")
	}
}

func TestWaitForProcessExitTimeout(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	if WaitForProcessExit(cmd.Process.Pid, 100*time.Millisecond) {
		t.Error("WaitForProcessExit should time out while the process is running")
	}
}

func TestKillProcessTree(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	pid := cmd.Process.Pid

	KillProcessTree(pid)
	cmd.Wait()

	if !WaitForProcessExit(pid, time.Second) {
		t.Error("process should be dead after KillProcessTree")
	}
}

func TestGetDescendantPIDsInvalid(t *testing.T) {
	if pids := GetDescendantPIDs(0); pids != nil {
		t.Errorf("GetDescendantPIDs(0) = %v, want nil", pids)
	}
	if pids := GetDescendantPIDs(-5); pids != nil {
		t.Errorf("GetDescendantPIDs(-5) = %v, want nil", pids)
	}
}

func TestGetPanePIDMissingSession(t *testing.T) {
	if !Available() {
		t.Skip("tmux not installed")
	}
	if pid := GetPanePID("agora-test-nonexistent", "no-such-session"); pid != 0 {
		t.Errorf("GetPanePID for a missing session = %d, want 0", pid)
	}
}
