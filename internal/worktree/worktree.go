// Package worktree provisions and disposes the git-worktree sandboxes that
// isolate agent instances from each other and from the primary checkout.
// Each instance gets its own branch and working directory; agents never
// touch the caller's working tree.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openagora/agora/internal/errors"
)

// BranchPrefix is the first segment of every sandbox branch name.
const BranchPrefix = "agora"

// Manager handles git worktree operations for one workspace.
type Manager struct {
	repoRoot    string
	worktreeDir string
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. It returns the directory containing .git (a directory for
// normal repos, a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point)")
		}
		dir = parent
	}
}

// New creates a Manager rooted at the git repository containing repoDir.
// Sandboxes are created under worktreeDir.
func New(repoDir, worktreeDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repoDir)
	}
	return &Manager{repoRoot: gitRoot, worktreeDir: worktreeDir}, nil
}

// RepoRoot returns the resolved repository root.
func (m *Manager) RepoRoot() string {
	return m.repoRoot
}

// BranchName returns the sandbox branch name for an instance:
// agora/{sessionID}/instance-{n}.
func BranchName(sessionID string, instanceID int) string {
	return BranchPrefix + "/" + sessionID + "/instance-" + strconv.Itoa(instanceID)
}

// SandboxPath returns the sandbox directory for an instance.
func (m *Manager) SandboxPath(sessionID string, instanceID int) string {
	return filepath.Join(m.worktreeDir, sessionID, "instance-"+strconv.Itoa(instanceID))
}

// Provision creates the branch and worktree for one instance from the
// repository's current HEAD. The sandbox path and branch are unique per
// (session, instance); any collision or git failure is a SandboxError
// and the sandbox must not be launched into.
func (m *Manager) Provision(sessionID string, instanceID int) (sandboxPath, branchName string, err error) {
	sandboxPath = m.SandboxPath(sessionID, instanceID)
	branchName = BranchName(sessionID, instanceID)

	if _, statErr := os.Stat(sandboxPath); statErr == nil {
		return "", "", errors.NewSandboxError("sandbox path already exists", nil).
			WithSandboxPath(sandboxPath).
			WithBranch(branchName)
	}

	if mkErr := os.MkdirAll(filepath.Dir(sandboxPath), 0755); mkErr != nil {
		return "", "", errors.NewSandboxError("failed to create sandbox parent directory", mkErr).
			WithSandboxPath(sandboxPath)
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branchName, sandboxPath)
	cmd.Dir = m.repoRoot
	if output, runErr := cmd.CombinedOutput(); runErr != nil {
		return "", "", errors.NewSandboxError(
			fmt.Sprintf("git worktree add failed: %s", strings.TrimSpace(string(output))), runErr).
			WithSandboxPath(sandboxPath).
			WithBranch(branchName)
	}

	return sandboxPath, branchName, nil
}

// Dispose removes a sandbox worktree. It is idempotent: disposing a
// missing sandbox is a no-op. When git refuses to remove the worktree the
// directory is deleted manually and the stale reference pruned.
func (m *Manager) Dispose(sandboxPath string) error {
	if _, err := os.Stat(sandboxPath); os.IsNotExist(err) {
		m.prune()
		return nil
	}

	cmd := exec.Command("git", "worktree", "remove", "--force", sandboxPath)
	cmd.Dir = m.repoRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		if rmErr := os.RemoveAll(sandboxPath); rmErr != nil {
			return fmt.Errorf("failed to remove sandbox %s: %w\n%s", sandboxPath, err, string(output))
		}
		m.prune()
	}
	return nil
}

func (m *Manager) prune() {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoRoot
	_ = cmd.Run()
}

// DeleteBranch deletes a sandbox branch. Call after Dispose once the
// branch is no longer wanted.
func (m *Manager) DeleteBranch(branch string) error {
	cmd := exec.Command("git", "branch", "-D", branch)
	cmd.Dir = m.repoRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w\n%s", branch, err, string(output))
	}
	return nil
}

// List returns the paths of all worktrees attached to the repository.
func (m *Manager) List() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoRoot
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []string
	for _, line := range strings.Split(string(output), "\n") {
		if path, found := strings.CutPrefix(line, "worktree "); found {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees, nil
}

// HasUncommittedChanges checks if a sandbox has uncommitted changes.
func (m *Manager) HasUncommittedChanges(sandboxPath string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = sandboxPath
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to check status: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// DiffStats summarizes what an instance changed in its sandbox.
type DiffStats struct {
	FilesChanged int
	LinesAdded   int
	LinesDeleted int
}

// DiffStats returns the sandbox's change summary against its branch HEAD.
// Tracked modifications come from `git diff --numstat`; untracked files
// count as changed files with their full line count as additions.
func (m *Manager) DiffStats(sandboxPath string) (DiffStats, error) {
	var stats DiffStats

	cmd := exec.Command("git", "diff", "--numstat", "HEAD")
	cmd.Dir = sandboxPath
	output, err := cmd.Output()
	if err != nil {
		return stats, fmt.Errorf("failed to diff sandbox: %w", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		stats.FilesChanged++
		// Binary files report "-"; skip their line counts.
		if added, err := strconv.Atoi(fields[0]); err == nil {
			stats.LinesAdded += added
		}
		if deleted, err := strconv.Atoi(fields[1]); err == nil {
			stats.LinesDeleted += deleted
		}
	}

	statusCmd := exec.Command("git", "status", "--porcelain")
	statusCmd.Dir = sandboxPath
	statusOut, err := statusCmd.Output()
	if err != nil {
		return stats, fmt.Errorf("failed to check sandbox status: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(statusOut)), "\n") {
		if !strings.HasPrefix(line, "?? ") {
			continue
		}
		stats.FilesChanged++
		path := filepath.Join(sandboxPath, strings.TrimPrefix(line, "?? "))
		if data, err := os.ReadFile(path); err == nil {
			stats.LinesAdded += countLines(data)
		}
	}

	return stats, nil
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := strings.Count(string(data), "\n")
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// WritePromptFile writes the task prompt into the sandbox and returns the
// file name relative to the sandbox root. The file rides along in the
// sandbox so the launch command can read it without shell escaping.
func WritePromptFile(sandboxPath, task string) (string, error) {
	const name = ".agora-prompt.md"
	if err := os.WriteFile(filepath.Join(sandboxPath, name), []byte(task), 0644); err != nil {
		return "", fmt.Errorf("failed to write prompt file: %w", err)
	}
	return name, nil
}
