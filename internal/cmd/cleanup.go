package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openagora/agora/internal/config"
	"github.com/openagora/agora/internal/tmux"
	"github.com/openagora/agora/internal/worktree"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reap leftover tmux servers and sandbox worktrees",
	Long: `Clean up after crashed or abandoned sessions: kill every agora tmux
server still running, and remove sandbox worktrees left under the
workspace's worktree directory.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&cleanupDryRun, "dry-run", "n", false, "show what would be removed without removing it")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	sockets, err := tmux.ListAgoraSockets()
	if err != nil {
		fmt.Println(dimStyle.Render("no tmux sockets found"))
	}
	for _, socket := range sockets {
		if cleanupDryRun {
			fmt.Printf("would kill tmux server for session %s\n", tmux.ExtractSessionID(socket))
			continue
		}
		if err := tmux.KillServer(socket); err != nil {
			fmt.Printf("failed to kill tmux server %s: %v\n", socket, err)
			continue
		}
		fmt.Printf("killed tmux server for session %s\n", tmux.ExtractSessionID(socket))
	}

	workspace, err := workspacePath()
	if err != nil {
		return err
	}
	root, err := worktree.FindGitRoot(workspace)
	if err != nil {
		// Nothing to prune outside a repository.
		return nil
	}

	cfg := config.Get()
	worktreeDir := cfg.Paths.ResolveWorktreeDir(root)
	m, err := worktree.New(root, worktreeDir)
	if err != nil {
		return err
	}

	trees, err := m.List()
	if err != nil {
		return err
	}
	for _, path := range trees {
		if !strings.HasPrefix(path, worktreeDir) {
			continue
		}
		if cleanupDryRun {
			fmt.Printf("would remove sandbox %s\n", path)
			continue
		}
		if err := m.Dispose(path); err != nil {
			fmt.Printf("failed to remove sandbox %s: %v\n", path, err)
			continue
		}
		fmt.Printf("removed sandbox %s\n", path)
	}
	return nil
}
