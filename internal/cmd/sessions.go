package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions recorded for this workspace",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	workspace, err := workspacePath()
	if err != nil {
		return err
	}

	coord, logger, err := buildCoordinator()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	sessions, err := coord.List(workspace)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println(dimStyle.Render("no sessions recorded for " + workspace))
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-38s %-12s %-12s %-6s %-20s %s",
		"ID", "MODE", "STATUS", "INST", "CREATED", "TASK")))
	for _, s := range sessions {
		fmt.Printf("%-38s %-12s %-12s %-6d %-20s %s\n",
			s.ID, s.Mode, renderStatus(s.Status.String()), len(s.Instances),
			s.CreatedAt.Format("2006-01-02 15:04:05"), truncate(s.Task, 60))
	}
	return nil
}
