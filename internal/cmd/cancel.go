package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session",
	Long: `Cancel a session. For sessions left behind by a previous process the
record is marked cancelled; stray tmux sessions can be reaped with
'agora cleanup'.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	workspace, err := workspacePath()
	if err != nil {
		return err
	}

	coord, logger, err := buildCoordinator()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	if err := coord.Cancel(workspace, args[0]); err != nil {
		return err
	}
	fmt.Printf("session %s cancelled\n", args[0])
	return nil
}
