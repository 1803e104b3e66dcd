package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var winnerCmd = &cobra.Command{
	Use:   "winner <session-id> <instance-id>",
	Short: "Record the winning instance of a competition session",
	Long: `Record which instance of a completed competition session won. The
choice is advisory: outputs and branches stay untouched, the session
record simply remembers the preferred instance.`,
	Args: cobra.ExactArgs(2),
	RunE: runWinner,
}

func init() {
	rootCmd.AddCommand(winnerCmd)
}

func runWinner(cmd *cobra.Command, args []string) error {
	instanceID, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("instance ID must be a number: %q", args[1])
	}

	workspace, err := workspacePath()
	if err != nil {
		return err
	}

	coord, logger, err := buildCoordinator()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	if err := coord.SelectWinner(workspace, args[0], instanceID); err != nil {
		return err
	}
	fmt.Printf("instance %d recorded as winner of session %s\n", instanceID, args[0])
	return nil
}
