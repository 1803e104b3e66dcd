package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusOutput bool

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's state",
	Long: `Show one session: its mode, status, and every instance with runtime,
duration, change stats, and terminal status. With --output the stored
instance outputs and the aggregated result are printed too.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusOutput, "output", "o", false, "include instance outputs and the aggregated result")
}

func runStatus(cmd *cobra.Command, args []string) error {
	workspace, err := workspacePath()
	if err != nil {
		return err
	}

	coord, logger, err := buildCoordinator()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	s, err := coord.Status(workspace, args[0])
	if err != nil {
		return err
	}

	fmt.Println(renderSessionSummary(s))

	if statusOutput {
		for _, inst := range s.Instances {
			if inst.Output == "" {
				continue
			}
			fmt.Println(headerStyle.Render(fmt.Sprintf("Instance %d (%s)", inst.ID, inst.Runtime)))
			fmt.Println(inst.Output)
			fmt.Println()
		}
		if s.AggregatedOutput != "" {
			fmt.Println(headerStyle.Render("Aggregated output"))
			fmt.Println(s.AggregatedOutput)
		}
	}
	return nil
}
