package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openagora/agora/internal/aggregate"
	"github.com/openagora/agora/internal/config"
	"github.com/openagora/agora/internal/coordinator"
	"github.com/openagora/agora/internal/event"
	"github.com/openagora/agora/internal/runtime"
	"github.com/openagora/agora/internal/session"
)

var (
	startMode     string
	startClaude   int
	startCodex    int
	startGemini   int
	startModel    string
	startTimeout  time.Duration
	startPreserve bool
	startVerbose  bool
)

var startCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Dispatch a task to parallel agent instances",
	Long: `Start a session: the task is dispatched verbatim to every requested
instance, each working in its own git worktree and branch. The command
supervises the session to completion; Ctrl-C cancels it.

Runtimes are selected with --claude/--codex/--gemini instance counts,
e.g. 'agora start --claude 2 --gemini 1 "fix the flaky auth test"'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&startMode, "mode", "m", "competition", "coordination mode: competition, ensemble, or debate")
	startCmd.Flags().IntVar(&startClaude, "claude", 0, "number of claude instances")
	startCmd.Flags().IntVar(&startCodex, "codex", 0, "number of codex instances")
	startCmd.Flags().IntVar(&startGemini, "gemini", 0, "number of gemini instances")
	startCmd.Flags().StringVar(&startModel, "model", "", "model override applied to every instance")
	startCmd.Flags().DurationVar(&startTimeout, "timeout", 0, "per-instance time limit (default from config)")
	startCmd.Flags().BoolVar(&startPreserve, "preserve", false, "keep worktrees and branches after the session ends")
	startCmd.Flags().BoolVarP(&startVerbose, "verbose", "v", false, "stream instance output while running")
}

func runStart(cmd *cobra.Command, args []string) error {
	task := strings.TrimSpace(strings.Join(args, " "))

	mode, err := aggregate.ParseMode(startMode)
	if err != nil {
		return err
	}

	var allocations []session.Allocation
	for _, alloc := range []struct {
		rt    runtime.Runtime
		count int
	}{
		{runtime.Claude, startClaude},
		{runtime.Codex, startCodex},
		{runtime.Gemini, startGemini},
	} {
		if alloc.count > 0 {
			allocations = append(allocations, session.Allocation{
				Runtime: alloc.rt,
				Count:   alloc.count,
				Model:   startModel,
			})
		}
	}
	if len(allocations) == 0 {
		// One claude instance is the useful minimum when nothing is asked for.
		allocations = []session.Allocation{{Runtime: runtime.Claude, Count: 1, Model: startModel}}
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

	// Concurrency cap changes in the config file take effect while the
	// session runs.
	if watcher, err := config.Watch(config.ConfigFile(), func(cfg *config.Config) {
		coord.ApplyConfig(cfg)
	}); err == nil {
		defer func() { _ = watcher.Close() }()
	}

	id, err := coord.Start(context.Background(), coordinator.StartRequest{
		Task:              task,
		Workspace:         workspace,
		Mode:              mode,
		Allocations:       allocations,
		TimeoutSeconds:    int(startTimeout.Seconds()),
		PreserveSandboxes: startPreserve,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n\n", headerStyle.Render("Session"), id)
	return superviseUntilDone(coord, workspace, id)
}

// superviseUntilDone streams session events to the terminal until the
// session settles, cancelling it on interrupt.
func superviseUntilDone(coord *coordinator.Coordinator, workspace, id string) error {
	events, stop := coord.Subscribe(id)
	defer stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			printEvent(e)
		case <-sigCh:
			fmt.Println(dimStyle.Render("interrupt received, cancelling session"))
			if err := coord.Cancel(workspace, id); err != nil {
				return err
			}
		case <-ticker.C:
			s, err := coord.Status(workspace, id)
			if err != nil {
				return err
			}
			if !s.Status.Terminal() {
				continue
			}
			drainEvents(events)
			fmt.Println()
			fmt.Println(renderSessionSummary(s))
			printOutcome(s)
			return nil
		}
	}
}

func drainEvents(events <-chan event.Event) {
	for {
		select {
		case e := <-events:
			printEvent(e)
		default:
			return
		}
	}
}

func printEvent(e event.Event) {
	switch ev := e.(type) {
	case event.InstanceStatusEvent:
		line := fmt.Sprintf("instance %d (%s): %s → %s", ev.InstanceID, ev.Runtime, ev.From, renderStatus(ev.To))
		if ev.Reason != "" {
			line += dimStyle.Render(" (" + ev.Reason + ")")
		}
		fmt.Println(line)
	case event.SessionStatusEvent:
		fmt.Printf("session: %s → %s\n", ev.From, renderStatus(ev.To))
	case event.DebateTurnEvent:
		if ev.Skipped {
			fmt.Printf("debate round %d: %s %s\n", ev.Round, ev.Role, dimStyle.Render("(no response)"))
		} else {
			fmt.Printf("debate round %d: %s contributed\n", ev.Round, ev.Role)
		}
	case event.InstanceOutputEvent:
		if startVerbose {
			fmt.Printf("%s %s\n", dimStyle.Render(fmt.Sprintf("[%d]", ev.InstanceID)), strings.TrimRight(string(ev.Delta), "\n"))
		}
	}
}

// printOutcome tells the caller what to do next for the session's mode.
func printOutcome(s *session.Session) {
	switch {
	case s.Status == session.StatusCompleted && s.Mode == aggregate.ModeCompetition:
		fmt.Println(dimStyle.Render(fmt.Sprintf("pick a winner with: agora winner %s <instance-id>", s.ID)))
	case s.Status == session.StatusCompleted && s.AggregatedOutput != "":
		fmt.Println(headerStyle.Render("Aggregated output"))
		fmt.Println()
		fmt.Println(s.AggregatedOutput)
	}
}
