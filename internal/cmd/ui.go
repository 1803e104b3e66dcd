package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openagora/agora/internal/instance"
	"github.com/openagora/agora/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	statusStyles = map[string]lipgloss.Style{
		string(instance.StatusPending):      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		string(instance.StatusProvisioning): lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		string(instance.StatusRunning):      lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		string(instance.StatusCompleted):    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		string(instance.StatusFailed):       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		string(instance.StatusTimedOut):     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		string(instance.StatusCancelled):    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),

		string(session.StatusCreated):     lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		string(session.StatusAggregating): lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
	}
)

// renderStatus colors a status name; unknown statuses pass through.
func renderStatus(status string) string {
	if style, ok := statusStyles[status]; ok {
		return style.Render(status)
	}
	return status
}

// renderSessionSummary formats the one-screen view of a session.
func renderSessionSummary(s *session.Session) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %s\n", headerStyle.Render("Session"), s.ID)
	fmt.Fprintf(&sb, "  %s %s\n", labelStyle.Render("mode:"), s.Mode)
	fmt.Fprintf(&sb, "  %s %s\n", labelStyle.Render("status:"), renderStatus(s.Status.String()))
	fmt.Fprintf(&sb, "  %s %s\n", labelStyle.Render("task:"), truncate(s.Task, 100))
	fmt.Fprintf(&sb, "  %s %s\n", labelStyle.Render("workspace:"), s.Workspace)
	if s.Error != "" {
		fmt.Fprintf(&sb, "  %s %s\n", labelStyle.Render("error:"), s.Error)
	}

	sb.WriteString("\n")
	sb.WriteString(headerStyle.Render(fmt.Sprintf("  %-4s %-8s %-14s %-10s %-22s %s\n",
		"ID", "RUNTIME", "MODEL", "DURATION", "CHANGES", "STATUS")))
	for _, inst := range s.Instances {
		model := inst.Model
		if model == "" {
			model = dimStyle.Render("default")
		}
		changes := fmt.Sprintf("%df +%d/-%d", inst.FilesChanged, inst.LinesAdded, inst.LinesDeleted)
		marker := ""
		if s.WinnerID != nil && *s.WinnerID == inst.ID {
			marker = "  " + headerStyle.Render("← winner")
		}
		fmt.Fprintf(&sb, "  %-4d %-8s %-14s %-10s %-22s %s%s\n",
			inst.ID, inst.Runtime, model, formatDuration(inst.Duration()), changes,
			renderStatus(inst.Status.String()), marker)
	}

	if s.Status.Terminal() {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "  %s %s, %d files, +%d/-%d lines\n",
			labelStyle.Render("totals:"),
			formatDuration(time.Duration(s.TotalDurationSeconds)*time.Second),
			s.TotalFilesChanged, s.TotalLinesAdded, s.TotalLinesDeleted)
	}
	return sb.String()
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
