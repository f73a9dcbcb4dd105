package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/eldavier/Kiro-sub000/internal/dispatch"
	"github.com/eldavier/Kiro-sub000/internal/event"
	"github.com/eldavier/Kiro-sub000/internal/pipeline"
)

var (
	dim        = color.New(color.Faint).SprintFunc()
	bold       = color.New(color.Bold).SprintFunc()
	boldGreen  = color.New(color.Bold, color.FgGreen).SprintFunc()
	boldRed    = color.New(color.Bold, color.FgRed).SprintFunc()
	boldYellow = color.New(color.Bold, color.FgYellow).SprintFunc()
	cyan       = color.New(color.FgCyan).SprintFunc()
	magenta    = color.New(color.FgMagenta).SprintFunc()
)

var summaryStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("6")).
	Padding(0, 1)

func statusIcon(status string) string {
	switch status {
	case string(event.StatusCompleted):
		return boldGreen("✓")
	case string(event.StatusFailed), string(dispatch.StatusBlocked):
		return boldRed("✗")
	case string(event.StatusWaiting), string(dispatch.StatusQueued), string(dispatch.StatusPending):
		return boldYellow("…")
	case string(event.StatusRunning):
		return cyan("▸")
	default:
		return dim("·")
	}
}

// printEvent writes one activity line: time, icon, agent, message.
func printEvent(w io.Writer, ev event.Event) {
	fmt.Fprintf(w, "%s %s %s %s\n",
		dim(ev.Timestamp.Format("15:04:05")),
		statusIcon(string(ev.Status)),
		magenta(ev.AgentName),
		ev.Message)
}

// renderSummary draws the final pipeline state as a bordered block.
func renderSummary(st pipeline.State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", bold("Pipeline"), st.ID)
	fmt.Fprintf(&sb, "%s %s\n", bold("Status  "), st.Status)
	fmt.Fprintf(&sb, "%s %d/%d completed", bold("Tasks   "), st.Completed, st.Total)
	if st.Partial > 0 {
		fmt.Fprintf(&sb, " (%d partial)", st.Partial)
	}
	if st.Failed > 0 {
		fmt.Fprintf(&sb, ", %d failed", st.Failed)
	}
	if st.Blocked > 0 {
		fmt.Fprintf(&sb, ", %d blocked", st.Blocked)
	}
	for _, t := range st.Tasks {
		fmt.Fprintf(&sb, "\n  %s %s %s %s", statusIcon(string(t.Status)), cyan(string(t.ID)), t.Title, dim(string(t.Tier)))
	}
	for _, w := range st.Warnings {
		fmt.Fprintf(&sb, "\n%s %s", boldYellow("warning:"), w)
	}
	if st.Error != "" {
		fmt.Fprintf(&sb, "\n%s %s", boldRed("error:"), st.Error)
	}
	return summaryStyle.Render(sb.String())
}
