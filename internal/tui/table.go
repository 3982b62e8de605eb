package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow/engine"
	"github.com/kingrea/snapflow/internal/workflow/scheduler"
	"github.com/kingrea/snapflow/internal/workflow/sentinel"
)

var (
	labelStylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	headerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

type statusLabel struct {
	text  string
	style lipgloss.Style
}

// Unsatisfiable tasks get their own label so a knock-on failure is never
// mistaken for the task that caused it.
func labelFor(status task.Status) statusLabel {
	switch status {
	case task.StatusRunning:
		return statusLabel{"running", labelStyleRunning}
	case task.StatusDone:
		return statusLabel{"done ✓", labelStyleDone}
	case task.StatusError:
		return statusLabel{"error ✗", labelStyleError}
	case task.StatusUnsatisfiable:
		return statusLabel{"dependency ✗", labelStyleBlocked}
	default:
		return statusLabel{"waiting", labelStylePending}
	}
}

func labelForState(state sentinel.State) statusLabel {
	switch state {
	case sentinel.StateDone:
		return statusLabel{"done ✓", labelStyleDone}
	case sentinel.StateRunning:
		return statusLabel{"running", labelStyleRunning}
	case sentinel.StateFailed:
		return statusLabel{"failed ✗", labelStyleError}
	case sentinel.StateMissingOutput:
		return statusLabel{"missing output", labelStyleBlocked}
	default:
		return statusLabel{"pending", labelStylePending}
	}
}

// RenderTable renders one row per task of a scheduler snapshot. runningMark
// replaces the blank gutter of running rows (the live view passes its
// spinner frame).
func RenderTable(snap scheduler.Snapshot, runningMark string) string {
	width := nameWidth(snap.Tasks)
	lines := []string{renderBudget(snap)}
	for _, view := range snap.Tasks {
		label := labelFor(view.Status)
		gutter := " "
		if view.Status == task.StatusRunning && runningMark != "" {
			gutter = runningMark
		}
		row := fmt.Sprintf("%s %-*s  %s", gutter, width, view.Name, label.style.Render(label.text))
		var details []string
		if view.Elapsed > 0 && view.Status != task.StatusPending {
			details = append(details, formatElapsed(view.Elapsed))
		}
		if view.Err != "" && view.Status == task.StatusError {
			details = append(details, view.Err)
		}
		if len(details) > 0 {
			row += "  " + detailTextStyle.Render(strings.Join(details, " · "))
		}
		lines = append(lines, row)
	}
	return strings.Join(lines, "\n")
}

func renderBudget(snap scheduler.Snapshot) string {
	counts := snap.Counts()
	usedCPU := snap.Total.CPU - snap.Available.CPU
	usedMem := snap.Total.Mem - snap.Available.Mem
	return headerStyle.Render(fmt.Sprintf(
		"cpu %d/%d · mem %d/%d GB · %d done · %d running · %d waiting",
		usedCPU, snap.Total.CPU, usedMem, snap.Total.Mem,
		counts[task.StatusDone], counts[task.StatusRunning], counts[task.StatusPending],
	))
}

// RenderStatus renders a sentinel status report.
func RenderStatus(rows []engine.TaskStatus) string {
	width := 0
	for _, row := range rows {
		width = max(width, lipgloss.Width(row.Name))
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		label := labelForState(row.State)
		line := fmt.Sprintf("%-*s  %s", width, row.Name, label.style.Render(label.text))
		var details []string
		if row.State == sentinel.StateDone || row.State == sentinel.StateFailed || row.State == sentinel.StateMissingOutput {
			details = append(details, formatElapsed(row.Elapsed))
		}
		if len(row.MissingOutputs) > 0 {
			details = append(details, "missing "+strings.Join(row.MissingOutputs, ", "))
		}
		if len(details) > 0 {
			line += "  " + detailTextStyle.Render(strings.Join(details, " · "))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RenderSummary renders the final line of a run.
func RenderSummary(summary scheduler.Summary) string {
	text := fmt.Sprintf("%d done, %d failed, %d unsatisfiable in %s",
		len(summary.Done), len(summary.Failed), len(summary.Unsatisfiable), formatElapsed(summary.Elapsed))
	if summary.OK() {
		return labelStyleDone.Render(text)
	}
	return labelStyleError.Render(text)
}

func nameWidth(views []scheduler.TaskView) int {
	width := 0
	for _, view := range views {
		width = max(width, lipgloss.Width(view.Name))
	}
	return width
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	return d.Truncate(time.Second).String()
}
