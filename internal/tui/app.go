package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/snapflow/internal/logbook"
	"github.com/kingrea/snapflow/internal/workflow/scheduler"
)

// SnapshotMsg carries the scheduler state after a tick.
type SnapshotMsg scheduler.Snapshot

// FinishedMsg reports the end of the run.
type FinishedMsg struct {
	Summary scheduler.Summary
	Err     error
}

// App is the live view of a run.
type App struct {
	title    string
	logbook  *logbook.Logbook
	cancel   context.CancelFunc
	spinner  spinner.Model
	snapshot scheduler.Snapshot
	hasSnap  bool
	stopping bool
	finished bool
	result   FinishedMsg
	width    int
}

// NewApp creates the live view. cancel is called when the operator
// interrupts the run.
func NewApp(title string, lb *logbook.Logbook, cancel context.CancelFunc) *App {
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	s.Style = labelStyleRunning
	return &App{title: title, logbook: lb, cancel: cancel, spinner: s}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		return a, nil

	case SnapshotMsg:
		a.snapshot = scheduler.Snapshot(msg)
		a.hasSnap = true
		return a, nil

	case FinishedMsg:
		a.finished = true
		a.result = msg
		return a, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !a.stopping && a.cancel != nil {
				a.stopping = true
				a.cancel()
			}
			return a, nil
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// Result returns the outcome delivered by FinishedMsg.
func (a *App) Result() (FinishedMsg, bool) {
	return a.result, a.finished
}

// View renders the current state.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ SNAPFLOW · " + a.title)
	body := "Waiting for the first tick..."
	if a.hasSnap {
		body = RenderTable(a.snapshot, a.spinner.View())
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(body)
	sections := []string{header, box}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := "q / ctrl+c → stop the run"
	switch {
	case a.finished:
		footer = RenderSummary(a.result.Summary)
	case a.stopping:
		footer = "Stopping running tasks..."
	}
	sections = append(sections, lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(footer))
	return strings.Join(sections, "\n") + "\n"
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, _ := a.logbook.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", filepath.Base(a.logbook.Path())))
	body := detailTextStyle.Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(head + "\n" + body)
}

// RunFunc executes a run, reporting every tick to observe.
type RunFunc func(ctx context.Context, observe scheduler.Observer) (scheduler.Summary, error)

// Run executes fn in the background while the live view renders its
// snapshots. It returns once fn has returned and the view has exited.
func Run(ctx context.Context, title string, lb *logbook.Logbook, fn RunFunc, opts ...tea.ProgramOption) (scheduler.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	app := NewApp(title, lb, cancel)
	program := tea.NewProgram(app, opts...)

	results := make(chan FinishedMsg, 1)
	go func() {
		summary, err := fn(ctx, func(snap scheduler.Snapshot) {
			program.Send(SnapshotMsg(snap))
		})
		msg := FinishedMsg{Summary: summary, Err: err}
		results <- msg
		program.Send(msg)
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		res := <-results
		return res.Summary, fmt.Errorf("tui: %w", err)
	}
	res := <-results
	return res.Summary, res.Err
}
