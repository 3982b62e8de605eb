package tui

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/snapflow/internal/workflow/scheduler"
)

func TestAppRendersSnapshots(t *testing.T) {
	app := NewApp("demo", nil, nil)
	if !strings.Contains(app.View(), "Waiting for the first tick") {
		t.Fatalf("unexpected initial view:\n%s", app.View())
	}
	app.Update(SnapshotMsg(sampleSnapshot()))
	view := app.View()
	for _, want := range []string{"SNAPFLOW · demo", "annotate", "dependency ✗"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestAppInterruptCancelsOnce(t *testing.T) {
	calls := 0
	app := NewApp("demo", nil, func() { calls++ })
	app.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	app.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if calls != 1 {
		t.Fatalf("cancel called %d times", calls)
	}
	if !strings.Contains(app.View(), "Stopping") {
		t.Fatalf("expected stopping footer:\n%s", app.View())
	}
}

func TestAppQuitsWhenFinished(t *testing.T) {
	app := NewApp("demo", nil, nil)
	_, cmd := app.Update(FinishedMsg{Summary: scheduler.Summary{Done: []string{"a"}}})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
	res, ok := app.Result()
	if !ok || len(res.Summary.Done) != 1 {
		t.Fatalf("result = %+v %v", res, ok)
	}
	if !strings.Contains(app.View(), "1 done, 0 failed, 0 unsatisfiable") {
		t.Fatalf("summary footer missing:\n%s", app.View())
	}
}

func TestRunReturnsResultOfRunFunc(t *testing.T) {
	boom := errors.New("boom")
	summary, err := Run(context.Background(), "demo", nil, func(ctx context.Context, observe scheduler.Observer) (scheduler.Summary, error) {
		observe(sampleSnapshot())
		return scheduler.Summary{Failed: []string{"call"}}, boom
	}, tea.WithInput(nil), tea.WithOutput(io.Discard))
	if !errors.Is(err, boom) {
		t.Fatalf("expected run error, got %v", err)
	}
	if len(summary.Failed) != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}
