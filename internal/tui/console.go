package tui

import (
	"fmt"
	"io"

	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow/scheduler"
)

// Console prints the status table whenever a task changes status. It is
// the non-interactive counterpart of the live view.
type Console struct {
	w    io.Writer
	last map[string]task.Status
}

// NewConsole writes tables to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Observe implements scheduler.Observer.
func (c *Console) Observe(snap scheduler.Snapshot) {
	if !c.changed(snap) {
		return
	}
	fmt.Fprintf(c.w, "\n[tick %d]\n%s\n", snap.Tick, RenderTable(snap, ""))
}

func (c *Console) changed(snap scheduler.Snapshot) bool {
	current := make(map[string]task.Status, len(snap.Tasks))
	for _, view := range snap.Tasks {
		current[view.ID] = view.Status
	}
	if c.last != nil && len(c.last) == len(current) {
		same := true
		for id, status := range current {
			if c.last[id] != status {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	c.last = current
	return true
}
