package engine

import (
	"time"

	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow/scheduler"
	"github.com/kingrea/snapflow/internal/workflow/sentinel"
)

// RunStatus enumerates how a run ended.
type RunStatus string

const (
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusStalled     RunStatus = "stalled"
	RunStatusInterrupted RunStatus = "interrupted"
)

// RunRecord captures the persisted outcome of the last run in a project.
type RunRecord struct {
	RunID  string    `json:"run_id"`
	Source string    `json:"source"`
	Status RunStatus `json:"status"`
	// StatusReason explains non-successful runs.
	StatusReason string       `json:"status_reason,omitempty"`
	CPU          int          `json:"cpu"`
	Mem          int          `json:"mem"`
	Ticks        int          `json:"ticks"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	Tasks        []TaskRecord `json:"tasks"`
}

// TaskRecord is the final state of one task within a run.
type TaskRecord struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Status         task.Status `json:"status"`
	ElapsedSeconds float64     `json:"elapsed_seconds,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// TaskStatus is one row of a status report, derived from sentinels alone.
type TaskStatus struct {
	ID             string
	Name           string
	State          sentinel.State
	Elapsed        time.Duration
	MissingOutputs []string
	Dependencies   []string
}

func recordTasks(snap scheduler.Snapshot) []TaskRecord {
	records := make([]TaskRecord, 0, len(snap.Tasks))
	for _, view := range snap.Tasks {
		records = append(records, TaskRecord{
			ID:             view.ID,
			Name:           view.Name,
			Status:         view.Status,
			ElapsedSeconds: view.Elapsed.Seconds(),
			Error:          view.Err,
		})
	}
	return records
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
