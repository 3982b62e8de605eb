package sentinel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/snapflow/internal/task"
)

// Sentinel files written inside a task workdir by the generated script.
const (
	FileDone    = ".done"    // elapsed seconds of a successful run
	FileError   = ".error"   // elapsed seconds of a failed run
	FileRunning = ".running" // present while the script executes
	FileStdout  = ".command.out"
	FileStderr  = ".command.err"
)

// State classifies a task from its sentinels alone.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	// StateMissingOutput means a success sentinel exists but at least one
	// declared output does not.
	StateMissingOutput State = "missing-output"
)

// Report is the outcome of inspecting a task workdir.
type Report struct {
	State          State
	Elapsed        time.Duration
	MissingOutputs []string
}

// IsDone reports whether the success sentinel exists and every declared
// output is present. The task status is updated to done or pending as a
// cache of the result; running or failed tasks keep their status.
func IsDone(t *task.Task) bool {
	done := t.Workdir != "" && exists(filepath.Join(t.Workdir, FileDone)) && len(MissingOutputs(t)) == 0
	switch t.Status {
	case "", task.StatusPending, task.StatusDone:
		if done {
			t.Status = task.StatusDone
		} else {
			t.Status = task.StatusPending
		}
	}
	return done
}

// PreviouslyFailed reports whether an earlier attempt left an error sentinel
// without a success sentinel. It never changes the task status.
func PreviouslyFailed(t *task.Task) bool {
	if t.Workdir == "" {
		return false
	}
	return exists(filepath.Join(t.Workdir, FileError)) && !exists(filepath.Join(t.Workdir, FileDone))
}

// Inspect classifies the task from its sentinels without touching its status.
func Inspect(t *task.Task) Report {
	if t.Workdir == "" {
		return Report{State: StatePending}
	}
	donePath := filepath.Join(t.Workdir, FileDone)
	errPath := filepath.Join(t.Workdir, FileError)
	switch {
	case exists(donePath):
		elapsed, _ := ReadElapsed(donePath)
		missing := MissingOutputs(t)
		if len(missing) > 0 {
			return Report{State: StateMissingOutput, Elapsed: elapsed, MissingOutputs: missing}
		}
		return Report{State: StateDone, Elapsed: elapsed}
	case exists(filepath.Join(t.Workdir, FileRunning)):
		return Report{State: StateRunning}
	case exists(errPath):
		elapsed, _ := ReadElapsed(errPath)
		return Report{State: StateFailed, Elapsed: elapsed}
	default:
		return Report{State: StatePending}
	}
}

// Verify returns an error unless the task would be considered done.
func Verify(t *task.Task) error {
	if t.Workdir == "" {
		return nil
	}
	if !exists(filepath.Join(t.Workdir, FileDone)) {
		return fmt.Errorf("sentinel: %s finished without %s", t.ID, FileDone)
	}
	if missing := MissingOutputs(t); len(missing) > 0 {
		return fmt.Errorf("sentinel: %s missing outputs: %s", t.ID, strings.Join(missing, ", "))
	}
	return nil
}

// MissingOutputs lists declared output paths that do not exist. Glob
// patterns count as present when they match at least one path.
func MissingOutputs(t *task.Task) []string {
	var missing []string
	for _, out := range t.Outputs {
		if out.Variable {
			continue
		}
		if !outputPresent(out.Path) {
			missing = append(missing, out.Path)
		}
	}
	return missing
}

// MarkDone records a success sentinel for work satisfied out of band.
func MarkDone(workdir string, elapsed time.Duration) error {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("sentinel: ensure workdir: %w", err)
	}
	return writeSeconds(filepath.Join(workdir, FileDone), elapsed)
}

// MarkFailed records an error sentinel and retracts any success sentinel.
func MarkFailed(workdir string, elapsed time.Duration) error {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("sentinel: ensure workdir: %w", err)
	}
	if err := os.Remove(filepath.Join(workdir, FileDone)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return writeSeconds(filepath.Join(workdir, FileError), elapsed)
}

// Clear removes every sentinel so the task runs again on the next pass.
func Clear(workdir string) error {
	for _, name := range []string{FileDone, FileError, FileRunning} {
		if err := os.Remove(filepath.Join(workdir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ReadElapsed parses the whole number of seconds stored in a sentinel.
func ReadElapsed(path string) (time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("sentinel: %s: %w", path, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func writeSeconds(path string, elapsed time.Duration) error {
	secs := int64(elapsed / time.Second)
	return os.WriteFile(path, []byte(strconv.FormatInt(secs, 10)+"\n"), 0o644)
}

func outputPresent(path string) bool {
	if !strings.ContainsAny(path, "*?[") {
		return exists(path)
	}
	matches, err := filepath.Glob(path)
	return err == nil && len(matches) > 0
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
