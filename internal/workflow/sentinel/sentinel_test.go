package sentinel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kingrea/snapflow/internal/task"
)

func newTask(t *testing.T, outputs ...task.Output) *task.Task {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := range outputs {
		if !filepath.IsAbs(outputs[i].Path) {
			outputs[i].Path = filepath.Join(dir, outputs[i].Path)
		}
	}
	return &task.Task{ID: "a", Workdir: dir, Outputs: outputs, Status: task.StatusPending}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestIsDoneRequiresSentinelAndOutputs(t *testing.T) {
	tk := newTask(t, task.Output{Name: "out", Path: "result.txt"})
	if IsDone(tk) {
		t.Fatalf("expected not done without sentinel")
	}
	if err := MarkDone(tk.Workdir, 3*time.Second); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if IsDone(tk) {
		t.Fatalf("expected not done while output is missing")
	}
	if tk.Status != task.StatusPending {
		t.Fatalf("expected pending, got %s", tk.Status)
	}
	touch(t, tk.Outputs[0].Path)
	if !IsDone(tk) {
		t.Fatalf("expected done")
	}
	if tk.Status != task.StatusDone {
		t.Fatalf("expected status done, got %s", tk.Status)
	}
	if !IsDone(tk) {
		t.Fatalf("expected repeated check to be stable")
	}
}

func TestIsDoneLeavesRunningStatus(t *testing.T) {
	tk := newTask(t)
	tk.Status = task.StatusRunning
	IsDone(tk)
	if tk.Status != task.StatusRunning {
		t.Fatalf("expected running to be preserved, got %s", tk.Status)
	}
}

func TestVariableAndGlobOutputs(t *testing.T) {
	tk := newTask(t,
		task.Output{Name: "index", Path: "genome", Variable: true},
		task.Output{Name: "split", Path: "seq_*"},
	)
	if missing := MissingOutputs(tk); len(missing) != 1 {
		t.Fatalf("expected glob to be missing, got %v", missing)
	}
	touch(t, filepath.Join(tk.Workdir, "seq_1"))
	if missing := MissingOutputs(tk); len(missing) != 0 {
		t.Fatalf("expected no missing outputs, got %v", missing)
	}
}

func TestPreviouslyFailedDoesNotChangeStatus(t *testing.T) {
	tk := newTask(t)
	if err := MarkFailed(tk.Workdir, 7*time.Second); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !PreviouslyFailed(tk) {
		t.Fatalf("expected previous failure")
	}
	if tk.Status != task.StatusPending {
		t.Fatalf("status changed to %s", tk.Status)
	}
	report := Inspect(tk)
	if report.State != StateFailed || report.Elapsed != 7*time.Second {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestInspectStates(t *testing.T) {
	tk := newTask(t, task.Output{Name: "out", Path: "out.txt"})
	if got := Inspect(tk).State; got != StatePending {
		t.Fatalf("fresh state = %s", got)
	}
	touch(t, filepath.Join(tk.Workdir, FileRunning))
	if got := Inspect(tk).State; got != StateRunning {
		t.Fatalf("running state = %s", got)
	}
	if err := MarkDone(tk.Workdir, 0); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if got := Inspect(tk).State; got != StateMissingOutput {
		t.Fatalf("missing output state = %s", got)
	}
	if err := Verify(tk); err == nil {
		t.Fatalf("expected verify to fail with missing output")
	}
	if err := Clear(tk.Workdir); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := Inspect(tk).State; got != StatePending {
		t.Fatalf("cleared state = %s", got)
	}
}

func TestReadElapsed(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileDone)
	touch(t, path)
	if err := os.WriteFile(path, []byte("42\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadElapsed(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 42*time.Second {
		t.Fatalf("elapsed = %s", got)
	}
	if err := os.WriteFile(path, []byte("ok\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadElapsed(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
