package joblist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/snapflow/internal/task"
)

func TestParseAnnotatedLineFollowingPriorTask(t *testing.T) {
	input := "echo first\n[cpu 2;mem 4;depe 1] do_thing.sh\n"
	jobs, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	want := &task.Task{
		ID:           "2",
		Name:         "job_2",
		Template:     "job_2",
		Handle:       2,
		Command:      "do_thing.sh",
		CPU:          2,
		Mem:          4,
		Time:         task.DefaultTime,
		QOS:          task.DefaultQOS,
		Dependencies: []string{"1"},
		Status:       task.StatusPending,
	}
	if diff := cmp.Diff(want, jobs[1]); diff != "" {
		t.Fatalf("job mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBareCommandUsesDefaults(t *testing.T) {
	jobs, err := Parse(strings.NewReader("  sleep 1 && echo [not annotation]  \n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	job := jobs[0]
	if job.Command != "sleep 1 && echo [not annotation]" {
		t.Fatalf("command = %q", job.Command)
	}
	if job.CPU != 1 || job.Mem != 1 || job.Time != "2h" || len(job.Dependencies) != 0 {
		t.Fatalf("defaults not applied: %+v", job)
	}
}

func TestParseKeepsUnknownKeysAndAliases(t *testing.T) {
	input := "[name align sample;cpus-per-task 8;time 1:00:00;qos short;partition gpu] bash align.sh\n"
	jobs, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	job := jobs[0]
	if job.Name != "align sample" || job.CPU != 8 || job.Time != "1:00:00" || job.QOS != "short" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if diff := cmp.Diff(map[string]string{"partition": "gpu"}, job.Extra); diff != "" {
		t.Fatalf("extra mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	input := "# header\n\necho a\n\n[depe 1] echo b\n"
	jobs, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(jobs) != 2 || jobs[1].Handle != 2 || jobs[1].Dependencies[0] != "1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	cases := map[string]string{
		"bad cpu":        "[cpu two] echo",
		"negative mem":   "[mem -1] echo",
		"zero cpu":       "[cpu 0] echo",
		"zero mem":       "[mem 0] echo",
		"zero alias":     "[cpus-per-task 0] echo",
		"forward depe":   "echo a\n[depe 2] echo b",
		"self depe":      "[depe 1] echo",
		"no value":       "[cpu] echo",
		"unterminated":   "[cpu 2 echo",
		"empty command":  "[cpu 2]",
		"bad depe token": "echo a\n[depe 1,x] echo b",
	}
	for name, input := range cases {
		_, err := Parse(strings.NewReader(input))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestParseErrorNamesLine(t *testing.T) {
	_, err := Parse(strings.NewReader("echo a\n\n[mem lots] echo b\n"))
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("expected line number in error, got %v", err)
	}
}

func TestFormatLineRoundTrips(t *testing.T) {
	line := FormatLine([]Field{
		{Key: KeyName, Value: "count"},
		{Key: KeyCPUsPerTask, Value: "2"},
		{Key: KeyTime, Value: "2h"},
	}, "/bin/bash /w/count/.command.sh")
	if line != "[name count;cpus-per-task 2;time 2h] /bin/bash /w/count/.command.sh" {
		t.Fatalf("line = %q", line)
	}
	if FormatLine(nil, "echo hi") != "echo hi" {
		t.Fatalf("bare line should have no annotation block")
	}
	if Handles([]int{1, 3, 4}) != "1,3,4" {
		t.Fatalf("handles = %q", Handles([]int{1, 3, 4}))
	}
	jobs, err := Parse(strings.NewReader("echo a\n" + FormatLine([]Field{{Key: KeyDepe, Value: Handles([]int{1})}}, "echo b")))
	if err != nil {
		t.Fatalf("parse formatted: %v", err)
	}
	if diff := cmp.Diff([]string{"1"}, jobs[1].Dependencies); diff != "" {
		t.Fatalf("deps mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.txt")
	if err := os.WriteFile(path, []byte("echo one\necho two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	jobs, err := ParseFile(path)
	if err != nil {
		t.Fatalf("parse file: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "1" || jobs[1].Name != "job_2" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
