package scheduler

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/kingrea/snapflow/internal/joblist"
	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow/script"
)

// DescribeOptions tunes describe-only output.
type DescribeOptions struct {
	// NamePrefix is prepended to every emitted name.
	NamePrefix string
	// Shell runs the generated script; defaults to /bin/bash.
	Shell string
	// Sequential drops the annotation block and emits bare commands.
	Sequential bool
}

// Describe writes one job-list line per task that is not done, in the order
// given, and returns how many lines were written. Emitted tasks get fresh
// 1-based handles; depe lists only dependencies that were emitted too,
// since done dependencies need no waiting.
func Describe(w io.Writer, tasks []*task.Task, opts DescribeOptions) (int, error) {
	shell := opts.Shell
	if shell == "" {
		shell = script.DefaultShell
	}
	bw := bufio.NewWriter(w)
	handles := map[string]int{}
	for _, t := range tasks {
		if t.Status == task.StatusDone {
			continue
		}
		handle := len(handles) + 1
		handles[t.ID] = handle
		command := t.Command
		if path := t.ScriptPath(); path != "" {
			command = shell + " " + path
		}
		var line string
		if opts.Sequential {
			line = command
		} else {
			line = joblist.FormatLine(describeFields(t, opts.NamePrefix, handles), command)
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return handle - 1, fmt.Errorf("scheduler: describe: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("scheduler: describe: %w", err)
	}
	return len(handles), nil
}

func describeFields(t *task.Task, prefix string, handles map[string]int) []joblist.Field {
	limit := t.Time
	if strings.TrimSpace(limit) == "" {
		limit = task.DefaultTime
	}
	fields := []joblist.Field{
		{Key: joblist.KeyName, Value: DescribeName(prefix, t.Label())},
		{Key: joblist.KeyCPUsPerTask, Value: strconv.Itoa(t.CPU)},
		{Key: joblist.KeyTime, Value: limit},
	}
	var deps []int
	for _, dep := range t.Dependencies {
		if h, ok := handles[dep]; ok {
			deps = append(deps, h)
		}
	}
	if len(deps) > 0 {
		sort.Ints(deps)
		fields = append(fields, joblist.Field{Key: joblist.KeyDepe, Value: joblist.Handles(deps)})
	}
	return fields
}

// DescribeName is the stable name emitted for a task: whitespace becomes
// underscores and the prefix is prepended.
func DescribeName(prefix, name string) string {
	return prefix + strings.Join(strings.Fields(name), "_")
}
