// Package joblist reads and writes the flattened job-list format: one task
// per line, either a bare shell command or
//
//	[key value;key value;...] command
//
// Recognized keys are cpu (alias cpus-per-task), mem, time, qos, name and
// depe, a comma-separated list of 1-based handles of earlier jobs. Other keys
// are kept on the task but not interpreted.
package joblist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/kingrea/snapflow/internal/task"
)

// ErrMalformed is wrapped by every parse error.
var ErrMalformed = errors.New("joblist: malformed line")

// Annotation keys.
const (
	KeyCPU         = "cpu"
	KeyCPUsPerTask = "cpus-per-task"
	KeyMem         = "mem"
	KeyTime        = "time"
	KeyQOS         = "qos"
	KeyName        = "name"
	KeyDepe        = "depe"
)

// Field is one key/value pair of an annotation block.
type Field struct {
	Key   string
	Value string
}

// ParseFile parses the job list at path.
func ParseFile(path string) ([]*task.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("joblist: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads one job per non-blank line. Lines starting with '#' are
// comments. Handles count jobs, not lines.
func Parse(r io.Reader) ([]*task.Task, error) {
	var jobs []*task.Task
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		job, err := parseLine(line, len(jobs)+1)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err)
		}
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("joblist: read: %w", err)
	}
	return jobs, nil
}

// ID returns the task id used for the job with the given handle.
func ID(handle int) string {
	return strconv.Itoa(handle)
}

func parseLine(line string, handle int) (*task.Task, error) {
	job := &task.Task{
		ID:     ID(handle),
		Name:   fmt.Sprintf("job_%d", handle),
		Handle: handle,
		CPU:    task.DefaultCPU,
		Mem:    task.DefaultMem,
		Time:   task.DefaultTime,
		QOS:    task.DefaultQOS,
		Status: task.StatusPending,
	}
	job.Template = job.Name
	if !strings.HasPrefix(line, "[") {
		job.Command = line
		return job, nil
	}
	end := strings.Index(line, "]")
	if end < 0 {
		return nil, fmt.Errorf("unterminated annotation block")
	}
	fields, err := parseFields(line[1:end])
	if err != nil {
		return nil, err
	}
	job.Command = strings.TrimSpace(line[end+1:])
	if job.Command == "" {
		return nil, fmt.Errorf("annotation block without a command")
	}
	for _, field := range fields {
		if err := apply(job, field); err != nil {
			return nil, err
		}
	}
	job.Template = job.Name
	return job, nil
}

func parseFields(block string) ([]Field, error) {
	var fields []Field
	for _, entry := range strings.Split(block, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		split := strings.IndexFunc(entry, unicode.IsSpace)
		if split < 0 {
			return nil, fmt.Errorf("key %q has no value", entry)
		}
		fields = append(fields, Field{
			Key:   entry[:split],
			Value: strings.TrimSpace(entry[split:]),
		})
	}
	return fields, nil
}

func apply(job *task.Task, field Field) error {
	switch field.Key {
	case KeyCPU, KeyCPUsPerTask:
		n, err := resource(field)
		if err != nil {
			return err
		}
		job.CPU = n
	case KeyMem:
		n, err := resource(field)
		if err != nil {
			return err
		}
		job.Mem = n
	case KeyTime:
		job.Time = field.Value
	case KeyQOS:
		job.QOS = field.Value
	case KeyName:
		job.Name = field.Value
	case KeyDepe:
		for _, raw := range strings.Split(field.Value, ",") {
			dep, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("depe %q is not a handle", raw)
			}
			if dep < 1 || dep >= job.Handle {
				return fmt.Errorf("depe %d must refer to an earlier job (1..%d)", dep, job.Handle-1)
			}
			job.AddDependency(ID(dep))
		}
	default:
		if job.Extra == nil {
			job.Extra = map[string]string{}
		}
		job.Extra[field.Key] = field.Value
	}
	return nil
}

func resource(field Field) (int, error) {
	n, err := strconv.Atoi(field.Value)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not an integer", field.Key, field.Value)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %d", field.Key, n)
	}
	return n, nil
}

// FormatLine renders fields and a command as one job-list line. Without
// fields the command is emitted bare.
func FormatLine(fields []Field, command string) string {
	if len(fields) == 0 {
		return command
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Key+" "+f.Value)
	}
	return "[" + strings.Join(parts, ";") + "] " + command
}

// Handles joins numeric handles the way the depe key expects.
func Handles(handles []int) string {
	parts := make([]string, 0, len(handles))
	for _, h := range handles {
		parts = append(parts, strconv.Itoa(h))
	}
	return strings.Join(parts, ",")
}
