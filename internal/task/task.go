package task

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

// Status represents where a task sits in its execution lifecycle.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusDone          Status = "done"
	StatusError         Status = "error"
	StatusUnsatisfiable Status = "unsatisfiable"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusUnsatisfiable:
		return true
	default:
		return false
	}
}

// Failed reports whether s poisons dependents.
func (s Status) Failed() bool {
	return s == StatusError || s == StatusUnsatisfiable
}

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("task: invalid status transition")

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusUnsatisfiable},
	StatusRunning: {StatusDone, StatusError},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Default resource requests applied when a declaration leaves them unset.
const (
	DefaultCPU  = 1
	DefaultMem  = 1
	DefaultTime = "2h"
	DefaultQOS  = "local"
)

// Task is a single unit of work: a command, a resource request and the set of
// tasks that must finish before it may start. Structure is fixed once the
// graph is built; only Status changes during execution.
type Task struct {
	ID       string
	Name     string
	Template string
	// Replicate qualifies tasks instantiated from the same template.
	Replicate string
	// Handle is the 1-based declaration order of the task within its run.
	Handle int

	Command string
	CPU     int
	Mem     int
	Time    string
	QOS     string

	Dependencies []string
	Inputs       []Input
	Outputs      []Output
	Publish      []Publish

	Workdir   string
	Env       []string
	Container *Container
	// Extra keeps annotations that the scheduler does not interpret.
	Extra map[string]string

	Status Status
}

// Transition moves the task to the next status, enforcing the lifecycle.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// Label returns the display name of the task.
func (t *Task) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Output returns the declared output with the given name.
func (t *Task) Output(name string) (Output, bool) {
	for _, out := range t.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return Output{}, false
}

// ScriptPath is the location of the generated execution script. Tasks without
// a workdir (plain job-list entries) have none.
func (t *Task) ScriptPath() string {
	if t.Workdir == "" {
		return ""
	}
	return filepath.Join(t.Workdir, ScriptFile)
}

// ScriptFile is the name of the generated execution script inside a workdir.
const ScriptFile = ".command.sh"

// HasDependency reports whether id is a direct dependency of t.
func (t *Task) HasDependency(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// AddDependency records id as a dependency, keeping the set sorted and unique.
func (t *Task) AddDependency(id string) {
	if id == "" || id == t.ID || t.HasDependency(id) {
		return
	}
	t.Dependencies = append(t.Dependencies, id)
	sort.Strings(t.Dependencies)
}

// InputKind enumerates the supported input value types.
type InputKind string

const (
	InputPath  InputKind = "path"
	InputStr   InputKind = "str"
	InputInt   InputKind = "int"
	InputFloat InputKind = "float"
)

// Input is a value consumed by a task. Path inputs either name a literal
// file or reference another task's declared output through From.
type Input struct {
	Name  string
	Kind  InputKind
	Value string
	From  *OutputRef
}

// OutputRef points at a declared output of another task.
type OutputRef struct {
	Task   string
	Output string
}

// Output is a declared result of a task. Paths are absolute once the graph
// has been built. Variable outputs are prefixes rather than files and are
// never checked for existence.
type Output struct {
	Name     string
	Path     string
	Variable bool
}

// Publish copies a result into a stable directory after the command
// succeeds, optionally under a new name.
type Publish struct {
	From string
	Dir  string
	Name string
}

// Destination returns the path the result is copied to.
func (p Publish) Destination() string {
	if p.Name == "" {
		return p.Dir + string(filepath.Separator)
	}
	return filepath.Join(p.Dir, p.Name)
}

// Container wraps the command in a container runtime invocation.
type Container struct {
	Runtime string
	Image   string
	Binds   []string
}
