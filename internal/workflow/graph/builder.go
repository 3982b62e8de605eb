package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kingrea/snapflow/internal/task"
)

// Defaults fill in declaration fields left unset.
type Defaults struct {
	CPU       int
	Mem       int
	Time      string
	QOS       string
	Env       []string
	Container *task.Container
}

// WorkDir is the directory under the builder root that holds task workdirs.
const WorkDir = "work"

// Builder is the registry handle that task templates register into. It owns
// every task of one run; nothing is shared between builders.
type Builder struct {
	root     string
	defaults Defaults
	tasks    map[string]*task.Task
	order    []string
	families map[string][]string
	explicit map[string][]string
	workdirs map[string]string
	built    bool
}

// Option customizes the builder.
type Option func(*Builder)

// WithDefaults overrides the resource and environment defaults.
func WithDefaults(d Defaults) Option {
	return func(b *Builder) {
		if d.CPU > 0 {
			b.defaults.CPU = d.CPU
		}
		if d.Mem > 0 {
			b.defaults.Mem = d.Mem
		}
		if d.Time != "" {
			b.defaults.Time = d.Time
		}
		if d.QOS != "" {
			b.defaults.QOS = d.QOS
		}
		b.defaults.Env = append([]string(nil), d.Env...)
		b.defaults.Container = d.Container
	}
}

// NewBuilder returns a builder whose default workdirs live under root.
func NewBuilder(root string, opts ...Option) (*Builder, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("graph: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("graph: resolve root: %w", err)
	}
	b := &Builder{
		root: abs,
		defaults: Defaults{
			CPU:  task.DefaultCPU,
			Mem:  task.DefaultMem,
			Time: task.DefaultTime,
			QOS:  task.DefaultQOS,
		},
		tasks:    map[string]*task.Task{},
		families: map[string][]string{},
		explicit: map[string][]string{},
		workdirs: map[string]string{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Root returns the absolute root directory.
func (b *Builder) Root() string {
	return b.root
}

// Register validates a declaration and records it as a task. Inputs that
// reference other tasks are resolved immediately, so the referenced task
// must already be registered; it need not have run.
func (b *Builder) Register(decl task.Declaration) (*task.Task, error) {
	if b.built {
		return nil, fmt.Errorf("graph: builder already built")
	}
	if err := decl.Validate(); err != nil {
		return nil, buildErrorf(ErrInvalidValue, "%v", err)
	}
	id := decl.InstanceID()
	if _, exists := b.tasks[id]; exists {
		return nil, buildErrorf(ErrDuplicateID, "%s already registered; qualify it (e.g. with a replicate)", id)
	}
	workdir, err := b.workdir(decl)
	if err != nil {
		return nil, err
	}
	if owner, taken := b.workdirs[workdir]; taken {
		return nil, buildErrorf(ErrDuplicateID, "%s and %s would share workdir %s", owner, id, workdir)
	}
	t := &task.Task{
		ID:        id,
		Name:      decl.Name,
		Template:  decl.Family(),
		Replicate: decl.Replicate,
		Handle:    len(b.order) + 1,
		Command:   decl.Command,
		CPU:       orInt(decl.CPU, b.defaults.CPU),
		Mem:       orInt(decl.Mem, b.defaults.Mem),
		Time:      orString(decl.Time, b.defaults.Time),
		QOS:       orString(decl.QOS, b.defaults.QOS),
		Workdir:   workdir,
		Env:       append(append([]string(nil), b.defaults.Env...), decl.Env...),
		Container: decl.Container,
		Extra:     cloneStringMap(decl.Extra),
		Status:    task.StatusPending,
	}
	if t.Container == nil {
		t.Container = b.defaults.Container
	}
	if t.Name == "" {
		t.Name = id
	}
	for _, out := range decl.Outputs {
		out.Path = underDir(workdir, out.Path)
		t.Outputs = append(t.Outputs, out)
	}
	for _, in := range decl.Inputs {
		resolved, err := b.resolveInput(t, in)
		if err != nil {
			return nil, err
		}
		t.Inputs = append(t.Inputs, resolved)
	}
	for _, pub := range decl.Publish {
		pub.From = underDir(workdir, pub.From)
		pub.Dir = underDir(b.root, pub.Dir)
		t.Publish = append(t.Publish, pub)
	}
	if len(decl.DependsOn) > 0 {
		b.explicit[id] = append([]string(nil), decl.DependsOn...)
	}
	b.tasks[id] = t
	b.workdirs[workdir] = id
	b.order = append(b.order, id)
	b.families[t.Template] = append(b.families[t.Template], id)
	return t, nil
}

// Task returns a registered task by id.
func (b *Builder) Task(id string) (*task.Task, bool) {
	t, ok := b.tasks[id]
	return t, ok
}

// Family returns the tasks registered from the same template, in
// registration order.
func (b *Builder) Family(template string) []*task.Task {
	ids := b.families[template]
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.tasks[id])
	}
	return out
}

// Output returns a declared output of a registered task.
func (b *Builder) Output(id, name string) (task.Output, error) {
	t, ok := b.tasks[id]
	if !ok {
		return task.Output{}, buildErrorf(ErrUnknownTask, "%s", id)
	}
	out, ok := t.Output(name)
	if !ok {
		return task.Output{}, buildErrorf(ErrUnknownOutput, "%s has no output %s", id, name)
	}
	return out, nil
}

// Lookup resolves an output name against a task id or, failing that, the
// family of tasks sharing a template. Within a family the sibling with the
// matching replicate wins; otherwise the name must be unique in the family.
func (b *Builder) Lookup(ref, output, replicate string) (*task.OutputRef, error) {
	return b.lookup(ref, output, replicate, false)
}

// LookupReplicate is Lookup for an explicitly requested replicate: a family
// without that replicate is an error instead of falling back to a unique
// sibling.
func (b *Builder) LookupReplicate(ref, output, replicate string) (*task.OutputRef, error) {
	return b.lookup(ref, output, replicate, replicate != "")
}

func (b *Builder) lookup(ref, output, replicate string, strict bool) (*task.OutputRef, error) {
	if _, ok := b.tasks[ref]; ok {
		if _, err := b.Output(ref, output); err != nil {
			return nil, err
		}
		return &task.OutputRef{Task: ref, Output: output}, nil
	}
	siblings := b.Family(ref)
	if len(siblings) == 0 {
		return nil, buildErrorf(ErrUnknownTask, "%s", ref)
	}
	var candidates []*task.Task
	for _, sib := range siblings {
		if _, ok := sib.Output(output); ok {
			candidates = append(candidates, sib)
		}
	}
	if replicate != "" {
		for _, sib := range candidates {
			if sib.Replicate == replicate {
				return &task.OutputRef{Task: sib.ID, Output: output}, nil
			}
		}
		if strict {
			return nil, buildErrorf(ErrUnknownOutput, "no replicate %s in family %s declares %s", replicate, ref, output)
		}
	}
	switch len(candidates) {
	case 0:
		return nil, buildErrorf(ErrUnknownOutput, "no task in family %s declares %s", ref, output)
	case 1:
		return &task.OutputRef{Task: candidates[0].ID, Output: output}, nil
	default:
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.ID)
		}
		return nil, buildErrorf(ErrAmbiguousOutput, "%s is declared by %s; qualify the replicate", output, strings.Join(ids, ", "))
	}
}

func (b *Builder) resolveInput(t *task.Task, in task.Input) (task.Input, error) {
	if in.Kind == "" {
		in.Kind = task.InputPath
	}
	if in.From != nil {
		ref, err := b.Lookup(in.From.Task, in.From.Output, t.Replicate)
		if err != nil {
			return task.Input{}, fmt.Errorf("task %s input %s: %w", t.ID, in.Name, err)
		}
		owner := b.tasks[ref.Task]
		out, _ := owner.Output(ref.Output)
		in.From = ref
		in.Kind = task.InputPath
		in.Value = out.Path
		t.AddDependency(owner.ID)
		return in, nil
	}
	switch in.Kind {
	case task.InputPath:
		if strings.TrimSpace(in.Value) == "" {
			return task.Input{}, buildErrorf(ErrInvalidValue, "task %s input %s: empty path", t.ID, in.Name)
		}
		in.Value = underDir(b.root, in.Value)
	case task.InputInt:
		if _, err := strconv.Atoi(strings.TrimSpace(in.Value)); err != nil {
			return task.Input{}, buildErrorf(ErrInvalidValue, "task %s input %s: %q is not an int", t.ID, in.Name, in.Value)
		}
	case task.InputFloat:
		if _, err := strconv.ParseFloat(strings.TrimSpace(in.Value), 64); err != nil {
			return task.Input{}, buildErrorf(ErrInvalidValue, "task %s input %s: %q is not a float", t.ID, in.Name, in.Value)
		}
	case task.InputStr:
	default:
		return task.Input{}, buildErrorf(ErrInvalidValue, "task %s input %s: unknown kind %q", t.ID, in.Name, in.Kind)
	}
	return in, nil
}

// Build infers edges from literal input paths, checks external inputs and
// acyclicity, and returns the finished graph.
func (b *Builder) Build() (*Graph, error) {
	if b.built {
		return nil, fmt.Errorf("graph: builder already built")
	}
	producers := map[string]string{}
	for _, id := range b.order {
		for _, out := range b.tasks[id].Outputs {
			if owner, taken := producers[out.Path]; taken && owner != id {
				return nil, buildErrorf(ErrAmbiguousOutput, "%s is produced by both %s and %s", out.Path, owner, id)
			}
			producers[out.Path] = id
		}
	}
	var missing []string
	for _, id := range b.order {
		t := b.tasks[id]
		for _, dep := range b.explicit[id] {
			if _, ok := b.tasks[dep]; !ok {
				return nil, buildErrorf(ErrUnknownTask, "%s depends on undeclared task %s", id, dep)
			}
			if dep == id {
				return nil, cycleError([]string{id, id})
			}
			t.AddDependency(dep)
		}
		for _, in := range t.Inputs {
			if in.Kind != task.InputPath || in.From != nil {
				continue
			}
			if owner, ok := producers[in.Value]; ok {
				if owner == id {
					return nil, cycleError([]string{id, id})
				}
				t.AddDependency(owner)
				continue
			}
			if !pathPresent(in.Value) {
				missing = append(missing, in.Value)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingInputError{Paths: dedupe(missing)}
	}
	g := newGraph(b.tasks, b.order)
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	b.built = true
	return g, nil
}

func (b *Builder) workdir(decl task.Declaration) (string, error) {
	if decl.Workdir != "" {
		return underDir(b.root, decl.Workdir), nil
	}
	parts := []string{b.root, WorkDir, task.Slug(decl.Family())}
	if decl.ID != "" && decl.ID != decl.Family() {
		parts = append(parts, task.Slug(decl.ID))
	} else if decl.Replicate != "" {
		if err := task.ValidateName(decl.Replicate); err != nil {
			return "", buildErrorf(ErrInvalidValue, "%v", err)
		}
		parts = append(parts, task.Slug(decl.Replicate))
	}
	return filepath.Join(parts...), nil
}

func underDir(dir, path string) string {
	if path == "" {
		return dir
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}

func pathPresent(path string) bool {
	if strings.ContainsAny(path, "*?[") {
		matches, err := filepath.Glob(path)
		return err == nil && len(matches) > 0
	}
	_, err := os.Stat(path)
	return err == nil
}

func orInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func orString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, value := range sorted {
		if i > 0 && value == sorted[i-1] {
			continue
		}
		out = append(out, value)
	}
	return out
}
