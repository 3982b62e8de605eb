package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/snapflow/internal/task"
)

// DefaultResultsDir is where publish rules copy results unless the pipeline
// names another directory.
const DefaultResultsDir = "results"

// Params are named string values available to every template.
type Params map[string]string

// Merge returns a copy of p overridden by each of overrides in turn.
func (p Params) Merge(overrides ...Params) Params {
	out := make(Params, len(p))
	for key, value := range p {
		out[key] = value
	}
	for _, o := range overrides {
		for key, value := range o {
			out[key] = value
		}
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Pipeline declares an ordered list of task templates plus the parameters
// their templates may reference.
type Pipeline struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Results     string          `yaml:"results,omitempty"`
	Params      Params          `yaml:"params,omitempty"`
	Env         []string        `yaml:"env,omitempty"`
	Container   *ContainerSpec  `yaml:"container,omitempty"`
	Tasks       []*TaskTemplate `yaml:"tasks"`
}

// TaskTemplate describes one step. With replicates it expands into one task
// per replicate, all sharing the template name as their family.
type TaskTemplate struct {
	Template   string            `yaml:"template" hcl:"template,label"`
	ID         string            `yaml:"id,omitempty" hcl:"id,optional"`
	Name       string            `yaml:"name,omitempty" hcl:"name,optional"`
	Replicates []string          `yaml:"replicates,omitempty" hcl:"replicates,optional"`
	Command    string            `yaml:"command" hcl:"command"`
	CPU        int               `yaml:"cpu,omitempty" hcl:"cpu,optional"`
	Mem        int               `yaml:"mem,omitempty" hcl:"mem,optional"`
	Time       string            `yaml:"time,omitempty" hcl:"time,optional"`
	QOS        string            `yaml:"qos,omitempty" hcl:"qos,optional"`
	DependsOn  []string          `yaml:"depends_on,omitempty" hcl:"depends_on,optional"`
	Workdir    string            `yaml:"workdir,omitempty" hcl:"workdir,optional"`
	Env        []string          `yaml:"env,omitempty" hcl:"env,optional"`
	Extra      map[string]string `yaml:"extra,omitempty" hcl:"extra,optional"`
	Inputs     []InputSpec       `yaml:"inputs,omitempty" hcl:"input,block"`
	Outputs    []OutputSpec      `yaml:"outputs,omitempty" hcl:"output,block"`
	Publish    []PublishSpec     `yaml:"publish,omitempty" hcl:"publish,block"`
	Container  *ContainerSpec    `yaml:"container,omitempty" hcl:"container,block"`
}

// InputSpec is either a literal value or a reference to another task's
// output through From and Output.
type InputSpec struct {
	Name  string `yaml:"name" hcl:"name,label"`
	Kind  string `yaml:"kind,omitempty" hcl:"kind,optional"`
	Value string `yaml:"value,omitempty" hcl:"value,optional"`
	// From names a task id or a template family.
	From   string `yaml:"from,omitempty" hcl:"from,optional"`
	Output string `yaml:"output,omitempty" hcl:"output,optional"`
	// Replicate selects a sibling in the From family; defaults to the
	// replicate of the consuming task.
	Replicate string `yaml:"replicate,omitempty" hcl:"replicate,optional"`
}

// OutputSpec declares a result path, relative to the task workdir unless
// absolute. Variable outputs are prefixes and are never checked on disk.
type OutputSpec struct {
	Name     string `yaml:"name" hcl:"name,label"`
	Path     string `yaml:"path" hcl:"path"`
	Variable bool   `yaml:"variable,omitempty" hcl:"variable,optional"`
}

// PublishSpec copies a result into the results directory after success.
type PublishSpec struct {
	From   string `yaml:"from" hcl:"from"`
	To     string `yaml:"to,omitempty" hcl:"to,optional"`
	Rename string `yaml:"rename,omitempty" hcl:"rename,optional"`
}

// ContainerSpec wraps a command in a container image.
type ContainerSpec struct {
	Runtime string   `yaml:"runtime,omitempty" hcl:"runtime,optional"`
	Image   string   `yaml:"image" hcl:"image"`
	Binds   []string `yaml:"binds,omitempty" hcl:"binds,optional"`
}

func (c *ContainerSpec) toTask() *task.Container {
	if c == nil || strings.TrimSpace(c.Image) == "" {
		return nil
	}
	return &task.Container{
		Runtime: c.Runtime,
		Image:   c.Image,
		Binds:   append([]string(nil), c.Binds...),
	}
}

// Validate ensures the pipeline is self-consistent before expansion.
func (p *Pipeline) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("workflow %s: at least one task is required", p.Name)
	}
	seen := map[string]struct{}{}
	for idx, tmpl := range p.Tasks {
		if tmpl == nil {
			return fmt.Errorf("workflow %s task[%d]: empty task", p.Name, idx)
		}
		if err := tmpl.Validate(); err != nil {
			return fmt.Errorf("workflow %s task[%d]: %w", p.Name, idx, err)
		}
		if _, dup := seen[tmpl.Template]; dup {
			return fmt.Errorf("workflow %s: duplicate template %s", p.Name, tmpl.Template)
		}
		seen[tmpl.Template] = struct{}{}
	}
	return nil
}

// Validate checks the fields that do not depend on parameters.
func (t *TaskTemplate) Validate() error {
	if err := task.ValidateName(t.Template); err != nil {
		return fmt.Errorf("workflow: template: %w", err)
	}
	if strings.TrimSpace(t.Command) == "" {
		return fmt.Errorf("workflow: template %s has no command", t.Template)
	}
	if t.ID != "" && len(t.Replicates) > 0 {
		return fmt.Errorf("workflow: template %s sets both id and replicates", t.Template)
	}
	reps := map[string]struct{}{}
	for _, rep := range t.Replicates {
		if _, dup := reps[rep]; dup {
			return fmt.Errorf("workflow: template %s repeats replicate %s", t.Template, rep)
		}
		reps[rep] = struct{}{}
	}
	for _, in := range t.Inputs {
		switch task.InputKind(in.Kind) {
		case "", task.InputPath, task.InputStr, task.InputInt, task.InputFloat:
		default:
			return fmt.Errorf("workflow: template %s input %s: unknown kind %q", t.Template, in.Name, in.Kind)
		}
		hasFrom := strings.TrimSpace(in.From) != ""
		if hasFrom == (in.Value != "") {
			return fmt.Errorf("workflow: template %s input %s: set exactly one of value or from", t.Template, in.Name)
		}
		if hasFrom && strings.TrimSpace(in.Output) == "" {
			return fmt.Errorf("workflow: template %s input %s: from requires output", t.Template, in.Name)
		}
	}
	for _, pub := range t.Publish {
		if strings.TrimSpace(pub.From) == "" {
			return fmt.Errorf("workflow: template %s: publish rule without from", t.Template)
		}
	}
	return nil
}
