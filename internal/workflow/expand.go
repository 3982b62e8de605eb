package workflow

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"

	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow/graph"
)

// TemplateData is the value every template string is rendered against.
// Inputs, Outputs, Workdir, ID, CPU and Mem are only set for commands,
// which are rendered after the task has been registered.
type TemplateData struct {
	Params    Params
	Template  string
	Replicate string
	Results   string
	ID        string
	Workdir   string
	CPU       int
	Mem       int
	Inputs    map[string]string
	Outputs   map[string]string
}

var templateFuncs = template.FuncMap{
	"quote": shellescape.Quote,
	"base":  filepath.Base,
	"dir":   filepath.Dir,
	"join":  strings.Join,
}

func render(name, text string, data TemplateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("workflow: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("workflow: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// ResultsDir returns the absolute results directory of p under root.
func (p *Pipeline) ResultsDir(root string) string {
	if filepath.IsAbs(p.Results) {
		return filepath.Clean(p.Results)
	}
	return filepath.Join(root, p.Results)
}

// Expand registers every template instance of p into b in declaration order
// and returns the registered tasks. Inputs referencing other templates must
// point at templates declared earlier.
func Expand(b *graph.Builder, p *Pipeline) ([]*task.Task, error) {
	if b == nil {
		return nil, fmt.Errorf("workflow: builder is required")
	}
	results := p.ResultsDir(b.Root())
	var out []*task.Task
	for _, tmpl := range p.Tasks {
		replicates := tmpl.Replicates
		if len(replicates) == 0 {
			replicates = []string{""}
		}
		for _, rep := range replicates {
			t, err := expandOne(b, p, tmpl, rep, results)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func expandOne(b *graph.Builder, p *Pipeline, tmpl *TaskTemplate, rep, results string) (*task.Task, error) {
	data := TemplateData{
		Params:    p.Params,
		Template:  tmpl.Template,
		Replicate: rep,
		Results:   results,
	}
	label := tmpl.Template
	if rep != "" {
		label += ":" + rep
	}
	field := func(name, text string) (string, error) {
		return render(label+" "+name, text, data)
	}

	decl := task.Declaration{
		Template:  tmpl.Template,
		Replicate: rep,
		CPU:       tmpl.CPU,
		Mem:       tmpl.Mem,
		Time:      tmpl.Time,
		QOS:       tmpl.QOS,
		Env:       append(append([]string(nil), p.Env...), tmpl.Env...),
		Extra:     tmpl.Extra,
		Container: tmpl.Container.toTask(),
	}
	if decl.Container == nil {
		decl.Container = p.Container.toTask()
	}
	var err error
	if decl.ID, err = field("id", tmpl.ID); err != nil {
		return nil, err
	}
	if decl.Name, err = field("name", tmpl.Name); err != nil {
		return nil, err
	}
	if decl.Workdir, err = field("workdir", tmpl.Workdir); err != nil {
		return nil, err
	}
	for _, dep := range tmpl.DependsOn {
		rendered, err := field("depends_on", dep)
		if err != nil {
			return nil, err
		}
		decl.DependsOn = append(decl.DependsOn, rendered)
	}
	outputPaths := map[string]string{}
	for _, spec := range tmpl.Outputs {
		path, err := field("output "+spec.Name, spec.Path)
		if err != nil {
			return nil, err
		}
		outputPaths[spec.Name] = path
		decl.Outputs = append(decl.Outputs, task.Output{Name: spec.Name, Path: path, Variable: spec.Variable})
	}
	for _, spec := range tmpl.Inputs {
		in, err := expandInput(b, spec, rep, field)
		if err != nil {
			return nil, fmt.Errorf("workflow: %s input %s: %w", label, spec.Name, err)
		}
		decl.Inputs = append(decl.Inputs, in)
	}
	for _, spec := range tmpl.Publish {
		pub, err := expandPublish(spec, outputPaths, results, field)
		if err != nil {
			return nil, err
		}
		decl.Publish = append(decl.Publish, pub)
	}

	t, err := b.Register(decl)
	if err != nil {
		return nil, err
	}
	data.ID = t.ID
	data.Workdir = t.Workdir
	data.CPU = t.CPU
	data.Mem = t.Mem
	data.Inputs = make(map[string]string, len(t.Inputs))
	for _, in := range t.Inputs {
		data.Inputs[in.Name] = in.Value
	}
	data.Outputs = make(map[string]string, len(t.Outputs))
	for _, o := range t.Outputs {
		data.Outputs[o.Name] = o.Path
	}
	command, err := render(label+" command", tmpl.Command, data)
	if err != nil {
		return nil, err
	}
	t.Command = command
	return t, nil
}

func expandInput(b *graph.Builder, spec InputSpec, rep string, field func(string, string) (string, error)) (task.Input, error) {
	in := task.Input{Name: spec.Name, Kind: task.InputKind(spec.Kind)}
	if strings.TrimSpace(spec.From) == "" {
		value, err := field("input "+spec.Name, spec.Value)
		if err != nil {
			return task.Input{}, err
		}
		in.Value = value
		return in, nil
	}
	from, err := field("input "+spec.Name+" from", spec.From)
	if err != nil {
		return task.Input{}, err
	}
	var ref *task.OutputRef
	if spec.Replicate != "" {
		var want string
		if want, err = field("input "+spec.Name+" replicate", spec.Replicate); err != nil {
			return task.Input{}, err
		}
		ref, err = b.LookupReplicate(from, spec.Output, want)
	} else {
		ref, err = b.Lookup(from, spec.Output, rep)
	}
	if err != nil {
		return task.Input{}, err
	}
	in.Kind = task.InputPath
	in.From = ref
	return in, nil
}

// expandPublish resolves a publish rule. From may name a declared output;
// otherwise it is a path relative to the workdir. To is relative to the
// results directory.
func expandPublish(spec PublishSpec, outputs map[string]string, results string, field func(string, string) (string, error)) (task.Publish, error) {
	from, err := field("publish from", spec.From)
	if err != nil {
		return task.Publish{}, err
	}
	if path, ok := outputs[from]; ok {
		from = path
	}
	to, err := field("publish to", spec.To)
	if err != nil {
		return task.Publish{}, err
	}
	rename, err := field("publish rename", spec.Rename)
	if err != nil {
		return task.Publish{}, err
	}
	dir := results
	if to != "" {
		if filepath.IsAbs(to) {
			dir = filepath.Clean(to)
		} else {
			dir = filepath.Join(results, to)
		}
	}
	return task.Publish{From: from, Dir: dir, Name: rename}, nil
}
