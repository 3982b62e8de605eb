package task

import (
	"fmt"
	"strings"
)

// Declaration is the structured value a task template produces. The graph
// builder validates it and turns it into a Task.
type Declaration struct {
	// ID defaults to Template, qualified by Replicate when set.
	ID        string
	Name      string
	Template  string
	Replicate string

	Command string
	CPU     int
	Mem     int
	Time    string
	QOS     string

	Inputs  []Input
	Outputs []Output
	Publish []Publish
	// DependsOn lists explicit dependencies in addition to inferred ones.
	DependsOn []string

	Workdir   string
	Env       []string
	Container *Container
	Extra     map[string]string
}

// InstanceID returns the identifier the declaration registers under.
func (d Declaration) InstanceID() string {
	if d.ID != "" {
		return d.ID
	}
	if d.Replicate != "" {
		return d.Template + ":" + d.Replicate
	}
	return d.Template
}

// Family returns the template name used to group sibling tasks.
func (d Declaration) Family() string {
	if d.Template != "" {
		return d.Template
	}
	return d.InstanceID()
}

// Validate checks required fields and resource values.
func (d Declaration) Validate() error {
	id := d.InstanceID()
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("task: id or template is required")
	}
	if err := ValidateName(id); err != nil {
		return err
	}
	if d.CPU < 0 {
		return fmt.Errorf("task %s: cpu must be positive, got %d", id, d.CPU)
	}
	if d.Mem < 0 {
		return fmt.Errorf("task %s: mem must be positive, got %d", id, d.Mem)
	}
	seen := map[string]struct{}{}
	for _, out := range d.Outputs {
		if out.Name == "" {
			return fmt.Errorf("task %s: output name is required", id)
		}
		if strings.TrimSpace(out.Path) == "" {
			return fmt.Errorf("task %s: output %s has no path", id, out.Name)
		}
		if _, dup := seen[out.Name]; dup {
			return fmt.Errorf("task %s: duplicate output %s", id, out.Name)
		}
		seen[out.Name] = struct{}{}
	}
	for _, in := range d.Inputs {
		if in.Name == "" {
			return fmt.Errorf("task %s: input name is required", id)
		}
	}
	return nil
}

// Characters that may not appear in task identifiers.
const forbiddenNameChars = `<>"\|?*/`

// ValidateName rejects identifiers that cannot safely become directory names.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return fmt.Errorf("task: empty name")
	case trimmed == "." || trimmed == "..":
		return fmt.Errorf("task: invalid name %q: single or double dot", name)
	case strings.HasPrefix(trimmed, "-"):
		return fmt.Errorf("task: invalid name %q: starts with a dash", name)
	case strings.ContainsAny(name, forbiddenNameChars):
		return fmt.Errorf("task: invalid name %q: contains any of %s", name, forbiddenNameChars)
	}
	return nil
}

// Slug converts an identifier into a single path component.
func Slug(id string) string {
	replacer := strings.NewReplacer(" ", "_", ":", "_", "\t", "_")
	return replacer.Replace(strings.TrimSpace(id))
}
