package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies a pipeline file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatFor picks the syntax from a file extension; anything that is not
// .hcl is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return FormatHCL
	}
	return FormatYAML
}

// ParsePipelineYAML decodes a pipeline from YAML bytes. Overrides replace
// the pipeline's own params.
func ParsePipelineYAML(data []byte, overrides Params) (*Pipeline, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("workflow: pipeline payload is empty")
	}
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("workflow: decode pipeline: %w", err)
	}
	p.Params = p.Params.Merge(overrides)
	return p.normalized()
}

// LoadPipelineReader reads a pipeline in the given format.
func LoadPipelineReader(r io.Reader, format Format, overrides Params) (*Pipeline, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("workflow: read pipeline: %w", err)
	}
	if format == FormatHCL {
		return ParsePipelineHCL(content, "pipeline.hcl", overrides)
	}
	return ParsePipelineYAML(content, overrides)
}

// LoadPipelineFile loads a pipeline from disk, choosing the syntax by
// extension.
func LoadPipelineFile(path string, overrides Params) (*Pipeline, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	var p *Pipeline
	if FormatFor(path) == FormatHCL {
		p, err = ParsePipelineHCL(content, path, overrides)
	} else {
		p, err = ParsePipelineYAML(content, overrides)
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

func (p *Pipeline) normalized() (*Pipeline, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Results = strings.TrimSpace(p.Results)
	if p.Results == "" {
		p.Results = DefaultResultsDir
	}
	if p.Params == nil {
		p.Params = Params{}
	}
	for _, tmpl := range p.Tasks {
		if tmpl == nil {
			continue
		}
		tmpl.Template = strings.TrimSpace(tmpl.Template)
		for i, rep := range tmpl.Replicates {
			tmpl.Replicates[i] = strings.TrimSpace(rep)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
