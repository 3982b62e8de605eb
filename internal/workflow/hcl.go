package workflow

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// hclHeader is decoded first so params are known before anything that
// references them is evaluated.
type hclHeader struct {
	Params map[string]string `hcl:"params,optional"`
	Remain hcl.Body          `hcl:",remain"`
}

type hclPipeline struct {
	Name        string          `hcl:"name,optional"`
	Description string          `hcl:"description,optional"`
	Results     string          `hcl:"results,optional"`
	Env         []string        `hcl:"env,optional"`
	Container   *ContainerSpec  `hcl:"container,block"`
	Tasks       []*TaskTemplate `hcl:"task,block"`
}

// ParsePipelineHCL decodes a pipeline written in HCL. Expressions may use
// param.<name> and a small set of string and collection functions.
func ParsePipelineHCL(data []byte, filename string, overrides Params) (*Pipeline, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("workflow: parse %s: %w", filename, diags)
	}
	var header hclHeader
	if diags := gohcl.DecodeBody(file.Body, nil, &header); diags.HasErrors() {
		return nil, fmt.Errorf("workflow: decode params in %s: %w", filename, diags)
	}
	params := Params(header.Params).Merge(overrides)

	var body hclPipeline
	if diags := gohcl.DecodeBody(header.Remain, evalContext(params), &body); diags.HasErrors() {
		return nil, fmt.Errorf("workflow: decode %s: %w", filename, diags)
	}
	p := &Pipeline{
		Name:        body.Name,
		Description: body.Description,
		Results:     body.Results,
		Params:      params,
		Env:         body.Env,
		Container:   body.Container,
		Tasks:       body.Tasks,
	}
	return p.normalized()
}

func evalContext(params Params) *hcl.EvalContext {
	values := make(map[string]cty.Value, len(params))
	for key, value := range params {
		values[key] = cty.StringVal(value)
	}
	param := cty.EmptyObjectVal
	if len(values) > 0 {
		param = cty.ObjectVal(values)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"param": param},
		Functions: map[string]function.Function{
			"split":     stdlib.SplitFunc,
			"join":      stdlib.JoinFunc,
			"upper":     stdlib.UpperFunc,
			"lower":     stdlib.LowerFunc,
			"format":    stdlib.FormatFunc,
			"concat":    stdlib.ConcatFunc,
			"trimspace": stdlib.TrimSpaceFunc,
		},
	}
}
