package workflow

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePipelineYAMLRejectsMissingTasks(t *testing.T) {
	const payload = `
name: empty
tasks: []
`
	_, err := ParsePipelineYAML([]byte(payload), nil)
	if err == nil {
		t.Fatalf("expected error when tasks are missing")
	}
	if !strings.Contains(err.Error(), "at least one task is required") {
		t.Fatalf("unexpected error for missing tasks: %v", err)
	}
}

func TestParsePipelineYAMLRejectsInvalidInputs(t *testing.T) {
	cases := map[string]string{
		"both value and from": `
tasks:
  - template: a
    command: "true"
    inputs:
      - {name: x, value: a.txt, from: b, output: y}
`,
		"from without output": `
tasks:
  - template: a
    command: "true"
    inputs:
      - {name: x, from: b}
`,
		"unknown kind": `
tasks:
  - template: a
    command: "true"
    inputs:
      - {name: x, kind: bool, value: "yes"}
`,
		"bad template name": `
tasks:
  - template: "a/b"
    command: "true"
`,
		"duplicate template": `
tasks:
  - {template: a, command: "true"}
  - {template: a, command: "true"}
`,
		"missing command": `
tasks:
  - template: a
`,
		"unknown field": `
tasks:
  - template: a
    command: "true"
    cpus: 3
`,
	}
	for name, payload := range cases {
		if _, err := ParsePipelineYAML([]byte(payload), nil); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParsePipelineYAMLDefaultsAndOverrides(t *testing.T) {
	const payload = `
name: rnaseq
params:
  genome: hg19.fa
  threads: "2"
tasks:
  - template: count
    replicates: [" s1 ", s2]
    command: wc -l {{.Inputs.reads}}
    inputs:
      - name: reads
        value: data/{{.Replicate}}.fq
`
	p, err := ParsePipelineYAML([]byte(payload), Params{"genome": "hg38.fa"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Results != DefaultResultsDir {
		t.Fatalf("results = %q", p.Results)
	}
	if diff := cmp.Diff(Params{"genome": "hg38.fa", "threads": "2"}, p.Params); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"s1", "s2"}, p.Tasks[0].Replicates); diff != "" {
		t.Fatalf("replicates mismatch (-want +got):\n%s", diff)
	}
}

func TestParamsMergeDoesNotMutate(t *testing.T) {
	base := Params{"a": "1"}
	merged := base.Merge(Params{"a": "2", "b": "3"}, nil)
	if base["a"] != "1" {
		t.Fatalf("base mutated: %v", base)
	}
	if diff := cmp.Diff([]string{"a", "b"}, merged.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	if merged["a"] != "2" {
		t.Fatalf("override lost: %v", merged)
	}
}

func TestFormatFor(t *testing.T) {
	if FormatFor("pipe.HCL") != FormatHCL || FormatFor("pipe.yaml") != FormatYAML || FormatFor("pipe") != FormatYAML {
		t.Fatalf("unexpected format detection")
	}
}
