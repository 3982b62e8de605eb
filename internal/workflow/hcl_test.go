package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const hclPipelinePayload = `
name    = "variants"
results = "out"
params = {
  samples = "s1,s2"
  genome  = "ref.fa"
}

container {
  image = "/images/tools.sif"
  binds = ["/data"]
}

task "align" {
  replicates = split(",", param.samples)
  cpu        = 4
  time       = "6h"
  command    = "bwa mem {{.Params.genome}} {{.Inputs.reads}} > {{.Outputs.bam}}"

  input "reads" {
    value = "reads/{{.Replicate}}.fq"
  }
  output "bam" {
    path = "{{.Replicate}}.bam"
  }
}

task "call" {
  command = "call {{.Inputs.bam}}"
  env     = ["export REF=${upper(param.genome)}"]

  input "bam" {
    from      = "align"
    output    = "bam"
    replicate = "s2"
  }
  output "vcf" {
    path = "calls.vcf"
  }
  publish {
    from   = "vcf"
    to     = "vcf"
    rename = "final.vcf"
  }
}
`

func TestParsePipelineHCL(t *testing.T) {
	p, err := ParsePipelineHCL([]byte(hclPipelinePayload), "variants.hcl", Params{"samples": "s1,s2,s3"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Name != "variants" || p.Results != "out" {
		t.Fatalf("header = %q %q", p.Name, p.Results)
	}
	if len(p.Tasks) != 2 {
		t.Fatalf("tasks = %d", len(p.Tasks))
	}
	align := p.Tasks[0]
	if diff := cmp.Diff([]string{"s1", "s2", "s3"}, align.Replicates); diff != "" {
		t.Fatalf("replicates mismatch (-want +got):\n%s", diff)
	}
	if align.CPU != 4 || align.Time != "6h" {
		t.Fatalf("resources = %d %s", align.CPU, align.Time)
	}
	if len(align.Inputs) != 1 || align.Inputs[0].Name != "reads" || align.Outputs[0].Path != "{{.Replicate}}.bam" {
		t.Fatalf("align blocks = %+v %+v", align.Inputs, align.Outputs)
	}
	call := p.Tasks[1]
	if diff := cmp.Diff([]string{"export REF=REF.FA"}, call.Env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}
	if call.Inputs[0].From != "align" || call.Inputs[0].Replicate != "s2" {
		t.Fatalf("call input = %+v", call.Inputs[0])
	}
	if call.Publish[0].Rename != "final.vcf" {
		t.Fatalf("publish = %+v", call.Publish)
	}
	if p.Container == nil || p.Container.Image != "/images/tools.sif" {
		t.Fatalf("container = %+v", p.Container)
	}
}

func TestParsePipelineHCLReportsDiagnostics(t *testing.T) {
	_, err := ParsePipelineHCL([]byte(`task "a" { command = param.missing }`), "bad.hcl", nil)
	if err == nil {
		t.Fatalf("expected error for unknown param")
	}
	_, err = ParsePipelineHCL([]byte(`task "a" {`), "broken.hcl", nil)
	if err == nil || !strings.Contains(err.Error(), "broken.hcl") {
		t.Fatalf("expected parse error naming the file, got %v", err)
	}
}

func TestLoadPipelineFileDetectsFormatAndName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "variants.hcl")
	body := strings.Replace(hclPipelinePayload, `name    = "variants"`, "", 1)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPipelineFile(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name != "variants" {
		t.Fatalf("name = %q", p.Name)
	}
	if len(p.Tasks[0].Replicates) != 2 {
		t.Fatalf("replicates = %v", p.Tasks[0].Replicates)
	}
}
