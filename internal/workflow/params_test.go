package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const paramsPayload = `
sample_a:
  genome: hg19.fa
  depth: "30"
sample_b:
  genome: hg38.fa
`

func writeParams(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParamsFileSelectsSample(t *testing.T) {
	path := writeParams(t, paramsPayload)
	got, err := LoadParamsFile(path, "sample_a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Params{"genome": "hg19.fa", "depth": "30"}, got); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadParamsFileUnknownSampleListsChoices(t *testing.T) {
	path := writeParams(t, paramsPayload)
	_, err := LoadParamsFile(path, "sample_c")
	if err == nil || !strings.Contains(err.Error(), "sample_a, sample_b") {
		t.Fatalf("expected choices in error, got %v", err)
	}
	if _, err := LoadParamsFile(path, ""); err == nil {
		t.Fatalf("expected error when sample is ambiguous")
	}
}

func TestLoadParamsFileSingleSampleDefault(t *testing.T) {
	path := writeParams(t, "only:\n  k: v\n")
	got, err := LoadParamsFile(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["k"] != "v" {
		t.Fatalf("params = %v", got)
	}
}

func TestParseParamFlags(t *testing.T) {
	got, err := ParseParamFlags([]string{"a=1", "b=x=y", "c="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if diff := cmp.Diff(Params{"a": "1", "b": "x=y", "c": ""}, got); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
	if _, err := ParseParamFlags([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}

func TestWriteParamsRoundTrip(t *testing.T) {
	results := filepath.Join(t.TempDir(), "results")
	path := ParamsPath(results, "sample a")
	if filepath.Base(path) != "sample_a_params.yaml" {
		t.Fatalf("path = %s", path)
	}
	if err := WriteParams(context.Background(), path, Params{"genome": "hg19.fa"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("lock marker left behind: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "genome: hg19.fa" {
		t.Fatalf("contents = %q", data)
	}
}
