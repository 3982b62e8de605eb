package graph

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/snapflow/internal/task"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(t.TempDir())
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	return b
}

func mustRegister(t *testing.T, b *Builder, decl task.Declaration) *task.Task {
	t.Helper()
	tk, err := b.Register(decl)
	if err != nil {
		t.Fatalf("register %s: %v", decl.InstanceID(), err)
	}
	return tk
}

func TestBuildInfersEdgesFromOutputReferences(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{
		Template: "align",
		Command:  "echo aligned > out.bam",
		Outputs:  []task.Output{{Name: "bam", Path: "out.bam"}},
	})
	sorted := mustRegister(t, b, task.Declaration{
		Template: "sort",
		Inputs:   []task.Input{{Name: "bam", From: &task.OutputRef{Task: "align", Output: "bam"}}},
		Outputs:  []task.Output{{Name: "sorted", Path: "sorted.bam"}},
	})
	mustRegister(t, b, task.Declaration{
		Template: "index",
		Inputs:   []task.Input{{Name: "bam", Value: sorted.Outputs[0].Path}},
	})

	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []Edge{{From: "align", To: "sort"}, {From: "sort", To: "index"}}
	if diff := cmp.Diff(want, g.Edges()); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"sort", "index"}, g.Downstream("align")); diff != "" {
		t.Fatalf("downstream mismatch (-want +got):\n%s", diff)
	}
	in := sorted.Inputs[0]
	if in.Value != filepath.Join(b.Root(), WorkDir, "align", "out.bam") {
		t.Fatalf("input resolved to %s", in.Value)
	}
}

func TestRegisterAppliesDefaultsAndHandles(t *testing.T) {
	b, err := NewBuilder(t.TempDir(), WithDefaults(Defaults{CPU: 2, Env: []string{"export A=1"}}))
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	first := mustRegister(t, b, task.Declaration{Template: "a"})
	second := mustRegister(t, b, task.Declaration{Template: "b", CPU: 4, Mem: 8, Time: "10m"})
	if first.Handle != 1 || second.Handle != 2 {
		t.Fatalf("handles = %d, %d", first.Handle, second.Handle)
	}
	if first.CPU != 2 || first.Mem != task.DefaultMem || first.Time != task.DefaultTime || first.QOS != task.DefaultQOS {
		t.Fatalf("defaults not applied: %+v", first)
	}
	if second.CPU != 4 || second.Mem != 8 || second.Time != "10m" {
		t.Fatalf("explicit resources overwritten: %+v", second)
	}
	if diff := cmp.Diff([]string{"export A=1"}, first.Env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}
	if first.Status != task.StatusPending {
		t.Fatalf("status = %s", first.Status)
	}
}

func TestRegisterRejectsDuplicateIDs(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{Template: "count", Replicate: "s1"})
	mustRegister(t, b, task.Declaration{Template: "count", Replicate: "s2"})
	_, err := b.Register(task.Declaration{Template: "count", Replicate: "s1"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestFamilyLookupPrefersReplicate(t *testing.T) {
	b := newTestBuilder(t)
	for _, rep := range []string{"s1", "s2"} {
		mustRegister(t, b, task.Declaration{
			Template:  "count",
			Replicate: rep,
			Outputs:   []task.Output{{Name: "counts", Path: "counts.txt"}},
		})
	}
	report := mustRegister(t, b, task.Declaration{
		Template:  "report",
		Replicate: "s2",
		Inputs:    []task.Input{{Name: "counts", From: &task.OutputRef{Task: "count", Output: "counts"}}},
	})
	if diff := cmp.Diff([]string{"count:s2"}, report.Dependencies); diff != "" {
		t.Fatalf("dependencies mismatch (-want +got):\n%s", diff)
	}
	if want := filepath.Join(b.Root(), WorkDir, "count", "s2", "counts.txt"); report.Inputs[0].Value != want {
		t.Fatalf("input = %s, want %s", report.Inputs[0].Value, want)
	}

	_, err := b.Register(task.Declaration{
		Template: "merge",
		Inputs:   []task.Input{{Name: "counts", From: &task.OutputRef{Task: "count", Output: "counts"}}},
	})
	if !errors.Is(err, ErrAmbiguousOutput) {
		t.Fatalf("expected ambiguous output without replicate, got %v", err)
	}
}

func TestLookupUnknownTaskAndOutput(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{Template: "a", Outputs: []task.Output{{Name: "x", Path: "x"}}})
	if _, err := b.Lookup("missing", "x", ""); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
	if _, err := b.Lookup("a", "y", ""); !errors.Is(err, ErrUnknownOutput) {
		t.Fatalf("expected unknown output, got %v", err)
	}
}

func TestBuildReportsMissingExternalInputs(t *testing.T) {
	b := newTestBuilder(t)
	present := filepath.Join(b.Root(), "present.txt")
	if err := os.WriteFile(present, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mustRegister(t, b, task.Declaration{
		Template: "a",
		Inputs: []task.Input{
			{Name: "ok", Value: present},
			{Name: "gone", Value: filepath.Join(b.Root(), "zz.txt")},
			{Name: "also", Value: filepath.Join(b.Root(), "aa.txt")},
			{Name: "glob", Value: filepath.Join(b.Root(), "*.fastq")},
		},
	})
	_, err := b.Build()
	var missing *MissingInputError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing input error, got %v", err)
	}
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput in chain")
	}
	want := []string{
		filepath.Join(b.Root(), "*.fastq"),
		filepath.Join(b.Root(), "aa.txt"),
		filepath.Join(b.Root(), "zz.txt"),
	}
	if diff := cmp.Diff(want, missing.Paths); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDetectsCycleFromExplicitDependencies(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{Template: "a", DependsOn: []string{"c"}})
	mustRegister(t, b, task.Declaration{Template: "b", DependsOn: []string{"a"}})
	mustRegister(t, b, task.Declaration{Template: "c", DependsOn: []string{"b"}})
	_, err := b.Build()
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if got, want := err.Error(), "graph: dependency cycle: a -> c -> b -> a"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}

func TestBuildDetectsCycleFromPaths(t *testing.T) {
	b := newTestBuilder(t)
	aOut := filepath.Join(b.Root(), "a.txt")
	bOut := filepath.Join(b.Root(), "b.txt")
	mustRegister(t, b, task.Declaration{
		Template: "a",
		Inputs:   []task.Input{{Name: "in", Value: bOut}},
		Outputs:  []task.Output{{Name: "out", Path: aOut}},
	})
	mustRegister(t, b, task.Declaration{
		Template: "b",
		Inputs:   []task.Input{{Name: "in", Value: aOut}},
		Outputs:  []task.Output{{Name: "out", Path: bOut}},
	})
	if _, err := b.Build(); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBuildRejectsUnknownExplicitDependency(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{Template: "a", DependsOn: []string{"ghost"}})
	if _, err := b.Build(); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected unknown task error, got %v", err)
	}
}

func TestBuildRejectsSharedOutputPath(t *testing.T) {
	b := newTestBuilder(t)
	shared := filepath.Join(b.Root(), "shared.txt")
	mustRegister(t, b, task.Declaration{Template: "a", Outputs: []task.Output{{Name: "o", Path: shared}}})
	mustRegister(t, b, task.Declaration{Template: "b", Outputs: []task.Output{{Name: "o", Path: shared}}})
	if _, err := b.Build(); !errors.Is(err, ErrAmbiguousOutput) {
		t.Fatalf("expected ambiguous output error, got %v", err)
	}
}

func TestRegisterValidatesTypedInputs(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Register(task.Declaration{
		Template: "a",
		Inputs:   []task.Input{{Name: "threads", Kind: task.InputInt, Value: "four"}},
	})
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected invalid value, got %v", err)
	}
	tk := mustRegister(t, b, task.Declaration{
		Template: "b",
		Inputs: []task.Input{
			{Name: "threads", Kind: task.InputInt, Value: "4"},
			{Name: "ratio", Kind: task.InputFloat, Value: "0.5"},
			{Name: "label", Kind: task.InputStr, Value: "free text"},
		},
	})
	if len(tk.Inputs) != 3 {
		t.Fatalf("inputs = %+v", tk.Inputs)
	}
}

func TestBuildTwiceFails(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{Template: "a"})
	if _, err := b.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatalf("expected second build to fail")
	}
	if _, err := b.Register(task.Declaration{Template: "b"}); err == nil {
		t.Fatalf("expected register after build to fail")
	}
}

func TestTopoOrderKeepsDeclarationOrderForTies(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{Template: "late", DependsOn: []string{"early"}})
	mustRegister(t, b, task.Declaration{Template: "early"})
	mustRegister(t, b, task.Declaration{Template: "free"})
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if diff := cmp.Diff([]string{"early", "late", "free"}, g.TopoOrder()); diff != "" {
		t.Fatalf("topo order mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupReplicateRequiresThatReplicate(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{
		Template:  "align",
		Replicate: "r1",
		Outputs:   []task.Output{{Name: "bam", Path: "out.bam"}},
	})
	if _, err := b.LookupReplicate("align", "bam", "r2"); !errors.Is(err, ErrUnknownOutput) {
		t.Fatalf("expected unknown output for a missing replicate, got %v", err)
	}
	ref, err := b.LookupReplicate("align", "bam", "r1")
	if err != nil {
		t.Fatalf("lookup r1: %v", err)
	}
	if diff := cmp.Diff(&task.OutputRef{Task: "align:r1", Output: "bam"}, ref); diff != "" {
		t.Fatalf("ref mismatch (-want +got):\n%s", diff)
	}
	// The implicit consumer replicate still falls back to a unique sibling.
	if _, err := b.Lookup("align", "bam", "r2"); err != nil {
		t.Fatalf("implicit lookup: %v", err)
	}
}

func TestRegisterRejectsSharedWorkdir(t *testing.T) {
	b := newTestBuilder(t)
	mustRegister(t, b, task.Declaration{Template: "t", Replicate: "s 1"})
	_, err := b.Register(task.Declaration{Template: "t", Replicate: "s_1"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected shared workdir to be rejected, got %v", err)
	}
	_, err = b.Register(task.Declaration{Template: "other", Workdir: filepath.Join(WorkDir, "t", "s_1")})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected explicit workdir collision to be rejected, got %v", err)
	}
}

func TestRelativeInputsResolveUnderRoot(t *testing.T) {
	b := newTestBuilder(t)
	if err := os.MkdirAll(filepath.Join(b.Root(), "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(b.Root(), "data", "reads.fq"), []byte("@r\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tk := mustRegister(t, b, task.Declaration{
		Template: "count",
		Inputs:   []task.Input{{Name: "reads", Value: "data/reads.fq"}},
	})
	if want := filepath.Join(b.Root(), "data", "reads.fq"); tk.Inputs[0].Value != want {
		t.Fatalf("input = %s, want %s", tk.Inputs[0].Value, want)
	}
	if _, err := b.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
}
