package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kingrea/snapflow/internal/config"
	"github.com/kingrea/snapflow/internal/logbook"
	"github.com/kingrea/snapflow/internal/tui"
	"github.com/kingrea/snapflow/internal/workflow"
	"github.com/kingrea/snapflow/internal/workflow/engine"
	"github.com/kingrea/snapflow/internal/workflow/scheduler"
	"github.com/kingrea/snapflow/internal/workflow/sentinel"
)

var version = "dev" // injected via ldflags at build time

// errRunFailed marks a run that finished with failed or unsatisfiable tasks.
var errRunFailed = errors.New("run finished with failures")

// Globals holds flags shared by every command.
type Globals struct {
	Project string `help:"Project directory." default:"." env:"SNAPFLOW_PROJECT" type:"path"`
}

func (g *Globals) config() (*config.Config, error) {
	return config.Load(g.Project)
}

func (g *Globals) logbook(cfg *config.Config) (*logbook.Logbook, error) {
	return logbook.New(cfg.LogPath())
}

// ─── Top-level CLI struct ────────────────────────────────────────────────────

type CLI struct {
	Globals `embed:""`

	Schedule ScheduleCmd `cmd:"" group:"execution" help:"Run a flattened job-list file under a resource budget."`
	Run      RunCmd      `cmd:"" group:"execution" help:"Run every unfinished task of a pipeline."`
	Describe DescribeCmd `cmd:"" group:"execution" help:"Print job-list lines for unfinished tasks instead of running them."`
	Status   StatusCmd   `cmd:"" group:"observe"   help:"Classify every task of a pipeline from its sentinel files."`
	MarkDone MarkDoneCmd `cmd:"mark-done" group:"observe" help:"Record tasks as done when their outputs were produced out of band."`
	Reset    ResetCmd    `cmd:"" group:"observe"   help:"Clear sentinels of tasks and everything downstream so they run again."`
	Init     InitCmd     `cmd:"" group:"maint"     help:"Create .snapflow/ with a default config."`
	Version  VersionCmd  `cmd:"" group:"maint"     help:"Print version and platform info."`
}

// BudgetFlags override the configured resource totals.
type BudgetFlags struct {
	CPUs int  `name:"cpus" help:"Total CPU budget (default: config, then host cores)." env:"SNAPFLOW_CPUS"`
	Mem  int  `name:"mem" help:"Total memory budget in GB (default: config, then host memory)." env:"SNAPFLOW_MEM"`
	TUI  bool `name:"tui" help:"Show the interactive live view."`
}

func (b BudgetFlags) budget() scheduler.Budget {
	return scheduler.Budget{CPU: b.CPUs, Mem: b.Mem}
}

// PipelineArgs select a pipeline file and its parameters.
type PipelineArgs struct {
	Pipeline string   `arg:"" type:"existingfile" help:"Pipeline file (.yaml, .yml or .hcl)."`
	Param    []string `short:"p" name:"param" help:"Override a pipeline param as key=value (repeatable)."`
	Params   string   `name:"params" type:"existingfile" help:"YAML params file keyed by sample."`
	Sample   string   `name:"sample" help:"Sample to read from --params."`
}

func (a PipelineArgs) load(eng *engine.Engine) (*engine.Plan, error) {
	overrides, err := workflow.ParseParamFlags(a.Param)
	if err != nil {
		return nil, err
	}
	return eng.LoadPipeline(a.Pipeline, engine.PipelineOptions{
		ParamsFile: a.Params,
		Sample:     a.Sample,
		Params:     overrides,
	})
}

// ─── schedule ────────────────────────────────────────────────────────────────

type ScheduleCmd struct {
	Jobs   string `arg:"" type:"existingfile" help:"Job-list file, one task per line."`
	LogDir string `name:"log-dir" type:"path" help:"Write job_<n>.out/.err per job (output is discarded otherwise)."`

	BudgetFlags `embed:""`
}

func (c *ScheduleCmd) Run(g *Globals) error {
	opts := []engine.Option{engine.WithJobLogDir(c.LogDir)}
	return execute(g, c.BudgetFlags, opts, func(eng *engine.Engine) (*engine.Plan, error) {
		return eng.LoadJobList(c.Jobs)
	})
}

// ─── run ─────────────────────────────────────────────────────────────────────

type RunCmd struct {
	PipelineArgs `embed:""`
	BudgetFlags  `embed:""`
}

func (c *RunCmd) Run(g *Globals) error {
	return execute(g, c.BudgetFlags, nil, c.PipelineArgs.load)
}

// execute loads a plan and runs it with either the console table or the
// live view attached.
func execute(g *Globals, flags BudgetFlags, opts []engine.Option, load func(*engine.Engine) (*engine.Plan, error)) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	lb, err := g.logbook(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, engine.WithLogbook(lb), engine.WithBudget(flags.budget()))
	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}
	plan, err := load(eng)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := func(ctx context.Context, observe scheduler.Observer) (scheduler.Summary, error) {
		observed, err := engine.New(cfg, append(opts, engine.WithObserver(observe))...)
		if err != nil {
			return scheduler.Summary{}, err
		}
		return observed.Run(ctx, plan)
	}
	var summary scheduler.Summary
	if flags.TUI {
		summary, err = tui.Run(ctx, plan.Source, lb, run)
	} else {
		budget := eng.Budget()
		fmt.Printf("%s: %d tasks, budget %d cpu / %d GB\n", plan.Source, len(plan.Tasks), budget.CPU, budget.Mem)
		summary, err = run(ctx, tui.NewConsole(os.Stdout).Observe)
	}
	if err != nil {
		return err
	}
	fmt.Println(tui.RenderSummary(summary))
	if !summary.OK() {
		return errRunFailed
	}
	return nil
}

// ─── describe ────────────────────────────────────────────────────────────────

type DescribeCmd struct {
	PipelineArgs `embed:""`

	Sequential bool   `help:"Emit bare commands without the annotation block."`
	Prefix     string `help:"Prefix for emitted job names (default: config describe.name_prefix)."`
}

func (c *DescribeCmd) Run(g *Globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	plan, err := c.PipelineArgs.load(eng)
	if err != nil {
		return err
	}
	n, err := eng.Describe(os.Stdout, plan, scheduler.DescribeOptions{NamePrefix: c.Prefix, Sequential: c.Sequential})
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(os.Stderr, "all tasks are done")
	}
	return nil
}

// ─── status ──────────────────────────────────────────────────────────────────

type StatusCmd struct {
	PipelineArgs `embed:""`
}

func (c *StatusCmd) Run(g *Globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	plan, err := c.PipelineArgs.load(eng)
	if err != nil {
		return err
	}
	fmt.Println(tui.RenderStatus(eng.Status(plan)))
	record, err := eng.LastRun()
	switch {
	case errors.Is(err, engine.ErrRecordNotFound):
	case err != nil:
		fmt.Fprintf(os.Stderr, "warning: read last run: %v\n", err)
	default:
		line := fmt.Sprintf("\nlast run %s: %s (%s)", record.RunID, record.Status, record.FinishedAt.Local().Format(time.DateTime))
		if record.StatusReason != "" {
			line += " · " + record.StatusReason
		}
		fmt.Println(line)
	}
	return nil
}

// ─── mark-done ───────────────────────────────────────────────────────────────

type MarkDoneCmd struct {
	PipelineArgs `embed:""`

	Tasks []string `name:"task" short:"t" required:"" help:"Task id to mark done (repeatable)."`
}

func (c *MarkDoneCmd) Run(g *Globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	plan, err := c.PipelineArgs.load(eng)
	if err != nil {
		return err
	}
	for _, id := range c.Tasks {
		t, ok := plan.Graph.Task(id)
		if !ok {
			return fmt.Errorf("unknown task %s", id)
		}
		if err := os.MkdirAll(t.Workdir, 0o755); err != nil {
			return err
		}
		if err := sentinel.MarkDone(t.Workdir, 0); err != nil {
			return err
		}
		if missing := sentinel.MissingOutputs(t); len(missing) > 0 {
			fmt.Printf("%s: marked, but not done until outputs exist: %s\n", id, strings.Join(missing, ", "))
			continue
		}
		fmt.Printf("%s: done\n", id)
	}
	return nil
}

// ─── reset ───────────────────────────────────────────────────────────────────

type ResetCmd struct {
	PipelineArgs `embed:""`

	Tasks []string `name:"task" short:"t" required:"" help:"Task id to reset, with its dependents (repeatable)."`
}

func (c *ResetCmd) Run(g *Globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	lb, err := g.logbook(cfg)
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg, engine.WithLogbook(lb))
	if err != nil {
		return err
	}
	plan, err := c.PipelineArgs.load(eng)
	if err != nil {
		return err
	}
	cleared, err := eng.Reset(plan, c.Tasks)
	if err != nil {
		return err
	}
	fmt.Printf("reset %d tasks: %s\n", len(cleared), strings.Join(cleared, ", "))
	return nil
}

// ─── init ────────────────────────────────────────────────────────────────────

type InitCmd struct {
	Dir string `arg:"" optional:"" type:"path" help:"Project directory (default: --project)."`
}

func (c *InitCmd) Run(g *Globals) error {
	dir := c.Dir
	if dir == "" {
		dir = g.Project
	}
	if err := config.InitDir(dir); err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	fmt.Printf("initialized snapflow project at %s\n", cfg.ProjectDir)
	fmt.Printf("config: %s\n", cfg.ProjectConfigPath())
	fmt.Printf("budget: %d cpu / %d GB\n", cfg.CPUs(), cfg.MemGB())
	return nil
}

// ─── version ─────────────────────────────────────────────────────────────────

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("snapflow %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

func main() {
	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("snapflow"),
		kong.Description("snapflow: resource-aware task graph runner\n\nBuild a task graph from a pipeline or job list, skip what is already done, and run the rest within a CPU and memory budget."),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
		kong.ExplicitGroups([]kong.Group{
			{Key: "execution", Title: "── EXECUTION ─────────────────────────────────────────────────────────────────────"},
			{Key: "observe", Title: "── MONITORING ────────────────────────────────────────────────────────────────────"},
			{Key: "maint", Title: "── MAINTENANCE ───────────────────────────────────────────────────────────────────"},
		}),
	)

	err := ctx.Run()
	if errors.Is(err, errRunFailed) {
		os.Exit(1)
	}
	ctx.FatalIfErrorf(err)
}
