package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/snapflow/internal/config"
	"github.com/kingrea/snapflow/internal/filelock"
	"github.com/kingrea/snapflow/internal/joblist"
	"github.com/kingrea/snapflow/internal/logbook"
	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow"
	"github.com/kingrea/snapflow/internal/workflow/graph"
	"github.com/kingrea/snapflow/internal/workflow/scheduler"
	"github.com/kingrea/snapflow/internal/workflow/script"
	"github.com/kingrea/snapflow/internal/workflow/sentinel"
)

// Engine coordinates graph construction, completion checks, script
// generation and scheduling for one project.
type Engine struct {
	cfg      *config.Config
	log      *logbook.Logbook
	repo     RecordStore
	renderer script.Renderer
	launcher scheduler.Launcher
	observer scheduler.Observer
	budget   scheduler.Budget
	jobLogs  string
	clock    func() time.Time
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogbook routes operational events to lb.
func WithLogbook(lb *logbook.Logbook) Option {
	return func(e *Engine) {
		e.log = lb
	}
}

// WithRecordStore replaces where run records are kept.
func WithRecordStore(store RecordStore) Option {
	return func(e *Engine) {
		if store != nil {
			e.repo = store
		}
	}
}

// WithRenderer replaces the script renderer.
func WithRenderer(r script.Renderer) Option {
	return func(e *Engine) {
		if r != nil {
			e.renderer = r
		}
	}
}

// WithLauncher replaces the process launcher.
func WithLauncher(l scheduler.Launcher) Option {
	return func(e *Engine) {
		if l != nil {
			e.launcher = l
		}
	}
}

// WithObserver receives a scheduler snapshot after every tick.
func WithObserver(o scheduler.Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithBudget overrides the configured CPU and memory totals. Zero fields
// keep the configured value.
func WithBudget(b scheduler.Budget) Option {
	return func(e *Engine) {
		if b.CPU > 0 {
			e.budget.CPU = b.CPU
		}
		if b.Mem > 0 {
			e.budget.Mem = b.Mem
		}
	}
}

// WithJobLogDir captures stdout and stderr of job-list entries as
// job_<n>.out and job_<n>.err in dir.
func WithJobLogDir(dir string) Option {
	return func(e *Engine) {
		e.jobLogs = dir
	}
}

// New wires an engine to the project configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	e := &Engine{
		cfg:      cfg,
		repo:     NewRepository(cfg),
		renderer: script.NewBash(),
		budget:   scheduler.Budget{CPU: cfg.CPUs(), Mem: cfg.MemGB()},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Budget returns the total resources runs are scheduled against.
func (e *Engine) Budget() scheduler.Budget {
	return e.budget
}

// Plan is a loaded task set ready to be refreshed and run.
type Plan struct {
	// Source is the file the plan was loaded from.
	Source string
	// Tasks are in admission order: declaration order for job lists and
	// topological order for pipelines, ties broken by declaration order. The
	// two agree unless a dependency points at a later declaration.
	Tasks []*task.Task
	// Graph and Pipeline are nil for job lists.
	Graph    *graph.Graph
	Pipeline *workflow.Pipeline
	// ParamsPath is where the effective pipeline params are recorded.
	ParamsPath string
}

// PipelineOptions selects parameters for a pipeline load.
type PipelineOptions struct {
	// ParamsFile is a YAML file keyed by sample name.
	ParamsFile string
	Sample     string
	// Params override both the pipeline and the params file.
	Params workflow.Params
}

// LoadPipeline reads a pipeline file, expands it and builds the graph.
// Construction errors abort before anything runs.
func (e *Engine) LoadPipeline(path string, opts PipelineOptions) (*Plan, error) {
	overrides := workflow.Params{}
	if opts.ParamsFile != "" {
		fromFile, err := workflow.LoadParamsFile(opts.ParamsFile, opts.Sample)
		if err != nil {
			return nil, err
		}
		overrides = overrides.Merge(fromFile)
	}
	overrides = overrides.Merge(opts.Params)
	p, err := workflow.LoadPipelineFile(path, overrides)
	if err != nil {
		return nil, err
	}
	b, err := graph.NewBuilder(e.cfg.ProjectDir, graph.WithDefaults(e.defaults()))
	if err != nil {
		return nil, err
	}
	if _, err := workflow.Expand(b, p); err != nil {
		return nil, err
	}
	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	tasks := make([]*task.Task, 0, g.Len())
	for _, id := range g.TopoOrder() {
		t, _ := g.Task(id)
		tasks = append(tasks, t)
	}
	sample := opts.Sample
	if sample == "" {
		sample = p.Name
	}
	return &Plan{
		Source:     path,
		Tasks:      tasks,
		Graph:      g,
		Pipeline:   p,
		ParamsPath: workflow.ParamsPath(p.ResultsDir(b.Root()), sample),
	}, nil
}

// LoadJobList parses a flattened job-list file. Jobs have no workdir, so
// they are always run and never skipped.
func (e *Engine) LoadJobList(path string) (*Plan, error) {
	tasks, err := joblist.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return &Plan{Source: path, Tasks: tasks}, nil
}

func (e *Engine) defaults() graph.Defaults {
	d := e.cfg.Project.Defaults
	out := graph.Defaults{CPU: d.CPU, Mem: d.Mem, Time: d.Time, QOS: d.QOS}
	if c := e.cfg.Project.Container; c.Image != "" {
		out.Container = &task.Container{Runtime: c.Runtime, Image: c.Image, Binds: cloneStrings(c.Binds)}
	}
	return out
}

// Refresh re-evaluates completion of every task from its sentinels and
// returns how many are already done.
func (e *Engine) Refresh(plan *Plan) int {
	done := 0
	for _, t := range plan.Tasks {
		if t.Workdir == "" {
			continue
		}
		if sentinel.IsDone(t) {
			done++
			continue
		}
		if sentinel.PreviouslyFailed(t) {
			e.log.Warn("%s failed previously; it will be retried", t.ID)
		}
	}
	return done
}

// Prepare writes the execution script of every task that is not done.
func (e *Engine) Prepare(plan *Plan) error {
	for _, t := range plan.Tasks {
		if t.Workdir == "" || t.Status == task.StatusDone {
			continue
		}
		if _, err := script.Write(e.renderer, t); err != nil {
			return err
		}
	}
	return nil
}

// Run executes every unfinished task of plan under the resource budget.
// Only one run per project may be active; a second one fails with
// filelock.ErrLocked. The returned summary is valid even when err is set.
func (e *Engine) Run(ctx context.Context, plan *Plan) (scheduler.Summary, error) {
	if err := os.MkdirAll(e.cfg.StateDir, 0o755); err != nil {
		return scheduler.Summary{}, fmt.Errorf("engine: ensure state dir: %w", err)
	}
	lock, err := filelock.TryAcquire(e.cfg.LockPath())
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return scheduler.Summary{}, fmt.Errorf("engine: another run is active (remove %s if it is stale): %w", filelock.MarkerPath(e.cfg.LockPath()), err)
		}
		return scheduler.Summary{}, err
	}
	defer lock.Release()

	runID := uuid.NewString()
	log := e.log.ForRun(runID)
	started := e.now()
	done := e.Refresh(plan)
	log.Info("run %s: %d tasks, %d already done", plan.Source, len(plan.Tasks), done)
	if err := e.Prepare(plan); err != nil {
		return scheduler.Summary{}, err
	}
	if plan.Pipeline != nil && plan.ParamsPath != "" {
		if err := workflow.WriteParams(ctx, plan.ParamsPath, plan.Pipeline.Params); err != nil {
			return scheduler.Summary{}, err
		}
	}

	opts := []scheduler.Option{
		scheduler.WithInterval(e.cfg.Interval()),
		scheduler.WithLogbook(log),
		scheduler.WithObserver(e.observer),
	}
	if e.launcher != nil {
		opts = append(opts, scheduler.WithLauncher(e.launcher))
	} else {
		opts = append(opts, scheduler.WithLauncher(&scheduler.ExecLauncher{Dir: e.cfg.ProjectDir, LogDir: e.jobLogs}))
	}
	if e.cfg.DrainOne() {
		opts = append(opts, scheduler.WithCompletionLimit(1))
	}
	sched, err := scheduler.New(plan.Tasks, e.budget, opts...)
	if err != nil {
		log.Error("%v", err)
		return scheduler.Summary{}, err
	}
	summary, runErr := sched.Run(ctx)

	record := RunRecord{
		RunID:      runID,
		Source:     plan.Source,
		Status:     runStatus(summary, runErr),
		CPU:        e.budget.CPU,
		Mem:        e.budget.Mem,
		Ticks:      summary.Ticks,
		StartedAt:  started,
		FinishedAt: e.now(),
		Tasks:      recordTasks(sched.Snapshot()),
	}
	switch {
	case runErr != nil:
		record.StatusReason = runErr.Error()
	case !summary.OK():
		record.StatusReason = failureReason(summary)
	}
	if err := e.repo.Save(record); err != nil {
		log.Warn("save run record: %v", err)
	}
	return summary, runErr
}

// LastRun returns the record of the most recent run.
func (e *Engine) LastRun() (RunRecord, error) {
	return e.repo.Load()
}

// Describe writes the job-list line of every unfinished task instead of
// running it, generating the scripts the lines refer to. An empty name
// prefix falls back to the project configuration.
func (e *Engine) Describe(w io.Writer, plan *Plan, opts scheduler.DescribeOptions) (int, error) {
	e.Refresh(plan)
	if err := e.Prepare(plan); err != nil {
		return 0, err
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = e.cfg.Project.Describe.NamePrefix
	}
	return scheduler.Describe(w, plan.Tasks, opts)
}

// Status classifies every task from its sentinels without executing
// anything.
func (e *Engine) Status(plan *Plan) []TaskStatus {
	out := make([]TaskStatus, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		report := sentinel.Inspect(t)
		out = append(out, TaskStatus{
			ID:             t.ID,
			Name:           t.Label(),
			State:          report.State,
			Elapsed:        report.Elapsed,
			MissingOutputs: report.MissingOutputs,
			Dependencies:   cloneStrings(t.Dependencies),
		})
	}
	return out
}

// Reset clears the sentinels of ids and everything downstream of them so the
// next run executes them again. It returns the cleared ids in declaration
// order.
func (e *Engine) Reset(plan *Plan, ids []string) ([]string, error) {
	if plan.Graph == nil {
		return nil, fmt.Errorf("engine: %s has no task graph to reset", plan.Source)
	}
	selected := map[string]bool{}
	for _, id := range ids {
		if _, ok := plan.Graph.Task(id); !ok {
			return nil, fmt.Errorf("engine: unknown task %s", id)
		}
		selected[id] = true
		for _, dep := range plan.Graph.Downstream(id) {
			selected[dep] = true
		}
	}
	var cleared []string
	for _, t := range plan.Graph.Tasks() {
		if !selected[t.ID] {
			continue
		}
		if err := sentinel.Clear(t.Workdir); err != nil {
			return cleared, fmt.Errorf("engine: reset %s: %w", t.ID, err)
		}
		t.Status = task.StatusPending
		cleared = append(cleared, t.ID)
	}
	e.log.Info("reset %s: %s", plan.Source, strings.Join(cleared, ", "))
	return cleared, nil
}

func runStatus(summary scheduler.Summary, err error) RunStatus {
	switch {
	case errors.Is(err, scheduler.ErrStalled):
		return RunStatusStalled
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RunStatusInterrupted
	case err != nil, !summary.OK():
		return RunStatusFailed
	default:
		return RunStatusSucceeded
	}
}

func failureReason(summary scheduler.Summary) string {
	var parts []string
	if len(summary.Failed) > 0 {
		parts = append(parts, "failed: "+strings.Join(summary.Failed, ", "))
	}
	if len(summary.Unsatisfiable) > 0 {
		parts = append(parts, "unsatisfiable: "+strings.Join(summary.Unsatisfiable, ", "))
	}
	return strings.Join(parts, "; ")
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}
