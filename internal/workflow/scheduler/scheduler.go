package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/snapflow/internal/logbook"
	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow/sentinel"
)

var (
	// ErrOverBudget reports tasks that request more than the total budget
	// and could never be admitted.
	ErrOverBudget = errors.New("scheduler: task request exceeds total budget")
	// ErrStalled reports a tick in which nothing runs, nothing could be
	// admitted and pending tasks remain.
	ErrStalled = errors.New("scheduler: no task can make progress")
)

// DefaultInterval is the pause between ticks.
const DefaultInterval = 100 * time.Millisecond

// Budget is an amount of CPU and memory (GB).
type Budget struct {
	CPU int
	Mem int
}

func (b Budget) fits(t *task.Task) bool {
	return t.CPU <= b.CPU && t.Mem <= b.Mem
}

// Verifier confirms that a task which exited zero really produced its
// results. A non-nil error marks the task as failed.
type Verifier func(t *task.Task) error

// Observer receives a snapshot after every tick.
type Observer func(Snapshot)

// TaskView is the per-task row of a snapshot.
type TaskView struct {
	ID     string
	Name   string
	Status task.Status
	CPU    int
	Mem    int
	// Elapsed is set for running and finished tasks started by this run.
	Elapsed time.Duration
	Err     string
}

// Snapshot is the observable state after a tick.
type Snapshot struct {
	Tick      int
	Total     Budget
	Available Budget
	Tasks     []TaskView
}

// Counts tallies tasks by status.
func (s Snapshot) Counts() map[task.Status]int {
	counts := make(map[task.Status]int, 5)
	for _, v := range s.Tasks {
		counts[v.Status]++
	}
	return counts
}

// Summary is the outcome of a run.
type Summary struct {
	Done          []string
	Failed        []string
	Unsatisfiable []string
	Ticks         int
	Elapsed       time.Duration
}

// OK reports whether every task finished successfully.
func (s Summary) OK() bool {
	return len(s.Failed) == 0 && len(s.Unsatisfiable) == 0
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithVerifier replaces the post-exit check.
func WithVerifier(v Verifier) Option {
	return func(s *Scheduler) {
		s.verify = v
	}
}

// WithInterval sets the pause between ticks.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCompletionLimit caps how many finished tasks are reclaimed per tick.
// Zero reclaims all of them.
func WithCompletionLimit(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.limit = n
		}
	}
}

// WithObserver registers a callback invoked after every tick.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// WithLogbook records admissions, completions and cascades.
func WithLogbook(l *logbook.Logbook) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

type runningTask struct {
	task    *task.Task
	proc    Process
	started time.Time
}

// Scheduler owns the status of every task and the available budget. All
// state is mutated from the goroutine calling Run or Step.
type Scheduler struct {
	tasks     []*task.Task
	byID      map[string]*task.Task
	total     Budget
	available Budget

	launcher Launcher
	verify   Verifier
	interval time.Duration
	limit    int
	observer Observer
	log      *logbook.Logbook

	running []*runningTask
	elapsed map[string]time.Duration
	errs    map[string]string
	tick    int
}

// New validates the task set against the total budget. Tasks keep the order
// given, which is the admission order. Tasks with an empty status are
// treated as pending; tasks already done are left alone.
func New(tasks []*task.Task, total Budget, opts ...Option) (*Scheduler, error) {
	if total.CPU < 1 || total.Mem < 1 {
		return nil, fmt.Errorf("scheduler: budget must be at least 1 cpu and 1 GB, got %d cpu %d GB", total.CPU, total.Mem)
	}
	s := &Scheduler{
		tasks:     tasks,
		byID:      make(map[string]*task.Task, len(tasks)),
		total:     total,
		available: total,
		launcher:  &ExecLauncher{},
		verify:    sentinel.Verify,
		interval:  DefaultInterval,
		elapsed:   map[string]time.Duration{},
		errs:      map[string]string{},
	}
	for _, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("scheduler: nil task")
		}
		if _, dup := s.byID[t.ID]; dup {
			return nil, fmt.Errorf("scheduler: duplicate task id %s", t.ID)
		}
		if !t.Status.Terminal() && (t.CPU < 1 || t.Mem < 1) {
			return nil, fmt.Errorf("scheduler: task %s requests cpu %d, mem %d; both must be positive", t.ID, t.CPU, t.Mem)
		}
		switch t.Status {
		case "":
			t.Status = task.StatusPending
		case task.StatusRunning:
			return nil, fmt.Errorf("scheduler: task %s is already running", t.ID)
		}
		s.byID[t.ID] = t
	}
	var over []string
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := s.byID[dep]; !ok {
				return nil, fmt.Errorf("scheduler: task %s depends on unknown task %s", t.ID, dep)
			}
		}
		if !t.Status.Terminal() && !total.fits(t) {
			over = append(over, fmt.Sprintf("%s (cpu %d, mem %d)", t.ID, t.CPU, t.Mem))
		}
	}
	if len(over) > 0 {
		return nil, fmt.Errorf("%w (cpu %d, mem %d): %s", ErrOverBudget, total.CPU, total.Mem, strings.Join(over, ", "))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ticks until every task is terminal. Cancelling ctx terminates the
// running processes and marks them failed.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	s.log.Info("scheduler start: %d tasks, budget cpu %d mem %d", len(s.tasks), s.total.CPU, s.total.Mem)
	for {
		changed := s.Step()
		if s.observer != nil {
			s.observer(s.Snapshot())
		}
		if s.Finished() {
			break
		}
		if !changed && len(s.running) == 0 {
			summary := s.summary(start)
			s.log.Error("scheduler stalled with %d pending tasks", s.count(task.StatusPending))
			return summary, fmt.Errorf("%w: pending %s", ErrStalled, strings.Join(s.pendingIDs(), ", "))
		}
		select {
		case <-ctx.Done():
			s.abort(ctx.Err())
			if s.observer != nil {
				s.observer(s.Snapshot())
			}
			return s.summary(start), ctx.Err()
		case <-time.After(s.interval):
		}
	}
	summary := s.summary(start)
	s.log.Info("scheduler finished: %d done, %d failed, %d unsatisfiable", len(summary.Done), len(summary.Failed), len(summary.Unsatisfiable))
	return summary, nil
}

// Step performs one tick: cascade, admission, completion. It reports whether
// any task changed status.
func (s *Scheduler) Step() bool {
	s.tick++
	changed := s.cascade()
	if s.admit() {
		changed = true
	}
	if s.complete() {
		changed = true
	}
	return changed
}

// Finished reports whether no task is pending or running.
func (s *Scheduler) Finished() bool {
	if len(s.running) > 0 {
		return false
	}
	for _, t := range s.tasks {
		if t.Status == task.StatusPending {
			return false
		}
	}
	return true
}

// Available returns the budget not reserved by running tasks.
func (s *Scheduler) Available() Budget {
	return s.available
}

// Snapshot captures the current state in declaration order.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Tick:      s.tick,
		Total:     s.total,
		Available: s.available,
		Tasks:     make([]TaskView, 0, len(s.tasks)),
	}
	now := time.Now()
	live := make(map[string]time.Time, len(s.running))
	for _, r := range s.running {
		live[r.task.ID] = r.started
	}
	for _, t := range s.tasks {
		view := TaskView{
			ID:      t.ID,
			Name:    t.Label(),
			Status:  t.Status,
			CPU:     t.CPU,
			Mem:     t.Mem,
			Elapsed: s.elapsed[t.ID],
			Err:     s.errs[t.ID],
		}
		if started, ok := live[t.ID]; ok {
			view.Elapsed = now.Sub(started)
		}
		snap.Tasks = append(snap.Tasks, view)
	}
	return snap
}

// cascade marks pending tasks with a failed dependency as unsatisfiable,
// repeating until nothing changes so transitive dependents settle in the
// same tick.
func (s *Scheduler) cascade() bool {
	changed := false
	for {
		progressed := false
		for _, t := range s.tasks {
			if t.Status != task.StatusPending {
				continue
			}
			if dep := s.failedDependency(t); dep != "" {
				_ = t.Transition(task.StatusUnsatisfiable)
				s.log.Warn("task %s unsatisfiable: dependency %s %s", t.ID, dep, s.byID[dep].Status)
				progressed = true
			}
		}
		if !progressed {
			return changed
		}
		changed = true
	}
}

func (s *Scheduler) failedDependency(t *task.Task) string {
	for _, dep := range t.Dependencies {
		if s.byID[dep].Status.Failed() {
			return dep
		}
	}
	return ""
}

func (s *Scheduler) dependenciesDone(t *task.Task) bool {
	for _, dep := range t.Dependencies {
		if s.byID[dep].Status != task.StatusDone {
			return false
		}
	}
	return true
}

// admit launches every pending task that fits the available budget and
// whose dependencies are done, in declaration order.
func (s *Scheduler) admit() bool {
	changed := false
	for _, t := range s.tasks {
		if t.Status != task.StatusPending || !s.available.fits(t) || !s.dependenciesDone(t) {
			continue
		}
		if err := t.Transition(task.StatusRunning); err != nil {
			continue
		}
		changed = true
		proc, err := s.launcher.Launch(t)
		if err != nil {
			_ = t.Transition(task.StatusError)
			s.errs[t.ID] = err.Error()
			s.log.Error("task %s launch failed: %v", t.ID, err)
			continue
		}
		s.available.CPU -= t.CPU
		s.available.Mem -= t.Mem
		s.running = append(s.running, &runningTask{task: t, proc: proc, started: time.Now()})
		s.log.Info("task %s started (cpu %d, mem %d)", t.ID, t.CPU, t.Mem)
	}
	return changed
}

// complete polls running tasks in the order they started and reclaims the
// ones that exited, up to the completion limit.
func (s *Scheduler) complete() bool {
	reclaimed := 0
	kept := s.running[:0]
	for i, r := range s.running {
		if s.limit > 0 && reclaimed >= s.limit {
			kept = append(kept, s.running[i:]...)
			break
		}
		exited, code, err := r.proc.Poll()
		if !exited {
			kept = append(kept, r)
			continue
		}
		s.finish(r, code, err)
		reclaimed++
	}
	for i := len(kept); i < len(s.running); i++ {
		s.running[i] = nil
	}
	s.running = kept
	return reclaimed > 0
}

func (s *Scheduler) finish(r *runningTask, code int, err error) {
	t := r.task
	s.available.CPU += t.CPU
	s.available.Mem += t.Mem
	s.elapsed[t.ID] = time.Since(r.started)
	switch {
	case err != nil:
		s.errs[t.ID] = err.Error()
	case code != 0:
		s.errs[t.ID] = fmt.Sprintf("exit status %d", code)
	case s.verify != nil:
		if verr := s.verify(t); verr != nil {
			s.errs[t.ID] = verr.Error()
		}
	}
	if msg, failed := s.errs[t.ID]; failed {
		_ = t.Transition(task.StatusError)
		s.log.Error("task %s failed after %s: %s", t.ID, s.elapsed[t.ID].Round(time.Millisecond), msg)
		return
	}
	_ = t.Transition(task.StatusDone)
	s.log.Info("task %s done in %s", t.ID, s.elapsed[t.ID].Round(time.Millisecond))
}

func (s *Scheduler) abort(cause error) {
	for _, r := range s.running {
		if err := r.proc.Terminate(); err != nil {
			s.log.Warn("task %s terminate: %v", r.task.ID, err)
		}
		s.finish(r, -1, cause)
	}
	s.running = nil
	s.cascade()
	s.log.Warn("scheduler aborted: %v", cause)
}

func (s *Scheduler) count(status task.Status) int {
	n := 0
	for _, t := range s.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

func (s *Scheduler) pendingIDs() []string {
	var ids []string
	for _, t := range s.tasks {
		if t.Status == task.StatusPending {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func (s *Scheduler) summary(start time.Time) Summary {
	sum := Summary{Ticks: s.tick, Elapsed: time.Since(start)}
	for _, t := range s.tasks {
		switch t.Status {
		case task.StatusDone:
			sum.Done = append(sum.Done, t.ID)
		case task.StatusError:
			sum.Failed = append(sum.Failed, t.ID)
		case task.StatusUnsatisfiable:
			sum.Unsatisfiable = append(sum.Unsatisfiable, t.ID)
		}
	}
	return sum
}
