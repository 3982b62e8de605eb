package scheduler

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow/script"
)

// Process is a launched task. Poll must not block.
type Process interface {
	// Poll reports whether the process exited and, if so, its exit code. A
	// non-nil error means the outcome could not be determined.
	Poll() (exited bool, code int, err error)
	// Terminate asks the process and its children to stop.
	Terminate() error
}

// Launcher starts a task without waiting for it.
type Launcher interface {
	Launch(t *task.Task) (Process, error)
}

// ExecLauncher runs the generated script of tasks that have one, and the raw
// command through the shell otherwise.
type ExecLauncher struct {
	// Shell defaults to /bin/bash.
	Shell string
	// LogDir, when set, receives <name>.out and <name>.err for tasks without
	// a workdir. Their output is discarded otherwise.
	LogDir string
	// Dir is the working directory for tasks without a workdir.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(t *task.Task) (Process, error) {
	shell := l.Shell
	if shell == "" {
		shell = script.DefaultShell
	}
	var cmd *exec.Cmd
	if path := t.ScriptPath(); path != "" {
		cmd = exec.Command(shell, path)
	} else {
		cmd = exec.Command(shell, "-c", t.Command)
		cmd.Dir = l.Dir
	}
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	var files []*os.File
	if l.LogDir != "" && t.ScriptPath() == "" {
		if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("scheduler: ensure log dir: %w", err)
		}
		base := filepath.Join(l.LogDir, logName(t))
		stdout, err := os.Create(base + ".out")
		if err != nil {
			return nil, fmt.Errorf("scheduler: create stdout log: %w", err)
		}
		stderr, err := os.Create(base + ".err")
		if err != nil {
			stdout.Close()
			return nil, fmt.Errorf("scheduler: create stderr log: %w", err)
		}
		cmd.Stdout, cmd.Stderr = stdout, stderr
		files = append(files, stdout, stderr)
	}
	detach(cmd)
	if err := cmd.Start(); err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, fmt.Errorf("scheduler: start %s: %w", t.ID, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		for _, f := range files {
			f.Close()
		}
		close(p.done)
	}()
	return p, nil
}

func logName(t *task.Task) string {
	if t.Handle > 0 {
		return fmt.Sprintf("job_%d", t.Handle)
	}
	return task.Slug(t.ID)
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Poll() (bool, int, error) {
	select {
	case <-p.done:
	default:
		return false, 0, nil
	}
	var exitErr *exec.ExitError
	if p.err != nil && !errors.As(p.err, &exitErr) {
		return true, -1, p.err
	}
	return true, p.cmd.ProcessState.ExitCode(), nil
}

func (p *execProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return terminate(p.cmd)
}
