package script

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"

	"github.com/kingrea/snapflow/internal/task"
	"github.com/kingrea/snapflow/internal/workflow/sentinel"
)

// Renderer turns a task into the contents of a directly executable script.
type Renderer interface {
	Render(t *task.Task) ([]byte, error)
}

// DefaultShell is the interpreter named in the script shebang.
const DefaultShell = "/bin/bash"

// Bash renders scripts that run the task command under bash and maintain the
// sentinel files in the task workdir.
type Bash struct {
	Shell string
	// NoChdir keeps the caller's working directory instead of the workdir.
	NoChdir bool
}

// NewBash returns a renderer that changes into the task workdir.
func NewBash() *Bash {
	return &Bash{Shell: DefaultShell}
}

var bashTemplate = template.Must(template.New("command.sh").Funcs(template.FuncMap{
	"quote": shellescape.Quote,
}).Parse(`#!{{.Shell}}
set -euo pipefail

workdir={{quote .Workdir}}
mkdir -p "$workdir"
{{- if .Chdir}}
cd "$workdir"
{{- end}}
rm -f "$workdir/{{.Done}}" "$workdir/{{.Error}}"
touch "$workdir/{{.Running}}"
start=$SECONDS

finish() {
  local status=$?
  if [ "$status" -ne 0 ]; then
    rm -f "$workdir/{{.Done}}"
    echo $(( SECONDS - start )) > "$workdir/{{.Error}}"
  fi
  rm -f "$workdir/{{.Running}}"
  exit "$status"
}
trap finish EXIT
{{range .Env}}
{{.}}
{{- end}}

{{.Invocation}} > "$workdir/{{.Stdout}}" 2> "$workdir/{{.Stderr}}"
echo $(( SECONDS - start )) > "$workdir/{{.Done}}"
{{- range .Publish}}
mkdir -p {{quote .Dir}}
cp -rf {{quote .From}} {{quote .Destination}}
{{- end}}
`))

type bashData struct {
	Shell      string
	Workdir    string
	Chdir      bool
	Env        []string
	Invocation string
	Publish    []task.Publish
	Done       string
	Error      string
	Running    string
	Stdout     string
	Stderr     string
}

// Render implements Renderer.
func (b *Bash) Render(t *task.Task) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("script: task is required")
	}
	if t.Workdir == "" {
		return nil, fmt.Errorf("script: task %s has no workdir", t.ID)
	}
	if !filepath.IsAbs(t.Workdir) {
		return nil, fmt.Errorf("script: task %s workdir %s is not absolute", t.ID, t.Workdir)
	}
	shell := b.Shell
	if shell == "" {
		shell = DefaultShell
	}
	data := bashData{
		Shell:      shell,
		Workdir:    t.Workdir,
		Chdir:      !b.NoChdir,
		Env:        t.Env,
		Invocation: invocation(t),
		Publish:    t.Publish,
		Done:       sentinel.FileDone,
		Error:      sentinel.FileError,
		Running:    sentinel.FileRunning,
		Stdout:     sentinel.FileStdout,
		Stderr:     sentinel.FileStderr,
	}
	var buf bytes.Buffer
	if err := bashTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("script: render %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

// invocation wraps the command so redirections apply to all of it. A
// containerised command is passed to the runtime as a single quoted argument.
func invocation(t *task.Task) string {
	command := strings.TrimSpace(t.Command)
	if command == "" {
		command = ":"
	}
	if t.Container == nil || t.Container.Image == "" {
		return "(\n" + command + "\n)"
	}
	runtime := t.Container.Runtime
	if runtime == "" {
		runtime = "singularity"
	}
	parts := []string{runtime, "exec"}
	for _, bind := range t.Container.Binds {
		parts = append(parts, "--bind", shellescape.Quote(bind))
	}
	parts = append(parts, shellescape.Quote(t.Container.Image), "bash", "-c", shellescape.Quote(command))
	return strings.Join(parts, " ")
}

// Write renders the script for t into its workdir and marks it executable.
func Write(r Renderer, t *task.Task) (string, error) {
	body, err := r.Render(t)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(t.Workdir, 0o755); err != nil {
		return "", fmt.Errorf("script: ensure workdir for %s: %w", t.ID, err)
	}
	path := t.ScriptPath()
	if err := os.WriteFile(path, body, 0o755); err != nil {
		return "", fmt.Errorf("script: write %s: %w", path, err)
	}
	return path, nil
}
