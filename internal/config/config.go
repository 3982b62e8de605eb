// internal/config/config.go
//
// This package handles configuration and the .snapflow directory structure.
// Every project that runs snapflow gets a .snapflow/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the name of the directory created in each project.
	Dir = ".snapflow"

	// DrainAll reclaims every finished task on each scheduler tick.
	DrainAll = "all"
	// DrainOne reclaims at most one finished task per tick.
	DrainOne = "one"

	defaultInterval = 100 * time.Millisecond
)

const defaultProjectConfigYAML = `# snapflow project configuration
version: 1

# Total budget shared by all running tasks. Zero means "detect from host":
# every core, and total memory minus a small safety margin.
scheduler:
  cpus: 0
  mem_gb: 0
  interval: 100ms
  # all: reclaim every finished task per tick; one: at most one per tick.
  drain: all

# Resource request applied to tasks that do not set their own.
defaults:
  cpu: 1
  mem: 1
  time: 2h
  qos: local

describe:
  name_prefix: ""

# Wrap every command in a container image.
# container:
#   image: /images/tools.sif
#   binds:
#     - /data
`

// SchedulerConfig holds the budget and loop settings.
type SchedulerConfig struct {
	CPUs     int    `yaml:"cpus"`
	MemGB    int    `yaml:"mem_gb"`
	Interval string `yaml:"interval"`
	Drain    string `yaml:"drain"`
}

// TaskDefaults is the resource request used when a task leaves one unset.
type TaskDefaults struct {
	CPU  int    `yaml:"cpu"`
	Mem  int    `yaml:"mem"`
	Time string `yaml:"time"`
	QOS  string `yaml:"qos"`
}

// DescribeConfig tunes describe-only output.
type DescribeConfig struct {
	NamePrefix string `yaml:"name_prefix"`
}

// ContainerConfig wraps commands in a container runtime.
type ContainerConfig struct {
	Runtime string   `yaml:"runtime,omitempty"`
	Image   string   `yaml:"image,omitempty"`
	Binds   []string `yaml:"binds,omitempty"`
}

// ProjectConfig models .snapflow/config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Defaults  TaskDefaults    `yaml:"defaults"`
	Describe  DescribeConfig  `yaml:"describe"`
	Container ContainerConfig `yaml:"container,omitempty"`
}

// Config holds the runtime configuration for a project.
type Config struct {
	// ProjectDir is the directory snapflow was started from.
	ProjectDir string

	// StateDir is ProjectDir/.snapflow
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .snapflow directory structure in projectDir and writes
// a commented default config when none exists.
//
// .snapflow/
// ├── config.yaml
// └── logs/
func InitDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(filepath.Join(stateDir, "logs"), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", stateDir, err)
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// Load reads the project configuration. A missing config file yields the
// defaults.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StateDir:   filepath.Join(abs, Dir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// LogPath returns the logbook file.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "snapflow.log")
}

// LockPath returns the marker that serializes runs in one project.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "run")
}

// Interval returns the pause between scheduler ticks.
func (c *Config) Interval() time.Duration {
	d, err := time.ParseDuration(c.Project.Scheduler.Interval)
	if err != nil || d <= 0 {
		return defaultInterval
	}
	return d
}

// DrainOne reports whether the scheduler should reclaim a single finished
// task per tick.
func (c *Config) DrainOne() bool {
	return c.Project.Scheduler.Drain == DrainOne
}

// CPUs returns the configured CPU budget, falling back to the host.
func (c *Config) CPUs() int {
	if c.Project.Scheduler.CPUs > 0 {
		return c.Project.Scheduler.CPUs
	}
	return HostCPUs()
}

// MemGB returns the configured memory budget, falling back to the host.
func (c *Config) MemGB() int {
	if c.Project.Scheduler.MemGB > 0 {
		return c.Project.Scheduler.MemGB
	}
	return HostMemGB()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Scheduler.Interval) == "" {
		pc.Scheduler.Interval = defaultInterval.String()
	}
	if strings.TrimSpace(pc.Scheduler.Drain) == "" {
		pc.Scheduler.Drain = DrainAll
	}
	if pc.Defaults.CPU == 0 {
		pc.Defaults.CPU = 1
	}
	if pc.Defaults.Mem == 0 {
		pc.Defaults.Mem = 1
	}
	if strings.TrimSpace(pc.Defaults.Time) == "" {
		pc.Defaults.Time = "2h"
	}
	if strings.TrimSpace(pc.Defaults.QOS) == "" {
		pc.Defaults.QOS = "local"
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Scheduler.Drain = strings.ToLower(strings.TrimSpace(pc.Scheduler.Drain))
	pc.Describe.NamePrefix = strings.TrimSpace(pc.Describe.NamePrefix)
	pc.Container.Runtime = strings.TrimSpace(pc.Container.Runtime)
	pc.Container.Image = resolvePath(base, pc.Container.Image)
	for i, bind := range pc.Container.Binds {
		pc.Container.Binds[i] = strings.TrimSpace(bind)
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Scheduler.CPUs < 0 {
		return fmt.Errorf("scheduler.cpus must not be negative")
	}
	if pc.Scheduler.MemGB < 0 {
		return fmt.Errorf("scheduler.mem_gb must not be negative")
	}
	if d, err := time.ParseDuration(pc.Scheduler.Interval); err != nil || d <= 0 {
		return fmt.Errorf("scheduler.interval must be a positive duration, got %q", pc.Scheduler.Interval)
	}
	switch pc.Scheduler.Drain {
	case DrainAll, DrainOne:
	default:
		return fmt.Errorf("scheduler.drain must be 'all' or 'one'")
	}
	if pc.Defaults.CPU < 1 || pc.Defaults.Mem < 1 {
		return fmt.Errorf("defaults.cpu and defaults.mem must be >= 1")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
