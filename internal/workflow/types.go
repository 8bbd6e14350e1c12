package workflow

import (
	"fmt"
	"time"
)

// Event kinds accepted by trigger rules.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

// Event is a repository event delivered by the source-control system.
type Event struct {
	Kind   string `json:"kind"`
	Branch string `json:"branch"`
}

// Definition is a parsed workflow document. Immutable once loaded.
type Definition struct {
	Path     string                 `json:"path"`
	Name     string                 `json:"name"`
	Triggers []TriggerRule          `json:"triggers"`
	JobOrder []string               `json:"job_order"`
	Jobs     map[string]JobTemplate `json:"jobs"`
}

// TriggerRule starts a run when an event of the given kind arrives and,
// if Branches is non-empty, the event branch matches one of the globs.
type TriggerRule struct {
	Event    string   `json:"event"`
	Branches []string `json:"branches,omitempty"`
}

// JobTemplate declares one job before matrix expansion.
type JobTemplate struct {
	Name   string      `json:"name"`
	RunsOn string      `json:"runs_on,omitempty"`
	Needs  []string    `json:"needs,omitempty"`
	Matrix *MatrixSpec `json:"matrix,omitempty"`
	Steps  []Step      `json:"steps"`
}

// MatrixSpec declares the axes a job template is expanded over.
// Axis order follows document declaration order so expansion is
// deterministic.
type MatrixSpec struct {
	Axes     []Axis `json:"axes"`
	FailFast bool   `json:"fail_fast"`
}

// Axis is one named dimension of a matrix.
type Axis struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Step is a tagged variant: exactly one of Command or Cache is set.
type Step struct {
	Name    string       `json:"name"`
	Command *CommandStep `json:"command,omitempty"`
	Cache   *CacheStep   `json:"cache,omitempty"`
}

// CommandStep runs an opaque external command.
type CommandStep struct {
	Run             string            `json:"run"`
	Shell           string            `json:"shell,omitempty"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
}

// CacheMode selects restore or save semantics for a cache step.
type CacheMode string

const (
	CacheRestore CacheMode = "restore"
	CacheSave    CacheMode = "save"
)

// CacheStep restores or saves a path against the cache backend, keyed
// on the content of KeyFiles plus the instance platform.
type CacheStep struct {
	Mode      CacheMode `json:"mode"`
	KeyPrefix string    `json:"key_prefix,omitempty"`
	KeyFiles  []string  `json:"key_files"`
	Path      string    `json:"path"`
}

// ConfigError marks problems detected before any job runs: malformed
// triggers, empty matrix axes, unknown dependencies, graph cycles.
// They abort the run and are reported distinctly from job failures.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
