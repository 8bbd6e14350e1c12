// Package report models per-instance outcomes and aggregates them into
// the final run document.
package report

import (
	"time"

	"github.com/conveyorci/conveyor/internal/workflow"
)

// State is a job instance lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateSkipped   State = "skipped"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSkipped:
		return true
	default:
		return false
	}
}

// FailureClass separates why an instance did not succeed.
type FailureClass string

const (
	ClassNone   FailureClass = ""
	ClassConfig FailureClass = "configuration"
	ClassJob    FailureClass = "job"
	ClassInfra  FailureClass = "infrastructure"
)

// Step statuses.
const (
	StepPassed  = "passed"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// StepResult captures the outcome of a single step.
type StepResult struct {
	Name       string        `json:"name"`
	Run        string        `json:"run,omitempty"`
	Status     string        `json:"status"`
	Class      FailureClass  `json:"class,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	CacheKey   string        `json:"cache_key,omitempty"`
	CacheHit   bool          `json:"cache_hit,omitempty"`
	Note       string        `json:"note,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// InstanceResult is the terminal record for one job instance.
type InstanceResult struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	Tuple      string        `json:"tuple,omitempty"`
	RunsOn     string        `json:"runs_on,omitempty"`
	State      State         `json:"state"`
	Class      FailureClass  `json:"class,omitempty"`
	Steps      []StepResult  `json:"steps,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// RunResult maps every instance of one run to its terminal state.
type RunResult struct {
	RunID      string           `json:"run_id"`
	Workflow   string           `json:"workflow"`
	Event      workflow.Event   `json:"event"`
	Instances  []InstanceResult `json:"instances"`
	Aborted    bool             `json:"aborted,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"-"`
	DurationMS int64            `json:"duration_ms"`
}

// Status derives the overall run status: Failed if any instance failed,
// else Cancelled if the run was aborted or any instance was cancelled,
// else Succeeded.
func (r RunResult) Status() State {
	anyCancelled := r.Aborted
	for _, in := range r.Instances {
		switch in.State {
		case StateFailed:
			return StateFailed
		case StateCancelled:
			anyCancelled = true
		}
	}
	if anyCancelled {
		return StateCancelled
	}
	return StateSucceeded
}

// Summary aggregates a run for display and exit-code decisions.
type Summary struct {
	Status     State         `json:"status"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	Skipped    int           `json:"skipped"`
	ConfigErrs int           `json:"configuration_failures"`
	JobErrs    int           `json:"job_failures"`
	InfraErrs  int           `json:"infrastructure_failures"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	ExitCode   int           `json:"exit_code"`
}

// Summarize is a pure aggregation over the run result.
func Summarize(r RunResult) Summary {
	s := Summary{
		Status:     r.Status(),
		Total:      len(r.Instances),
		Duration:   r.Duration,
		DurationMS: r.Duration.Milliseconds(),
	}
	for _, in := range r.Instances {
		switch in.State {
		case StateSucceeded:
			s.Succeeded++
		case StateFailed:
			s.Failed++
		case StateCancelled:
			s.Cancelled++
		case StateSkipped:
			s.Skipped++
		}
		switch in.Class {
		case ClassConfig:
			s.ConfigErrs++
		case ClassJob:
			s.JobErrs++
		case ClassInfra:
			s.InfraErrs++
		}
	}
	if s.Status != StateSucceeded {
		s.ExitCode = 1
	}
	return s
}
