// Package matrix expands job templates across their declared axes.
package matrix

import (
	"fmt"
	"strings"

	"github.com/conveyorci/conveyor/internal/workflow"
)

// OSAxis is the reserved axis name that binds an instance's runner
// platform constraint in addition to its matrix tuple.
const OSAxis = "os"

// Binding pairs one axis with the value an instance is bound to.
type Binding struct {
	Axis  string `json:"axis"`
	Value string `json:"value"`
}

// Tuple is an ordered set of bindings, one per axis, in axis
// declaration order.
type Tuple []Binding

// String renders the tuple as "k=v, k=v" for identity display.
func (t Tuple) String() string {
	parts := make([]string, 0, len(t))
	for _, b := range t {
		parts = append(parts, fmt.Sprintf("%s=%s", b.Axis, b.Value))
	}
	return strings.Join(parts, ", ")
}

// Value returns the bound value for an axis, or "" when absent.
func (t Tuple) Value(axis string) string {
	for _, b := range t {
		if b.Axis == axis {
			return b.Value
		}
	}
	return ""
}

// Instance is a job template bound to one concrete matrix tuple.
// Identity is (job name, tuple); steps and dependencies are inherited
// from the template unmodified.
type Instance struct {
	Job      string          `json:"job"`
	Tuple    Tuple           `json:"tuple,omitempty"`
	RunsOn   string          `json:"runs_on,omitempty"`
	Needs    []string        `json:"needs,omitempty"`
	Steps    []workflow.Step `json:"steps"`
	FailFast bool            `json:"fail_fast"`
}

// ID renders the instance identity, e.g. `test (os=macos)`.
func (in Instance) ID() string {
	if len(in.Tuple) == 0 {
		return in.Job
	}
	return fmt.Sprintf("%s (%s)", in.Job, in.Tuple)
}

// Expand produces the concrete instances for a template. Without a
// matrix it returns exactly one instance with an empty tuple. With a
// matrix it returns the Cartesian product of all axes, axis declaration
// order outermost, value order innermost, so the same template always
// expands to the same sequence.
func Expand(template workflow.JobTemplate) ([]Instance, error) {
	if template.Matrix == nil {
		return []Instance{newInstance(template, nil, false)}, nil
	}

	for _, axis := range template.Matrix.Axes {
		if len(axis.Values) == 0 {
			return nil, workflow.Configf("job %q: matrix axis %q has no values", template.Name, axis.Name)
		}
	}

	tuples := []Tuple{{}}
	for _, axis := range template.Matrix.Axes {
		next := make([]Tuple, 0, len(tuples)*len(axis.Values))
		for _, prefix := range tuples {
			for _, value := range axis.Values {
				tuple := make(Tuple, len(prefix), len(prefix)+1)
				copy(tuple, prefix)
				next = append(next, append(tuple, Binding{Axis: axis.Name, Value: value}))
			}
		}
		tuples = next
	}

	instances := make([]Instance, 0, len(tuples))
	for _, tuple := range tuples {
		instances = append(instances, newInstance(template, tuple, template.Matrix.FailFast))
	}
	return instances, nil
}

func newInstance(template workflow.JobTemplate, tuple Tuple, failFast bool) Instance {
	in := Instance{
		Job:      template.Name,
		Tuple:    tuple,
		RunsOn:   template.RunsOn,
		Needs:    append([]string{}, template.Needs...),
		Steps:    template.Steps,
		FailFast: failFast,
	}
	if os := tuple.Value(OSAxis); os != "" {
		in.RunsOn = os
	}
	return in
}
