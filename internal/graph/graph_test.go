package graph

import (
	"errors"
	"testing"

	"github.com/conveyorci/conveyor/internal/workflow"
)

func defFromJobs(jobs ...workflow.JobTemplate) workflow.Definition {
	def := workflow.Definition{Name: "CI", Jobs: make(map[string]workflow.JobTemplate)}
	for _, job := range jobs {
		def.JobOrder = append(def.JobOrder, job.Name)
		def.Jobs[job.Name] = job
	}
	return def
}

func TestBuildCrossJoinsDependencies(t *testing.T) {
	def := defFromJobs(
		workflow.JobTemplate{
			Name: "test",
			Matrix: &workflow.MatrixSpec{
				Axes: []workflow.Axis{{Name: "os", Values: []string{"ubuntu", "macos"}}},
			},
		},
		workflow.JobTemplate{Name: "publish", Needs: []string{"test"}},
	)

	g, err := Build(def)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(g.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(g.Nodes))
	}

	publish, ok := g.Lookup("publish")
	if !ok {
		t.Fatalf("publish instance not found")
	}
	if len(publish.Deps) != 2 {
		t.Fatalf("expected publish to wait on both test instances, got %d deps", len(publish.Deps))
	}
	for _, dep := range publish.Deps {
		if g.Nodes[dep].Instance.Job != "test" {
			t.Fatalf("unexpected dependency %q", g.Nodes[dep].ID())
		}
	}
}

func TestBuildTopologicalPositions(t *testing.T) {
	def := defFromJobs(
		workflow.JobTemplate{Name: "deploy", Needs: []string{"build"}},
		workflow.JobTemplate{Name: "build"},
	)
	g, err := Build(def)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	build, _ := g.Lookup("build")
	deploy, _ := g.Lookup("deploy")
	if build.TopoPos >= deploy.TopoPos {
		t.Fatalf("expected build before deploy, got %d and %d", build.TopoPos, deploy.TopoPos)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	def := defFromJobs(workflow.JobTemplate{Name: "deploy", Needs: []string{"missing"}})
	_, err := Build(def)
	if err == nil {
		t.Fatalf("expected error for unknown dependency")
	}
	var cfgErr *workflow.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
}

func TestBuildCycleDetected(t *testing.T) {
	def := defFromJobs(
		workflow.JobTemplate{Name: "a", Needs: []string{"c"}},
		workflow.JobTemplate{Name: "b", Needs: []string{"a"}},
		workflow.JobTemplate{Name: "c", Needs: []string{"b"}},
	)
	_, err := Build(def)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	var cfgErr *workflow.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
}

func TestBuildSelfCycle(t *testing.T) {
	def := defFromJobs(workflow.JobTemplate{Name: "a", Needs: []string{"a"}})
	if _, err := Build(def); err == nil {
		t.Fatalf("expected cycle error for self dependency")
	}
}

func TestSiblings(t *testing.T) {
	def := defFromJobs(
		workflow.JobTemplate{
			Name: "test",
			Matrix: &workflow.MatrixSpec{
				FailFast: true,
				Axes:     []workflow.Axis{{Name: "os", Values: []string{"ubuntu", "macos", "windows"}}},
			},
		},
		workflow.JobTemplate{Name: "build"},
	)
	g, err := Build(def)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	first, ok := g.Lookup("test (os=ubuntu)")
	if !ok {
		t.Fatalf("ubuntu test instance not found")
	}
	sibs := g.Siblings(first)
	if len(sibs) != 2 {
		t.Fatalf("expected 2 siblings, got %d", len(sibs))
	}
	for _, sib := range sibs {
		if sib.Instance.Job != "test" {
			t.Fatalf("unexpected sibling %q", sib.ID())
		}
	}
}
