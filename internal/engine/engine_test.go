package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/graph"
	"github.com/conveyorci/conveyor/internal/report"
	"github.com/conveyorci/conveyor/internal/workflow"
)

// scriptedRunner fakes command execution. Scripts listed in fail return
// a non-zero result; failCall (1-based) fails the nth invocation
// regardless of script; gates block a script until released.
type scriptedRunner struct {
	mu       sync.Mutex
	fail     map[string]bool
	failCall int
	calls    int
	started  []string
	gates    map[string]chan struct{}
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		fail:  make(map[string]bool),
		gates: make(map[string]chan struct{}),
	}
}

func (s *scriptedRunner) Run(ctx context.Context, name string, step *workflow.CommandStep) report.StepResult {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.started = append(s.started, step.Run)
	gate := s.gates[step.Run]
	shouldFail := s.fail[step.Run] || (s.failCall > 0 && call == s.failCall)
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if shouldFail {
		return report.StepResult{
			Name: name, Run: step.Run,
			Status: report.StepFailed, Class: report.ClassJob, ExitCode: 1,
		}
	}
	return report.StepResult{Name: name, Run: step.Run, Status: report.StepPassed}
}

func (s *scriptedRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedRunner) startedScripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.started...)
}

func runStep(script string) workflow.Step {
	return workflow.Step{Name: script, Command: &workflow.CommandStep{Run: script}}
}

func defFromJobs(jobs ...workflow.JobTemplate) workflow.Definition {
	def := workflow.Definition{Name: "CI", Jobs: make(map[string]workflow.JobTemplate)}
	for _, job := range jobs {
		def.JobOrder = append(def.JobOrder, job.Name)
		def.Jobs[job.Name] = job
	}
	return def
}

func mustBuild(t *testing.T, def workflow.Definition) *graph.Graph {
	t.Helper()
	g, err := graph.Build(def)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return g
}

func stateOf(t *testing.T, result report.RunResult, id string) report.InstanceResult {
	t.Helper()
	for _, in := range result.Instances {
		if in.ID == id {
			return in
		}
	}
	t.Fatalf("instance %q not found in result", id)
	return report.InstanceResult{}
}

func ciWorkflow(failFast bool) workflow.Definition {
	return defFromJobs(
		workflow.JobTemplate{Name: "build", Steps: []workflow.Step{runStep("make build")}},
		workflow.JobTemplate{
			Name: "test",
			Matrix: &workflow.MatrixSpec{
				FailFast: failFast,
				Axes:     []workflow.Axis{{Name: "os", Values: []string{"ubuntu", "macos"}}},
			},
			Steps: []workflow.Step{runStep("make test")},
		},
		workflow.JobTemplate{Name: "lint-static", Steps: []workflow.Step{runStep("make lint-static")}},
		workflow.JobTemplate{Name: "lint-format", Steps: []workflow.Step{runStep("make lint-format")}},
		workflow.JobTemplate{Name: "lint-spell", Steps: []workflow.Step{runStep("make lint-spell")}},
		workflow.JobTemplate{Name: "lint-links", Steps: []workflow.Step{runStep("make lint-links")}},
	)
}

func TestExecuteEndToEndAllSucceed(t *testing.T) {
	runner := newScriptedRunner()
	eng := New(Options{Slots: 3, Runner: runner})
	g := mustBuild(t, ciWorkflow(false))

	result := eng.Execute(context.Background(), RunContext{RunID: "r1", Workflow: "CI"}, g)

	if len(result.Instances) != 6 {
		t.Fatalf("expected 6 instances, got %d", len(result.Instances))
	}
	for _, in := range result.Instances {
		if in.State != report.StateSucceeded {
			t.Fatalf("instance %q: expected succeeded, got %q", in.ID, in.State)
		}
	}
	if result.Status() != report.StateSucceeded {
		t.Fatalf("expected run succeeded, got %q", result.Status())
	}
	summary := report.Summarize(result)
	if summary.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", summary.ExitCode)
	}
}

func TestExecuteFailedSiblingWithoutFailFast(t *testing.T) {
	runner := newScriptedRunner()
	// The matrix shares one script, so fail the first test invocation
	// only; the macos sibling must still run to a terminal state.
	eng := New(Options{Slots: 1, Runner: runner})
	g := mustBuild(t, ciWorkflow(false))
	runner.mu.Lock()
	runner.failCall = 2 // build is call 1, ubuntu test is call 2
	runner.mu.Unlock()

	result := eng.Execute(context.Background(), RunContext{RunID: "r2", Workflow: "CI"}, g)

	ubuntu := stateOf(t, result, "test (os=ubuntu)")
	if ubuntu.State != report.StateFailed {
		t.Fatalf("expected ubuntu test failed, got %q", ubuntu.State)
	}
	macos := stateOf(t, result, "test (os=macos)")
	if macos.State != report.StateSucceeded {
		t.Fatalf("expected macos test to finish, got %q", macos.State)
	}
	if result.Status() != report.StateFailed {
		t.Fatalf("expected run failed, got %q", result.Status())
	}
	if ubuntu.Class != report.ClassJob {
		t.Fatalf("expected job failure class, got %q", ubuntu.Class)
	}
}

func TestExecuteFailFastCancelsUnstartedSiblings(t *testing.T) {
	runner := newScriptedRunner()
	runner.failCall = 1
	eng := New(Options{Slots: 1, Runner: runner})
	g := mustBuild(t, defFromJobs(workflow.JobTemplate{
		Name: "test",
		Matrix: &workflow.MatrixSpec{
			FailFast: true,
			Axes:     []workflow.Axis{{Name: "os", Values: []string{"a", "b", "c"}}},
		},
		Steps: []workflow.Step{runStep("make test")},
	}))

	result := eng.Execute(context.Background(), RunContext{RunID: "r3", Workflow: "CI"}, g)

	if got := runner.callCount(); got != 1 {
		t.Fatalf("expected exactly 1 command invocation, got %d", got)
	}
	if in := stateOf(t, result, "test (os=a)"); in.State != report.StateFailed {
		t.Fatalf("expected first instance failed, got %q", in.State)
	}
	for _, id := range []string{"test (os=b)", "test (os=c)"} {
		if in := stateOf(t, result, id); in.State != report.StateCancelled {
			t.Fatalf("expected %q cancelled, got %q", id, in.State)
		}
	}
}

func TestExecuteDependencyFailurePropagatesSkip(t *testing.T) {
	runner := newScriptedRunner()
	runner.fail["make y"] = true
	eng := New(Options{Slots: 2, Runner: runner})
	g := mustBuild(t, defFromJobs(
		workflow.JobTemplate{Name: "y", Steps: []workflow.Step{runStep("make y")}},
		workflow.JobTemplate{Name: "x", Needs: []string{"y"}, Steps: []workflow.Step{runStep("make x")}},
		workflow.JobTemplate{Name: "z", Needs: []string{"x"}, Steps: []workflow.Step{runStep("make z")}},
	))

	result := eng.Execute(context.Background(), RunContext{RunID: "r4", Workflow: "CI"}, g)

	if got := runner.callCount(); got != 1 {
		t.Fatalf("expected only y to run, got %d invocations", got)
	}
	if in := stateOf(t, result, "y"); in.State != report.StateFailed {
		t.Fatalf("expected y failed, got %q", in.State)
	}
	for _, id := range []string{"x", "z"} {
		in := stateOf(t, result, id)
		if in.State != report.StateSkipped {
			t.Fatalf("expected %q skipped, got %q", id, in.State)
		}
		if in.Class != report.ClassJob {
			t.Fatalf("expected %q labeled with upstream job class, got %q", id, in.Class)
		}
	}
}

func TestExecuteDependencyHappensBefore(t *testing.T) {
	runner := newScriptedRunner()
	eng := New(Options{Slots: 4, Runner: runner})
	g := mustBuild(t, defFromJobs(
		workflow.JobTemplate{Name: "deploy", Needs: []string{"build"}, Steps: []workflow.Step{runStep("make deploy")}},
		workflow.JobTemplate{Name: "build", Steps: []workflow.Step{runStep("make build")}},
	))

	result := eng.Execute(context.Background(), RunContext{RunID: "r5", Workflow: "CI"}, g)

	if result.Status() != report.StateSucceeded {
		t.Fatalf("expected success, got %q", result.Status())
	}
	started := runner.startedScripts()
	if len(started) != 2 || started[0] != "make build" || started[1] != "make deploy" {
		t.Fatalf("expected build before deploy, got %v", started)
	}
}

func TestExecuteNoRunnerForOSIsInfraFailure(t *testing.T) {
	runner := newScriptedRunner()
	eng := New(Options{Slots: 2, Runner: runner, OSSlots: map[string]int{"linux": 1}})
	g := mustBuild(t, defFromJobs(
		workflow.JobTemplate{Name: "test", RunsOn: "macos", Steps: []workflow.Step{runStep("make test")}},
		workflow.JobTemplate{Name: "publish", Needs: []string{"test"}, Steps: []workflow.Step{runStep("make publish")}},
	))

	result := eng.Execute(context.Background(), RunContext{RunID: "r6", Workflow: "CI"}, g)

	test := stateOf(t, result, "test")
	if test.State != report.StateFailed || test.Class != report.ClassInfra {
		t.Fatalf("expected infra failure, got state %q class %q", test.State, test.Class)
	}
	publish := stateOf(t, result, "publish")
	if publish.State != report.StateSkipped || publish.Class != report.ClassInfra {
		t.Fatalf("expected publish skipped with infra class, got state %q class %q", publish.State, publish.Class)
	}
	if got := runner.callCount(); got != 0 {
		t.Fatalf("expected no command invocations, got %d", got)
	}
}

func TestExecuteContinueOnError(t *testing.T) {
	runner := newScriptedRunner()
	runner.fail["make flaky"] = true
	eng := New(Options{Slots: 1, Runner: runner})
	g := mustBuild(t, defFromJobs(workflow.JobTemplate{
		Name: "build",
		Steps: []workflow.Step{
			{Name: "flaky", Command: &workflow.CommandStep{Run: "make flaky", ContinueOnError: true}},
			runStep("make build"),
		},
	}))

	result := eng.Execute(context.Background(), RunContext{RunID: "r7", Workflow: "CI"}, g)

	in := stateOf(t, result, "build")
	if in.State != report.StateSucceeded {
		t.Fatalf("expected build succeeded despite flaky step, got %q", in.State)
	}
	if got := runner.callCount(); got != 2 {
		t.Fatalf("expected both steps to run, got %d", got)
	}
}

func TestExecuteFatalStepSkipsRemainingSteps(t *testing.T) {
	runner := newScriptedRunner()
	runner.fail["make compile"] = true
	eng := New(Options{Slots: 1, Runner: runner})
	g := mustBuild(t, defFromJobs(workflow.JobTemplate{
		Name:  "build",
		Steps: []workflow.Step{runStep("make compile"), runStep("make package")},
	}))

	result := eng.Execute(context.Background(), RunContext{RunID: "r8", Workflow: "CI"}, g)

	in := stateOf(t, result, "build")
	if in.State != report.StateFailed {
		t.Fatalf("expected build failed, got %q", in.State)
	}
	if len(in.Steps) != 1 {
		t.Fatalf("expected execution to stop after the fatal step, got %d step results", len(in.Steps))
	}
	if got := runner.callCount(); got != 1 {
		t.Fatalf("expected 1 invocation, got %d", got)
	}
}

// fakeCache drives cache-step behaviour without a real backend.
type fakeCache struct {
	keyErr   error
	hit      bool
	saveErr  error
	restores []string
	saves    []string
}

func (f *fakeCache) Key(step *workflow.CacheStep, platform string) (string, error) {
	if f.keyErr != nil {
		return "", f.keyErr
	}
	return "key-" + step.KeyPrefix + "-" + platform, nil
}

func (f *fakeCache) Restore(key, path string) (bool, error) {
	f.restores = append(f.restores, key)
	return f.hit, nil
}

func (f *fakeCache) Save(key, path string) error {
	f.saves = append(f.saves, key)
	return f.saveErr
}

func TestExecuteCacheIsBestEffort(t *testing.T) {
	runner := newScriptedRunner()
	fc := &fakeCache{hit: false, saveErr: errors.New("backend unavailable")}
	eng := New(Options{Slots: 1, Runner: runner, Cache: fc})
	g := mustBuild(t, defFromJobs(workflow.JobTemplate{
		Name:   "build",
		RunsOn: "ubuntu",
		Steps: []workflow.Step{
			{Name: "restore", Cache: &workflow.CacheStep{Mode: workflow.CacheRestore, KeyPrefix: "mods", KeyFiles: []string{"go.sum"}, Path: "vendor"}},
			runStep("make build"),
			{Name: "save", Cache: &workflow.CacheStep{Mode: workflow.CacheSave, KeyPrefix: "mods", KeyFiles: []string{"go.sum"}, Path: "vendor"}},
		},
	}))

	result := eng.Execute(context.Background(), RunContext{RunID: "r9", Workflow: "CI"}, g)

	in := stateOf(t, result, "build")
	if in.State != report.StateSucceeded {
		t.Fatalf("expected cache problems to stay non-fatal, got %q", in.State)
	}
	if len(in.Steps) != 3 {
		t.Fatalf("expected 3 step results, got %d", len(in.Steps))
	}
	if in.Steps[0].CacheHit {
		t.Fatalf("expected restore miss")
	}
	if len(fc.restores) != 1 || len(fc.saves) != 1 {
		t.Fatalf("expected one restore and one save, got %d and %d", len(fc.restores), len(fc.saves))
	}
}

func TestExecuteCacheKeyFailureDegrades(t *testing.T) {
	runner := newScriptedRunner()
	fc := &fakeCache{keyErr: errors.New("lockfile missing")}
	eng := New(Options{Slots: 1, Runner: runner, Cache: fc})
	g := mustBuild(t, defFromJobs(workflow.JobTemplate{
		Name: "build",
		Steps: []workflow.Step{
			{Name: "restore", Cache: &workflow.CacheStep{Mode: workflow.CacheRestore, KeyFiles: []string{"go.sum"}, Path: "vendor"}},
			runStep("make build"),
		},
	}))

	result := eng.Execute(context.Background(), RunContext{RunID: "r10", Workflow: "CI"}, g)

	in := stateOf(t, result, "build")
	if in.State != report.StateSucceeded {
		t.Fatalf("expected key failure to stay non-fatal, got %q", in.State)
	}
	if in.Steps[0].Status != report.StepSkipped {
		t.Fatalf("expected degraded cache step to be skipped, got %q", in.Steps[0].Status)
	}
}

func TestExecuteAbortCancelsPending(t *testing.T) {
	runner := newScriptedRunner()
	gate := make(chan struct{})
	runner.gates["make slow"] = gate
	eng := New(Options{Slots: 1, Runner: runner})
	g := mustBuild(t, defFromJobs(
		workflow.JobTemplate{Name: "slow", Steps: []workflow.Step{runStep("make slow")}},
		workflow.JobTemplate{Name: "later", Steps: []workflow.Step{runStep("make later")}},
	))

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan report.RunResult, 1)
	go func() {
		results <- eng.Execute(ctx, RunContext{RunID: "r11", Workflow: "CI"}, g)
	}()

	// Wait until the slow instance is actually running, then abort.
	deadline := time.After(2 * time.Second)
	for runner.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("slow instance never started")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	close(gate)

	result := <-results
	if in := stateOf(t, result, "slow"); in.State != report.StateSucceeded {
		t.Fatalf("expected running instance to finish naturally, got %q", in.State)
	}
	if in := stateOf(t, result, "later"); in.State != report.StateCancelled {
		t.Fatalf("expected pending instance cancelled, got %q", in.State)
	}
	if !result.Aborted {
		t.Fatalf("expected run marked aborted")
	}
	if result.Status() != report.StateCancelled {
		t.Fatalf("expected cancelled run status, got %q", result.Status())
	}
}

func TestExecuteSlotLimitBoundsConcurrency(t *testing.T) {
	runner := newScriptedRunner()
	eng := New(Options{Slots: 1, Runner: runner})
	g := mustBuild(t, ciWorkflow(false))

	result := eng.Execute(context.Background(), RunContext{RunID: "r12", Workflow: "CI"}, g)
	if result.Status() != report.StateSucceeded {
		t.Fatalf("expected success, got %q", result.Status())
	}
	// With one slot dispatch follows topological then declaration order.
	started := runner.startedScripts()
	want := []string{"make build", "make test", "make test", "make lint-static", "make lint-format", "make lint-spell", "make lint-links"}
	if len(started) != len(want) {
		t.Fatalf("expected %d invocations, got %d (%v)", len(want), len(started), started)
	}
	for i := range want {
		if started[i] != want[i] {
			t.Fatalf("invocation %d: expected %q, got %q", i, want[i], started[i])
		}
	}
}
