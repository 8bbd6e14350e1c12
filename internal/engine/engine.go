// Package engine walks a job graph to completion, dispatching ready
// instances to runner slots and folding completions back into the run
// result through a single decision loop.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/conveyorci/conveyor/internal/ctxlog"
	"github.com/conveyorci/conveyor/internal/graph"
	"github.com/conveyorci/conveyor/internal/matrix"
	"github.com/conveyorci/conveyor/internal/platform"
	"github.com/conveyorci/conveyor/internal/report"
	"github.com/conveyorci/conveyor/internal/workflow"
)

// CommandRunner executes a single command step.
type CommandRunner interface {
	Run(ctx context.Context, name string, step *workflow.CommandStep) report.StepResult
}

// CacheResolver keys, restores, and saves cache entries for cache
// steps. Implemented by internal/cache.Resolver.
type CacheResolver interface {
	Key(step *workflow.CacheStep, platform string) (string, error)
	Restore(key, path string) (bool, error)
	Save(key, path string) error
}

// RunContext carries per-run identity through component calls instead
// of ambient process state.
type RunContext struct {
	RunID    string
	Workflow string
	Event    workflow.Event
}

// Options configure an Engine.
type Options struct {
	// Slots caps how many instances may run at once across the run.
	Slots int
	// OSSlots optionally caps runners per os family. When set, an
	// instance constrained to a family with no entry has no runner and
	// fails with an infrastructure error.
	OSSlots map[string]int
	Runner  CommandRunner
	Cache   CacheResolver
	Now     func() time.Time
}

// Engine executes job graphs.
type Engine struct {
	opts Options
}

// New creates an engine. Runner is required.
func New(opts Options) *Engine {
	if opts.Slots <= 0 {
		opts.Slots = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OSSlots != nil {
		normalized := make(map[string]int, len(opts.OSSlots))
		for label, n := range opts.OSSlots {
			normalized[platform.Normalize(label)] = n
		}
		opts.OSSlots = normalized
	}
	return &Engine{opts: opts}
}

type completion struct {
	idx int
	res report.InstanceResult
}

// Execute runs the graph to completion and returns the per-instance
// results. Dependency edges establish happens-before: a dependent never
// starts until every instance it depends on is terminal. Cancelling ctx
// aborts the run cooperatively: running instances finish naturally,
// not-yet-started ones are marked cancelled.
func (e *Engine) Execute(ctx context.Context, rc RunContext, g *graph.Graph) report.RunResult {
	logger := ctxlog.FromContext(ctx).With("run_id", rc.RunID, "workflow", rc.Workflow)
	start := e.opts.Now()

	n := len(g.Nodes)
	states := make([]report.State, n)
	results := make([]report.InstanceResult, n)
	for i, node := range g.Nodes {
		states[i] = report.StatePending
		results[i] = report.InstanceResult{
			ID:     node.ID(),
			Job:    node.Instance.Job,
			Tuple:  node.Instance.Tuple.String(),
			RunsOn: node.Instance.RunsOn,
		}
	}

	// Dispatch priority: earliest topological position first; the
	// topological sort already breaks ties by declaration order.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return g.Nodes[order[a]].TopoPos < g.Nodes[order[b]].TopoPos
	})

	// Running instances must outlive an external abort.
	stepCtx := ctxlog.WithLogger(context.WithoutCancel(ctx), logger)

	done := make(chan completion)
	running := 0
	osUsed := make(map[string]int)
	nodeOS := make([]string, n)
	terminal := 0
	aborted := false

	markTerminal := func(i int, st report.State, class report.FailureClass) {
		states[i] = st
		results[i].State = st
		results[i].Class = class
		terminal++
	}

	// skipDependents transitively marks pending downstream instances as
	// skipped, labeled with the class of the upstream failure.
	var skipDependents func(i int, class report.FailureClass)
	skipDependents = func(i int, class report.FailureClass) {
		for _, dep := range g.Nodes[i].Dependents {
			if states[dep] == report.StatePending {
				logger.Debug("skipping dependent", "instance", g.Nodes[dep].ID())
				markTerminal(dep, report.StateSkipped, class)
				skipDependents(dep, class)
			}
		}
	}

	cancelSiblings := func(i int) {
		node := g.Nodes[i]
		if len(node.Instance.Tuple) == 0 || !node.Instance.FailFast {
			return
		}
		for _, sib := range g.Siblings(node) {
			j := sib.Index()
			if states[j] == report.StatePending {
				logger.Debug("fail-fast cancelling sibling", "instance", sib.ID())
				markTerminal(j, report.StateCancelled, report.ClassJob)
				skipDependents(j, report.ClassJob)
			}
		}
	}

	depsSucceeded := func(i int) bool {
		for _, dep := range g.Nodes[i].Deps {
			if states[dep] != report.StateSucceeded {
				return false
			}
		}
		return true
	}

	dispatch := func() {
		if aborted {
			return
		}
		for _, i := range order {
			if running >= e.opts.Slots {
				return
			}
			if states[i] != report.StatePending || !depsSucceeded(i) {
				continue
			}
			node := g.Nodes[i]
			os := platform.Normalize(node.Instance.RunsOn)
			if e.opts.OSSlots != nil && os != "" {
				limit := e.opts.OSSlots[os]
				if limit <= 0 {
					logger.Warn("no runner available", "instance", node.ID(), "os", os)
					results[i].Steps = append(results[i].Steps, report.StepResult{
						Name:   "dispatch",
						Status: report.StepFailed,
						Class:  report.ClassInfra,
						Note:   "no runner available for os " + os,
					})
					markTerminal(i, report.StateFailed, report.ClassInfra)
					cancelSiblings(i)
					skipDependents(i, report.ClassInfra)
					continue
				}
				if osUsed[os] >= limit {
					continue
				}
			}
			logger.Debug("dispatching", "instance", node.ID(), "os", os)
			states[i] = report.StateRunning
			nodeOS[i] = os
			osUsed[os]++
			running++
			idx := i
			go func() {
				done <- completion{idx: idx, res: e.runInstance(stepCtx, g.Nodes[idx])}
			}()
		}
	}

	abort := func() {
		aborted = true
		for i := range states {
			if states[i] == report.StatePending {
				markTerminal(i, report.StateCancelled, report.ClassNone)
			}
		}
	}

	dispatch()
	for terminal < n {
		if running == 0 {
			// Nothing in flight and nothing dispatchable: remaining
			// pending instances are unschedulable.
			dispatch()
			if running == 0 && terminal < n {
				abort()
				continue
			}
		}

		abortCh := ctx.Done()
		if aborted {
			abortCh = nil
		}

		select {
		case c := <-done:
			running--
			osUsed[nodeOS[c.idx]]--
			res := c.res
			markTerminal(c.idx, res.State, res.Class)
			results[c.idx] = res
			if res.State == report.StateFailed {
				logger.Info("instance failed", "instance", res.ID, "class", res.Class)
				cancelSiblings(c.idx)
				skipDependents(c.idx, res.Class)
			} else {
				logger.Debug("instance finished", "instance", res.ID, "state", res.State)
			}
			// A cancelled context must never dispatch new work, even when
			// the completion and the cancellation arrive together.
			if ctx.Err() != nil && !aborted {
				abort()
			}
			dispatch()
		case <-abortCh:
			logger.Info("run aborted, waiting for running instances")
			abort()
		}
	}

	duration := e.opts.Now().Sub(start)
	return report.RunResult{
		RunID:      rc.RunID,
		Workflow:   rc.Workflow,
		Event:      rc.Event,
		Instances:  results,
		Aborted:    aborted,
		StartedAt:  start,
		Duration:   duration,
		DurationMS: duration.Milliseconds(),
	}
}

// runInstance executes the instance's steps strictly sequentially. The
// first failing fatal step terminates the instance; remaining steps do
// not run. Cache steps never fail the instance.
func (e *Engine) runInstance(ctx context.Context, node *graph.Node) report.InstanceResult {
	in := node.Instance
	res := report.InstanceResult{
		ID:     node.ID(),
		Job:    in.Job,
		Tuple:  in.Tuple.String(),
		RunsOn: in.RunsOn,
		State:  report.StateSucceeded,
	}
	start := e.opts.Now()

	for _, step := range in.Steps {
		var sr report.StepResult
		switch {
		case step.Cache != nil:
			sr = e.runCacheStep(ctx, in, step)
		case step.Command != nil:
			sr = e.opts.Runner.Run(ctx, step.Name, step.Command)
		default:
			sr = report.StepResult{Name: step.Name, Status: report.StepSkipped, Note: "empty step"}
		}
		res.Steps = append(res.Steps, sr)
		if sr.Status == report.StepFailed && step.Cache == nil && !step.Command.ContinueOnError {
			res.State = report.StateFailed
			res.Class = sr.Class
			break
		}
	}

	res.Duration = e.opts.Now().Sub(start)
	res.DurationMS = res.Duration.Milliseconds()
	return res
}

// runCacheStep performs restore/save semantics. Misses are no-ops and
// backend failures degrade to a logged note; the cache is never a
// correctness dependency.
func (e *Engine) runCacheStep(ctx context.Context, in matrix.Instance, step workflow.Step) (sr report.StepResult) {
	logger := ctxlog.FromContext(ctx).With("instance", in.ID(), "step", step.Name)
	sr = report.StepResult{Name: step.Name, Status: report.StepPassed}
	start := e.opts.Now()
	defer func() {
		sr.Duration = e.opts.Now().Sub(start)
		sr.DurationMS = sr.Duration.Milliseconds()
	}()

	if e.opts.Cache == nil {
		sr.Status = report.StepSkipped
		sr.Note = "cache not configured"
		return sr
	}

	key, err := e.opts.Cache.Key(step.Cache, platform.Normalize(in.RunsOn))
	if err != nil {
		logger.Warn("cache key unavailable", "error", err)
		sr.Status = report.StepSkipped
		sr.Note = "cache key unavailable: " + err.Error()
		return sr
	}
	sr.CacheKey = key

	switch step.Cache.Mode {
	case workflow.CacheRestore:
		hit, err := e.opts.Cache.Restore(key, step.Cache.Path)
		if err != nil {
			logger.Warn("cache restore degraded to miss", "error", err)
			sr.Note = "cache restore degraded to miss: " + err.Error()
			return sr
		}
		sr.CacheHit = hit
		if !hit {
			sr.Note = "cache miss"
		}
	case workflow.CacheSave:
		if err := e.opts.Cache.Save(key, step.Cache.Path); err != nil {
			logger.Warn("cache save failed", "error", err)
			sr.Note = "cache save failed: " + err.Error()
		}
	}
	return sr
}
