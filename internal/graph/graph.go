// Package graph assembles expanded job instances into a dependency DAG.
package graph

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/conveyorci/conveyor/internal/matrix"
	"github.com/conveyorci/conveyor/internal/workflow"
)

// Node is one job instance inside a graph, with its dependency edges
// resolved to node indices.
type Node struct {
	Instance matrix.Instance

	// index is the declaration-order position of this node: jobs in
	// document order, instances in expansion order within a job.
	index int

	// TopoPos is the node's position in the deterministic topological
	// order. Dispatch priority is (TopoPos asc); since the topological
	// sort breaks ties by declaration index, this also encodes the
	// declaration-order tie-break.
	TopoPos int

	Deps       []int
	Dependents []int
}

// ID returns the node's instance identity.
func (n *Node) ID() string { return n.Instance.ID() }

// Index returns the node's declaration-order position in the graph.
func (n *Node) Index() int { return n.index }

// Graph is the dependency-ordered set of job instances for one run.
type Graph struct {
	Nodes []*Node
	byID  map[string]*Node
}

// Lookup returns the node with the given instance identity.
func (g *Graph) Lookup(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Build expands every job template of the definition and wires
// dependency edges: an instance depends on every instance of each job
// named in its template's needs. Unknown dependency names and cycles
// are rejected before anything runs.
func Build(def workflow.Definition) (*Graph, error) {
	g := &Graph{byID: make(map[string]*Node)}
	instancesByJob := make(map[string][]*Node, len(def.Jobs))

	for _, jobName := range def.JobOrder {
		template := def.Jobs[jobName]
		for _, need := range template.Needs {
			if _, ok := def.Jobs[need]; !ok {
				return nil, workflow.Configf("job %q needs unknown job %q", jobName, need)
			}
		}
		instances, err := matrix.Expand(template)
		if err != nil {
			return nil, err
		}
		for _, in := range instances {
			node := &Node{Instance: in, index: len(g.Nodes)}
			g.Nodes = append(g.Nodes, node)
			g.byID[node.ID()] = node
			instancesByJob[jobName] = append(instancesByJob[jobName], node)
		}
	}

	// Cross-join on dependencies: a dependent waits for all instances
	// of each needed job.
	for _, node := range g.Nodes {
		for _, need := range node.Instance.Needs {
			for _, dep := range instancesByJob[need] {
				node.Deps = append(node.Deps, dep.index)
				dep.Dependents = append(dep.Dependents, node.index)
			}
		}
	}

	if err := g.assignTopoOrder(); err != nil {
		return nil, err
	}
	return g, nil
}

// assignTopoOrder runs Kahn's algorithm with a min-heap over
// declaration indices, so the resulting order is deterministic. A
// partial order means a cycle.
func (g *Graph) assignTopoOrder() error {
	indeg := make([]int, len(g.Nodes))
	for _, node := range g.Nodes {
		indeg[node.index] = len(node.Deps)
	}

	ready := &intMinHeap{}
	heap.Init(ready)
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	pos := 0
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		g.Nodes[i].TopoPos = pos
		pos++
		for _, dep := range g.Nodes[i].Dependents {
			indeg[dep]--
			if indeg[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	if pos != len(g.Nodes) {
		stuck := make([]string, 0)
		seen := make(map[string]bool)
		for i, d := range indeg {
			job := g.Nodes[i].Instance.Job
			if d > 0 && !seen[job] {
				seen[job] = true
				stuck = append(stuck, job)
			}
		}
		return workflow.Configf("dependency cycle involving jobs: %s", strings.Join(stuck, ", "))
	}
	return nil
}

// Siblings returns the nodes sharing the given node's job name,
// excluding the node itself.
func (g *Graph) Siblings(node *Node) []*Node {
	var out []*Node
	for _, other := range g.Nodes {
		if other != node && other.Instance.Job == node.Instance.Job {
			out = append(out, other)
		}
	}
	return out
}

func (g *Graph) String() string {
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID())
	}
	return fmt.Sprintf("graph(%s)", strings.Join(ids, "; "))
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
