// Package dag validates workflow graphs and computes execution plans.
// Planning runs once per execution, is O(V+E), and is the only place that
// rejects malformed graphs; everything downstream can assume a valid DAG.
package dag

import (
	"fmt"
	"sort"

	"github.com/orcaflow/orcaflow/internal/core"
)

// Plan is the analyzed form of a workflow the scheduler consumes.
// Dependencies and Dependents drive the ready-set bookkeeping; Layers is the
// initial seed only (layer 0 is the root set). Within a layer the order is
// lexicographic by node id so replays are deterministic.
type Plan struct {
	Layers       [][]string
	Dependencies map[string][]string
	Dependents   map[string][]string
	// EdgesByTarget groups incoming edges per node, in lexicographic order
	// of their source ids, for input assembly and condition evaluation.
	EdgesByTarget map[string][]core.Edge
}

// Analyze validates the workflow and computes the plan. It fails with
// EmptyGraph when the workflow has no nodes, DanglingEdge when an edge names
// an unknown node, and CycleDetected when Kahn's algorithm terminates with
// unvisited nodes.
func Analyze(wf *core.Workflow) (*Plan, error) {
	if len(wf.Nodes) == 0 {
		return nil, core.NewError(core.KindEmptyGraph, "workflow %s has no nodes", wf.ID)
	}

	ids := make(map[string]struct{}, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return nil, core.NewError(core.KindValidation, "workflow %s has a node with empty id", wf.ID)
		}
		if n.Type == "" {
			return nil, core.NewError(core.KindValidation, "node %s has empty type", n.ID)
		}
		if _, ok := ids[n.ID]; ok {
			return nil, core.NewError(core.KindValidation, "duplicate node id %s", n.ID)
		}
		ids[n.ID] = struct{}{}
	}

	plan := &Plan{
		Dependencies:  make(map[string][]string, len(wf.Nodes)),
		Dependents:    make(map[string][]string, len(wf.Nodes)),
		EdgesByTarget: make(map[string][]core.Edge),
	}
	for _, n := range wf.Nodes {
		plan.Dependencies[n.ID] = nil
		plan.Dependents[n.ID] = nil
	}

	seen := make(map[[2]string]struct{}, len(wf.Edges))
	for _, e := range wf.Edges {
		if _, ok := ids[e.Source]; !ok {
			return nil, core.NewError(core.KindDanglingEdge, "edge references unknown node %s", e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return nil, core.NewError(core.KindDanglingEdge, "edge references unknown node %s", e.Target)
		}
		if e.Condition != nil {
			if err := e.Condition.Validate(); err != nil {
				return nil, core.NewError(core.KindValidation, "edge %s->%s: %s", e.Source, e.Target, err)
			}
		}
		plan.EdgesByTarget[e.Target] = append(plan.EdgesByTarget[e.Target], e)
		// Parallel edges between the same pair carry distinct slot bindings;
		// the dependency relation itself is recorded once.
		key := [2]string{e.Source, e.Target}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		plan.Dependencies[e.Target] = append(plan.Dependencies[e.Target], e.Source)
		plan.Dependents[e.Source] = append(plan.Dependents[e.Source], e.Target)
	}

	for id := range plan.Dependencies {
		sort.Strings(plan.Dependencies[id])
		sort.Strings(plan.Dependents[id])
	}
	for id := range plan.EdgesByTarget {
		edges := plan.EdgesByTarget[id]
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].Source < edges[j].Source })
	}

	layers, err := layer(wf, plan)
	if err != nil {
		return nil, err
	}
	plan.Layers = layers
	return plan, nil
}

// layer runs Kahn's algorithm grouping nodes by longest path from a root,
// so every layer may run fully in parallel.
func layer(wf *core.Workflow, plan *Plan) ([][]string, error) {
	indegree := make(map[string]int, len(wf.Nodes))
	depth := make(map[string]int, len(wf.Nodes))
	for id, deps := range plan.Dependencies {
		indegree[id] = len(deps)
	}

	var frontier []string
	for _, n := range wf.Nodes {
		if indegree[n.ID] == 0 {
			frontier = append(frontier, n.ID)
		}
	}
	sort.Strings(frontier)

	visited := 0
	for _, id := range frontier {
		depth[id] = 0
	}
	queue := frontier
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range plan.Dependents[id] {
			if d := depth[id] + 1; d > depth[dep] {
				depth[dep] = d
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(wf.Nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, core.NewError(core.KindCycleDetected, "cycle involving nodes %v", stuck)
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	layers := make([][]string, maxDepth+1)
	for id, d := range depth {
		layers[d] = append(layers[d], id)
	}
	for i := range layers {
		sort.Strings(layers[i])
	}
	return layers, nil
}

// Roots returns the ids of nodes with no dependencies (layer zero).
func (p *Plan) Roots() []string {
	if len(p.Layers) == 0 {
		return nil
	}
	return p.Layers[0]
}

// String renders the plan layers for logs.
func (p *Plan) String() string {
	return fmt.Sprintf("plan{layers=%v}", p.Layers)
}
