package dag

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaflow/orcaflow/internal/core"
)

func wf(nodes []string, edges ...core.Edge) *core.Workflow {
	w := &core.Workflow{ID: "wf"}
	for _, id := range nodes {
		w.Nodes = append(w.Nodes, core.Node{ID: id, Type: "noop"})
	}
	w.Edges = edges
	return w
}

func edge(src, dst string) core.Edge {
	return core.Edge{Source: src, Target: dst}
}

func TestAnalyze(t *testing.T) {
	t.Run("EmptyGraph", func(t *testing.T) {
		_, err := Analyze(&core.Workflow{ID: "empty"})
		require.Error(t, err)
		assert.Equal(t, core.KindEmptyGraph, core.AsError(err).Kind)
	})

	t.Run("SingleNode", func(t *testing.T) {
		plan, err := Analyze(wf([]string{"only"}))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"only"}}, plan.Layers)
		assert.Equal(t, []string{"only"}, plan.Roots())
	})

	t.Run("Cycle", func(t *testing.T) {
		_, err := Analyze(wf([]string{"A", "B"}, edge("A", "B"), edge("B", "A")))
		require.Error(t, err)
		assert.Equal(t, core.KindCycleDetected, core.AsError(err).Kind)
	})

	t.Run("SelfLoop", func(t *testing.T) {
		_, err := Analyze(wf([]string{"A"}, edge("A", "A")))
		require.Error(t, err)
		assert.Equal(t, core.KindCycleDetected, core.AsError(err).Kind)
	})

	t.Run("DanglingEdge", func(t *testing.T) {
		_, err := Analyze(wf([]string{"A"}, edge("A", "ghost")))
		require.Error(t, err)
		assert.Equal(t, core.KindDanglingEdge, core.AsError(err).Kind)
	})

	t.Run("DuplicateNodeID", func(t *testing.T) {
		w := wf([]string{"A"})
		w.Nodes = append(w.Nodes, core.Node{ID: "A", Type: "noop"})
		_, err := Analyze(w)
		require.Error(t, err)
		assert.Equal(t, core.KindValidation, core.AsError(err).Kind)
	})

	t.Run("InvalidCondition", func(t *testing.T) {
		w := wf([]string{"A", "B"})
		w.Edges = []core.Edge{{Source: "A", Target: "B", Condition: &core.Condition{
			Field: "x", Operator: "weird", Value: 1,
		}}}
		_, err := Analyze(w)
		require.Error(t, err)
		assert.Equal(t, core.KindValidation, core.AsError(err).Kind)
	})
}

func TestAnalyzeLayering(t *testing.T) {
	t.Run("LongestPathLayering", func(t *testing.T) {
		// A -> B -> D and A -> D: D must sit at depth 2, not 1.
		plan, err := Analyze(wf([]string{"A", "B", "D"},
			edge("A", "B"), edge("B", "D"), edge("A", "D")))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"A"}, {"B"}, {"D"}}, plan.Layers)
	})

	t.Run("LexicographicWithinLayer", func(t *testing.T) {
		plan, err := Analyze(wf([]string{"z", "a", "m"}))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"a", "m", "z"}}, plan.Layers)
	})

	t.Run("DisconnectedComponents", func(t *testing.T) {
		plan, err := Analyze(wf([]string{"a1", "a2", "b1", "b2"},
			edge("a1", "a2"), edge("b1", "b2")))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"a1", "b1"}, {"a2", "b2"}}, plan.Layers)
	})

	t.Run("Diamond", func(t *testing.T) {
		plan, err := Analyze(wf([]string{"A", "B", "C", "D"},
			edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, plan.Layers)
		assert.Equal(t, []string{"B", "C"}, plan.Dependents["A"])
		assert.Equal(t, []string{"B", "C"}, plan.Dependencies["D"])
	})

	t.Run("FanOut100", func(t *testing.T) {
		nodes := []string{"root"}
		var edges []core.Edge
		for i := 0; i < 100; i++ {
			id := fmt.Sprintf("child-%03d", i)
			nodes = append(nodes, id)
			edges = append(edges, edge("root", id))
		}
		plan, err := Analyze(wf(nodes, edges...))
		require.NoError(t, err)
		require.Len(t, plan.Layers, 2)
		assert.Len(t, plan.Layers[1], 100)
		assert.Len(t, plan.Dependents["root"], 100)
	})

	t.Run("FanIn50", func(t *testing.T) {
		nodes := []string{"sink"}
		var edges []core.Edge
		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("dep-%02d", i)
			nodes = append(nodes, id)
			edges = append(edges, edge(id, "sink"))
		}
		plan, err := Analyze(wf(nodes, edges...))
		require.NoError(t, err)
		require.Len(t, plan.Layers, 2)
		assert.Len(t, plan.Dependencies["sink"], 50)
		assert.Equal(t, []string{"sink"}, plan.Layers[1])
	})

	t.Run("ParallelEdgesCountOnce", func(t *testing.T) {
		w := wf([]string{"A", "B"})
		w.Edges = []core.Edge{
			{Source: "A", Target: "B", SourceHandle: "x", TargetHandle: "left"},
			{Source: "A", Target: "B", SourceHandle: "y", TargetHandle: "right"},
		}
		plan, err := Analyze(w)
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, plan.Dependencies["B"])
		assert.Len(t, plan.EdgesByTarget["B"], 2)
	})
}
