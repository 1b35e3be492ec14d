package engine

import (
	"encoding/json"
	"strings"

	"github.com/orcaflow/orcaflow/internal/core"
	"github.com/orcaflow/orcaflow/internal/dag"
)

// assembleInput builds a node's input from the outputs of its completed
// dependencies plus the execution input under the reserved key. Edges are
// iterated in lexicographic source order so merges are deterministic; a
// second write to the same slot is a DuplicateInputBinding error.
func assembleInput(plan *dag.Plan, states map[string]*nodeState, executionInput json.RawMessage, nodeID string) (core.Input, *core.Error) {
	input := core.Input{}
	if len(executionInput) > 0 {
		input[core.InputKey] = executionInput
	}

	for _, edge := range plan.EdgesByTarget[nodeID] {
		src := states[edge.Source]
		if src == nil || src.status != core.NodeCompleted {
			// Condition-skipped sources contribute no binding; the edge is
			// satisfied by propagation.
			continue
		}

		value := src.output
		if edge.SourceHandle != "" {
			extracted, ok := extractField(src.output, edge.SourceHandle)
			if !ok {
				return nil, core.NewError(core.KindValidation,
					"edge %s->%s names output slot %q absent from the source output",
					edge.Source, nodeID, edge.SourceHandle)
			}
			value = extracted
		}

		slot := edge.TargetHandle
		if slot == "" {
			slot = edge.Source
		}
		if slot == core.InputKey {
			return nil, core.NewError(core.KindDuplicateInputBinding,
				"edge %s->%s binds the reserved slot %q", edge.Source, nodeID, core.InputKey)
		}
		if _, taken := input[slot]; taken {
			return nil, core.NewError(core.KindDuplicateInputBinding,
				"input slot %q of node %s bound more than once", slot, nodeID)
		}
		input[slot] = value
	}
	return input, nil
}

// extractField addresses into a JSON object with a dot-separated path and
// re-encodes the value found there.
func extractField(output json.RawMessage, path string) (json.RawMessage, bool) {
	var doc any
	if err := json.Unmarshal(output, &doc); err != nil {
		return nil, false
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	encoded, err := json.Marshal(cur)
	if err != nil {
		return nil, false
	}
	return encoded, true
}
