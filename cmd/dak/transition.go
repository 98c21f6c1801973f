package main

import (
	"context"

	"github.com/vaos-labs/dak/pkg/contracts"
)

// phaseOrder is the built-in demonstration workflow: a linear pipeline
// of authoring phases. Real deployments inject their own transition.
var phaseOrder = []string{"ideas", "draft", "review", "done"}

// phaseTransition advances state["phase"] one step along phaseOrder and
// signals completion at the final phase. Unknown or missing phases
// restart the pipeline.
func phaseTransition(_ context.Context, in contracts.TransitionInput) (*contracts.TransitionResult, error) {
	current, _ := in.State["phase"].(string)

	next := phaseOrder[0]
	for i, phase := range phaseOrder {
		if phase == current && i+1 < len(phaseOrder) {
			next = phaseOrder[i+1]
			break
		}
	}

	state := make(map[string]any, len(in.State)+1)
	for k, v := range in.State {
		state[k] = v
	}
	state["phase"] = next

	return &contracts.TransitionResult{
		State:     state,
		Completed: next == phaseOrder[len(phaseOrder)-1],
	}, nil
}
