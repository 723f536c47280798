package evolve

import (
	"context"
	"time"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/store"
	"github.com/google/uuid"
)

// Applier applies validated evolutions to workflow definitions and persists
// the result. The engine serializes calls with its scheduler so a run never
// observes a half-applied batch.
type Applier struct {
	workflows store.WorkflowStore
}

// NewApplier returns an applier persisting through the given store.
func NewApplier(workflows store.WorkflowStore) *Applier {
	return &Applier{workflows: workflows}
}

// Apply deep-copies w, applies every mutation in order, appends an
// EvolutionRecord to the copy's history, persists it, and returns it. The
// input workflow is never mutated. Failures return an
// EVOLUTION_APPLY_FAILED error and leave storage untouched.
func (a *Applier) Apply(ctx context.Context, w *workflow.Workflow, evo workflow.Evolution, nodeID string) (*workflow.Workflow, error) {
	next := w.Clone()
	sh := newShadow(next)
	for i, m := range evo.Mutations {
		if err := sh.apply(m); err != nil {
			return nil, workflow.Errorf(workflow.CodeEvolutionApplyFailed, "mutation %d (%s): %v", i, m.Op, err).WithNode(nodeID)
		}
	}

	now := time.Now().UTC()
	next.UpdatedAt = now
	// Snapshots inside the record carry no history of their own, otherwise
	// every applied evolution would embed all prior ones recursively.
	before := w.Clone()
	before.EvolutionHistory = nil
	after := next.Clone()
	after.EvolutionHistory = nil
	next.EvolutionHistory = append(next.EvolutionHistory, workflow.EvolutionRecord{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Timestamp: now,
		Evolution: evo.Clone(),
		Before:    before,
		After:     after,
	})

	if err := a.workflows.Save(ctx, next); err != nil {
		return nil, workflow.Errorf(workflow.CodeEvolutionApplyFailed, "persist workflow: %v", err).WithNode(nodeID)
	}
	return next, nil
}
