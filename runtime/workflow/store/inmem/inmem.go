// Package inmem provides in-memory implementations of the store interfaces.
// They are safe for concurrent use and return defensive copies so callers
// cannot mutate stored state.
package inmem

import (
	"context"
	"sort"
	"sync"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/store"
)

type (
	// WorkflowStore keeps workflow definitions in process memory.
	WorkflowStore struct {
		mu        sync.RWMutex
		workflows map[string]*workflow.Workflow
	}

	// ExecutionStore keeps execution summaries in process memory.
	ExecutionStore struct {
		mu        sync.RWMutex
		summaries map[string]store.ExecutionSummary
	}
)

// NewWorkflowStore returns an empty in-memory workflow store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{workflows: make(map[string]*workflow.Workflow)}
}

// Save stores a copy of w keyed by its ID.
func (s *WorkflowStore) Save(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w.Clone()
	return nil
}

// Load returns a copy of the workflow with the given ID.
func (s *WorkflowStore) Load(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w.Clone(), nil
}

// List returns copies of all stored workflows ordered by ID.
func (s *WorkflowStore) List(_ context.Context) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the workflow with the given ID.
func (s *WorkflowStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// NewExecutionStore returns an empty in-memory execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{summaries: make(map[string]store.ExecutionSummary)}
}

// Upsert stores a copy of the summary keyed by execution ID.
func (s *ExecutionStore) Upsert(_ context.Context, summary store.ExecutionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.ExecutionID] = summary.Clone()
	return nil
}

// Load returns a copy of the summary for the given execution ID.
func (s *ExecutionStore) Load(_ context.Context, executionID string) (store.ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[executionID]
	if !ok {
		return store.ExecutionSummary{}, store.ErrNotFound
	}
	return summary.Clone(), nil
}

// ListByWorkflow returns summaries for the given workflow ordered by start
// time, most recent first.
func (s *ExecutionStore) ListByWorkflow(_ context.Context, workflowID string) ([]store.ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ExecutionSummary
	for _, summary := range s.summaries {
		if summary.WorkflowID == workflowID {
			out = append(out, summary.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
