package mongo

import (
	"context"
	"errors"

	mongoc "agentflow.dev/agentflow/features/store/mongo/clients/mongo"
	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/store"
)

// WorkflowStore implements store.WorkflowStore by delegating to the Mongo
// client.
type WorkflowStore struct {
	client mongoc.Client
}

// NewWorkflowStore builds a Mongo-backed workflow store using the provided
// client.
func NewWorkflowStore(client mongoc.Client) (*WorkflowStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &WorkflowStore{client: client}, nil
}

// Save implements store.WorkflowStore.
func (s *WorkflowStore) Save(ctx context.Context, w *workflow.Workflow) error {
	return s.client.SaveWorkflow(ctx, w)
}

// Load implements store.WorkflowStore.
func (s *WorkflowStore) Load(ctx context.Context, id string) (*workflow.Workflow, error) {
	return s.client.LoadWorkflow(ctx, id)
}

// List implements store.WorkflowStore.
func (s *WorkflowStore) List(ctx context.Context) ([]*workflow.Workflow, error) {
	return s.client.ListWorkflows(ctx)
}

// Delete implements store.WorkflowStore.
func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	return s.client.DeleteWorkflow(ctx, id)
}

// ExecutionStore implements store.ExecutionStore by delegating to the Mongo
// client.
type ExecutionStore struct {
	client mongoc.Client
}

// NewExecutionStore builds a Mongo-backed execution store using the provided
// client.
func NewExecutionStore(client mongoc.Client) (*ExecutionStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &ExecutionStore{client: client}, nil
}

// Upsert implements store.ExecutionStore.
func (s *ExecutionStore) Upsert(ctx context.Context, summary store.ExecutionSummary) error {
	return s.client.UpsertExecution(ctx, summary)
}

// Load implements store.ExecutionStore.
func (s *ExecutionStore) Load(ctx context.Context, executionID string) (store.ExecutionSummary, error) {
	return s.client.LoadExecution(ctx, executionID)
}

// ListByWorkflow implements store.ExecutionStore.
func (s *ExecutionStore) ListByWorkflow(ctx context.Context, workflowID string) ([]store.ExecutionSummary, error) {
	return s.client.ListExecutionsByWorkflow(ctx, workflowID)
}
