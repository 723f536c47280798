// Package mocks provides a scripted mock of the store Mongo client for
// tests, in the goa.design/clue/mock style.
package mocks

import (
	"context"
	"testing"

	"goa.design/clue/mock"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/store"
)

type (
	// Client is a scripted mock of the mongo.Client interface.
	Client struct {
		m *mock.Mock
		t *testing.T
	}

	ClientNameFunc                     func() string
	ClientPingFunc                     func(ctx context.Context) error
	ClientSaveWorkflowFunc             func(ctx context.Context, w *workflow.Workflow) error
	ClientLoadWorkflowFunc             func(ctx context.Context, id string) (*workflow.Workflow, error)
	ClientListWorkflowsFunc            func(ctx context.Context) ([]*workflow.Workflow, error)
	ClientDeleteWorkflowFunc           func(ctx context.Context, id string) error
	ClientUpsertExecutionFunc          func(ctx context.Context, summary store.ExecutionSummary) error
	ClientLoadExecutionFunc            func(ctx context.Context, executionID string) (store.ExecutionSummary, error)
	ClientListExecutionsByWorkflowFunc func(ctx context.Context, workflowID string) ([]store.ExecutionSummary, error)
)

// NewClient returns a mock with no scripted calls.
func NewClient(t *testing.T) *Client {
	return &Client{mock.New(), t}
}

func (m *Client) AddName(f ClientNameFunc) { m.m.Add("Name", f) }

func (m *Client) SetName(f ClientNameFunc) { m.m.Set("Name", f) }

func (m *Client) Name() string {
	if f := m.m.Next("Name"); f != nil {
		return f.(ClientNameFunc)()
	}
	m.t.Helper()
	m.t.Error("unexpected Name call")
	return ""
}

func (m *Client) AddPing(f ClientPingFunc) { m.m.Add("Ping", f) }

func (m *Client) SetPing(f ClientPingFunc) { m.m.Set("Ping", f) }

func (m *Client) Ping(ctx context.Context) error {
	if f := m.m.Next("Ping"); f != nil {
		return f.(ClientPingFunc)(ctx)
	}
	m.t.Helper()
	m.t.Error("unexpected Ping call")
	return nil
}

func (m *Client) AddSaveWorkflow(f ClientSaveWorkflowFunc) { m.m.Add("SaveWorkflow", f) }

func (m *Client) SetSaveWorkflow(f ClientSaveWorkflowFunc) { m.m.Set("SaveWorkflow", f) }

func (m *Client) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if f := m.m.Next("SaveWorkflow"); f != nil {
		return f.(ClientSaveWorkflowFunc)(ctx, w)
	}
	m.t.Helper()
	m.t.Error("unexpected SaveWorkflow call")
	return nil
}

func (m *Client) AddLoadWorkflow(f ClientLoadWorkflowFunc) { m.m.Add("LoadWorkflow", f) }

func (m *Client) SetLoadWorkflow(f ClientLoadWorkflowFunc) { m.m.Set("LoadWorkflow", f) }

func (m *Client) LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	if f := m.m.Next("LoadWorkflow"); f != nil {
		return f.(ClientLoadWorkflowFunc)(ctx, id)
	}
	m.t.Helper()
	m.t.Error("unexpected LoadWorkflow call")
	return nil, nil
}

func (m *Client) AddListWorkflows(f ClientListWorkflowsFunc) { m.m.Add("ListWorkflows", f) }

func (m *Client) SetListWorkflows(f ClientListWorkflowsFunc) { m.m.Set("ListWorkflows", f) }

func (m *Client) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	if f := m.m.Next("ListWorkflows"); f != nil {
		return f.(ClientListWorkflowsFunc)(ctx)
	}
	m.t.Helper()
	m.t.Error("unexpected ListWorkflows call")
	return nil, nil
}

func (m *Client) AddDeleteWorkflow(f ClientDeleteWorkflowFunc) { m.m.Add("DeleteWorkflow", f) }

func (m *Client) SetDeleteWorkflow(f ClientDeleteWorkflowFunc) { m.m.Set("DeleteWorkflow", f) }

func (m *Client) DeleteWorkflow(ctx context.Context, id string) error {
	if f := m.m.Next("DeleteWorkflow"); f != nil {
		return f.(ClientDeleteWorkflowFunc)(ctx, id)
	}
	m.t.Helper()
	m.t.Error("unexpected DeleteWorkflow call")
	return nil
}

func (m *Client) AddUpsertExecution(f ClientUpsertExecutionFunc) { m.m.Add("UpsertExecution", f) }

func (m *Client) SetUpsertExecution(f ClientUpsertExecutionFunc) { m.m.Set("UpsertExecution", f) }

func (m *Client) UpsertExecution(ctx context.Context, summary store.ExecutionSummary) error {
	if f := m.m.Next("UpsertExecution"); f != nil {
		return f.(ClientUpsertExecutionFunc)(ctx, summary)
	}
	m.t.Helper()
	m.t.Error("unexpected UpsertExecution call")
	return nil
}

func (m *Client) AddLoadExecution(f ClientLoadExecutionFunc) { m.m.Add("LoadExecution", f) }

func (m *Client) SetLoadExecution(f ClientLoadExecutionFunc) { m.m.Set("LoadExecution", f) }

func (m *Client) LoadExecution(ctx context.Context, executionID string) (store.ExecutionSummary, error) {
	if f := m.m.Next("LoadExecution"); f != nil {
		return f.(ClientLoadExecutionFunc)(ctx, executionID)
	}
	m.t.Helper()
	m.t.Error("unexpected LoadExecution call")
	return store.ExecutionSummary{}, nil
}

func (m *Client) AddListExecutionsByWorkflow(f ClientListExecutionsByWorkflowFunc) {
	m.m.Add("ListExecutionsByWorkflow", f)
}

func (m *Client) SetListExecutionsByWorkflow(f ClientListExecutionsByWorkflowFunc) {
	m.m.Set("ListExecutionsByWorkflow", f)
}

func (m *Client) ListExecutionsByWorkflow(ctx context.Context, workflowID string) ([]store.ExecutionSummary, error) {
	if f := m.m.Next("ListExecutionsByWorkflow"); f != nil {
		return f.(ClientListExecutionsByWorkflowFunc)(ctx, workflowID)
	}
	m.t.Helper()
	m.t.Error("unexpected ListExecutionsByWorkflow call")
	return nil, nil
}

// HasMore reports whether scripted calls remain.
func (m *Client) HasMore() bool {
	return m.m.HasMore()
}
