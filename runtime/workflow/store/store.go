// Package store defines the persistence contracts for workflow definitions
// and execution summaries. The engine writes through these interfaces only;
// deployments pick the in-memory implementations for tests and single-process
// runs or the Mongo-backed ones for durability.
package store

import (
	"context"
	"errors"
	"time"

	"agentflow.dev/agentflow/runtime/workflow"
)

// ErrNotFound is returned when a workflow or execution does not exist.
var ErrNotFound = errors.New("not found")

// ExecutionStatus is the lifecycle state of one execution summary.
type ExecutionStatus string

const (
	// ExecutionRunning indicates the execution has started and not reached
	// a terminal event.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionComplete indicates the execution finished successfully.
	ExecutionComplete ExecutionStatus = "complete"
	// ExecutionError indicates the execution ended with an error.
	ExecutionError ExecutionStatus = "error"
)

type (
	// WorkflowStore persists workflow definitions. Save is an upsert; Load
	// and Delete return ErrNotFound for unknown IDs.
	WorkflowStore interface {
		Save(ctx context.Context, w *workflow.Workflow) error
		Load(ctx context.Context, id string) (*workflow.Workflow, error)
		List(ctx context.Context) ([]*workflow.Workflow, error)
		Delete(ctx context.Context, id string) error
	}

	// ExecutionStore persists execution summaries. The engine upserts the
	// summary on every node status transition so observers can reconstruct
	// run state without replaying the journal.
	ExecutionStore interface {
		Upsert(ctx context.Context, summary ExecutionSummary) error
		Load(ctx context.Context, executionID string) (ExecutionSummary, error)
		ListByWorkflow(ctx context.Context, workflowID string) ([]ExecutionSummary, error)
	}

	// ExecutionSummary is the persisted digest of one execution: overall
	// status, per-node status and timing, and the final result once the run
	// is terminal. Full event detail lives in the journal.
	ExecutionSummary struct {
		ExecutionID string               `json:"executionId"`
		WorkflowID  string               `json:"workflowId"`
		Status      ExecutionStatus      `json:"status"`
		Input       string               `json:"input"`
		FinalResult any                  `json:"finalResult,omitempty"`
		Error       string               `json:"error,omitempty"`
		Nodes       map[string]NodeState `json:"nodes"`
		StartedAt   time.Time            `json:"startedAt"`
		CompletedAt *time.Time           `json:"completedAt,omitempty"`
	}

	// NodeState is one node's status and timing within an execution.
	NodeState struct {
		Status      workflow.NodeStatus `json:"status"`
		StartedAt   *time.Time          `json:"startedAt,omitempty"`
		CompletedAt *time.Time          `json:"completedAt,omitempty"`
	}
)

// Clone returns a copy whose Nodes map does not alias the original.
func (s ExecutionSummary) Clone() ExecutionSummary {
	out := s
	if s.Nodes != nil {
		out.Nodes = make(map[string]NodeState, len(s.Nodes))
		for k, v := range s.Nodes {
			out.Nodes[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
