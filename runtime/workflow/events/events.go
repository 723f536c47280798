// Package events defines the execution event vocabulary: the AgentEvent
// stream a node emits while it runs, the ExecutionEvent envelopes the bus
// fans out to subscribers, the wire codec, and the per-execution bus with
// journal write-through and late-subscribe catch-up.
package events

import (
	"time"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/validate"
)

// Type identifies an ExecutionEvent variant.
type Type string

const (
	ExecutionStart    Type = "execution-start"
	NodeStart         Type = "node-start"
	NodeOutput        Type = "node-output"
	NodeWaiting       Type = "node-waiting"
	NodeComplete      Type = "node-complete"
	NodeError         Type = "node-error"
	ExecutionComplete Type = "execution-complete"
	ExecutionError    Type = "execution-error"
	ValidationError   Type = "validation-error"
	NodeEvolution     Type = "node-evolution"
)

type (
	// Event is an immutable bus-level envelope: a typed payload stamped
	// with its execution and creation time.
	Event struct {
		t           Type
		executionID string
		timestamp   int64
		payload     any
	}

	// ExecutionStartPayload opens every journal.
	ExecutionStartPayload struct {
		ExecutionID string `json:"executionId"`
		WorkflowID  string `json:"workflowId"`
	}

	// NodeStartPayload marks a node executor starting.
	NodeStartPayload struct {
		NodeID   string `json:"nodeId"`
		NodeName string `json:"nodeName"`
	}

	// NodeOutputPayload wraps one AgentEvent emitted by a running node.
	NodeOutputPayload struct {
		NodeID string     `json:"nodeId"`
		Event  AgentEvent `json:"event"`
	}

	// NodeWaitingPayload marks a node suspended on an approval.
	NodeWaitingPayload struct {
		NodeID   string                   `json:"nodeId"`
		Approval workflow.ApprovalRequest `json:"approval"`
	}

	// NodeCompletePayload carries a node's final result.
	NodeCompletePayload struct {
		NodeID string `json:"nodeId"`
		Result any    `json:"result"`
	}

	// NodeErrorPayload carries a node's terminal error message.
	NodeErrorPayload struct {
		NodeID string `json:"nodeId"`
		Error  string `json:"error"`
	}

	// ExecutionCompletePayload carries the run's final result.
	ExecutionCompletePayload struct {
		Result any `json:"result"`
	}

	// ExecutionErrorPayload carries the run's terminal error message.
	ExecutionErrorPayload struct {
		Error string `json:"error"`
	}

	// ValidationErrorPayload carries pre-flight issues; such runs never
	// start.
	ValidationErrorPayload struct {
		Errors []validate.Issue `json:"errors"`
	}

	// NodeEvolutionPayload reports a self-reflect node's outcome.
	NodeEvolutionPayload struct {
		NodeID            string              `json:"nodeId"`
		Evolution         *workflow.Evolution `json:"evolution,omitempty"`
		Applied           bool                `json:"applied"`
		ApprovalRequested bool                `json:"approvalRequested,omitempty"`
		ValidationErrors  []string            `json:"validationErrors,omitempty"`
	}
)

// Type returns the event variant.
func (e Event) Type() Type { return e.t }

// ExecutionID returns the run the event belongs to.
func (e Event) ExecutionID() string { return e.executionID }

// Timestamp returns the creation time in unix milliseconds.
func (e Event) Timestamp() int64 { return e.timestamp }

// Payload returns the typed payload struct.
func (e Event) Payload() any { return e.payload }

// Terminal reports whether the event ends its execution's journal.
func (e Event) Terminal() bool {
	return e.t == ExecutionComplete || e.t == ExecutionError || e.t == ValidationError
}

func newEvent(t Type, executionID string, payload any) Event {
	return Event{t: t, executionID: executionID, timestamp: time.Now().UnixMilli(), payload: payload}
}

// NewExecutionStart builds the journal-opening event.
func NewExecutionStart(executionID, workflowID string) Event {
	return newEvent(ExecutionStart, executionID, ExecutionStartPayload{ExecutionID: executionID, WorkflowID: workflowID})
}

// NewNodeStart marks a node beginning execution.
func NewNodeStart(executionID, nodeID, nodeName string) Event {
	return newEvent(NodeStart, executionID, NodeStartPayload{NodeID: nodeID, NodeName: nodeName})
}

// NewNodeOutput wraps an AgentEvent under the node-output envelope.
func NewNodeOutput(executionID, nodeID string, ae AgentEvent) Event {
	return newEvent(NodeOutput, executionID, NodeOutputPayload{NodeID: nodeID, Event: ae})
}

// NewNodeWaiting marks a node suspended pending approval.
func NewNodeWaiting(executionID, nodeID string, req workflow.ApprovalRequest) Event {
	return newEvent(NodeWaiting, executionID, NodeWaitingPayload{NodeID: nodeID, Approval: req})
}

// NewNodeComplete records a node's final result.
func NewNodeComplete(executionID, nodeID string, result any) Event {
	return newEvent(NodeComplete, executionID, NodeCompletePayload{NodeID: nodeID, Result: result})
}

// NewNodeError records a node's terminal failure.
func NewNodeError(executionID, nodeID, message string) Event {
	return newEvent(NodeError, executionID, NodeErrorPayload{NodeID: nodeID, Error: message})
}

// NewExecutionComplete closes a successful run.
func NewExecutionComplete(executionID string, result any) Event {
	return newEvent(ExecutionComplete, executionID, ExecutionCompletePayload{Result: result})
}

// NewExecutionError closes a failed run.
func NewExecutionError(executionID, message string) Event {
	return newEvent(ExecutionError, executionID, ExecutionErrorPayload{Error: message})
}

// NewValidationError reports pre-flight issues for a run that never starts.
func NewValidationError(executionID string, issues []validate.Issue) Event {
	return newEvent(ValidationError, executionID, ValidationErrorPayload{Errors: issues})
}

// NewNodeEvolution reports a self-reflect outcome.
func NewNodeEvolution(executionID, nodeID string, p NodeEvolutionPayload) Event {
	p.NodeID = nodeID
	return newEvent(NodeEvolution, executionID, p)
}
