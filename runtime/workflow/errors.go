package workflow

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code carried on ExecutionError.
type Code string

const (
	// Node errors.
	CodeUnknownNodeType  Code = "UNKNOWN_NODE_TYPE"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeExecutionFailed  Code = "EXECUTION_FAILED"
	CodeTimeout          Code = "TIMEOUT"

	// Reference errors.
	CodeInvalidReference   Code = "INVALID_REFERENCE"
	CodeCircularReference  Code = "CIRCULAR_REFERENCE"
	CodeMissingPredecessor Code = "MISSING_PREDECESSOR"

	// Agent errors.
	CodeAgentError       Code = "AGENT_ERROR"
	CodeAgentTimeout     Code = "AGENT_TIMEOUT"
	CodeAgentInterrupted Code = "AGENT_INTERRUPTED"

	// Approval errors.
	CodeNoPendingApproval Code = "NO_PENDING_APPROVAL"

	// Flow errors.
	CodeNoValidPath   Code = "NO_VALID_PATH"
	CodeMissingInput  Code = "MISSING_INPUT"
	CodeCycleDetected Code = "CYCLE_DETECTED"

	// Condition errors.
	CodeInvalidConditionType      Code = "INVALID_CONDITION_TYPE"
	CodeConditionEvaluationFailed Code = "CONDITION_EVALUATION_FAILED"

	// Evolution errors.
	CodeEvolutionValidationFailed Code = "EVOLUTION_VALIDATION_FAILED"
	CodeEvolutionApplyFailed      Code = "EVOLUTION_APPLY_FAILED"
)

type (
	// ExecutionError is the engine's error envelope. Code is stable across
	// releases; Message is for humans. Recoverable errors mark a single node
	// as failed and let the run continue when the output node remains
	// reachable.
	ExecutionError struct {
		Code        Code           `json:"code"`
		Message     string         `json:"message"`
		Recoverable bool           `json:"recoverable"`
		NodeID      string         `json:"nodeId,omitempty"`
		Details     map[string]any `json:"details,omitempty"`

		cause error
	}
)

// NewError builds an ExecutionError with the given code and message.
func NewError(code Code, message string) *ExecutionError {
	return &ExecutionError{Code: code, Message: message}
}

// Errorf builds an ExecutionError with a formatted message. A trailing %w
// verb wraps the cause for errors.Is/As.
func Errorf(code Code, format string, args ...any) *ExecutionError {
	err := fmt.Errorf(format, args...)
	return &ExecutionError{Code: code, Message: err.Error(), cause: errors.Unwrap(err)}
}

// Error implements error.
func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s [node %s]: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any.
func (e *ExecutionError) Unwrap() error { return e.cause }

// WithNode returns a copy annotated with the failing node's ID.
func (e *ExecutionError) WithNode(nodeID string) *ExecutionError {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// AsRecoverable returns a copy marked recoverable.
func (e *ExecutionError) AsRecoverable() *ExecutionError {
	cp := *e
	cp.Recoverable = true
	return &cp
}

// CodeOf extracts the stable code from err, walking wrapped errors.
// It returns EXECUTION_FAILED for plain errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeExecutionFailed
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code Code) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Code == code
}
