// Package approval coordinates human-in-the-loop pauses. Executors register a
// one-shot slot keyed by execution and node, then block on the returned
// Waiter; API surfaces resolve the slot with the human's decision. The same
// coordinator backs approval nodes and evolution decisions in suggest mode.
package approval

import (
	"context"
	"sync"
	"time"

	"agentflow.dev/agentflow/runtime/workflow"
)

// TimeoutAction selects how an unanswered slot resolves when its timer fires.
type TimeoutAction string

const (
	// ActionApprove resolves the slot as approved.
	ActionApprove TimeoutAction = "approve"
	// ActionReject resolves the slot as rejected.
	ActionReject TimeoutAction = "reject"
	// ActionFail resolves the slot with an AGENT_TIMEOUT error.
	ActionFail TimeoutAction = "fail"
)

type (
	// Coordinator tracks pending approval slots. Safe for concurrent use.
	Coordinator struct {
		mu    sync.Mutex
		slots map[slotKey]*slot
	}

	// Waiter blocks until its slot resolves or the context ends.
	Waiter struct {
		s *slot
	}

	slotKey struct {
		executionID string
		nodeID      string
	}

	slot struct {
		ready chan struct{}
		once  sync.Once
		resp  workflow.ApprovalResponse
		err   error
		timer *time.Timer
	}
)

// New returns an empty coordinator.
func New() *Coordinator {
	return &Coordinator{slots: make(map[slotKey]*slot)}
}

// Request registers a pending slot for the given execution and node and
// returns a Waiter for the decision. A timeout greater than zero arms a timer
// that resolves the slot per action when nobody answers in time. Requesting
// while a slot for the same node is still pending is an error.
func (c *Coordinator) Request(executionID, nodeID string, timeout time.Duration, action TimeoutAction) (*Waiter, error) {
	key := slotKey{executionID: executionID, nodeID: nodeID}
	s := &slot{ready: make(chan struct{})}

	c.mu.Lock()
	if _, dup := c.slots[key]; dup {
		c.mu.Unlock()
		return nil, workflow.Errorf(workflow.CodeExecutionFailed, "approval already pending for node %s", nodeID).WithNode(nodeID)
	}
	c.slots[key] = s
	c.mu.Unlock()

	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			c.expire(key, action)
		})
	}
	return &Waiter{s: s}, nil
}

// Submit resolves the pending slot with the human's decision. The first
// resolution wins; submitting against an unknown or already settled slot
// returns a NO_PENDING_APPROVAL error.
func (c *Coordinator) Submit(executionID, nodeID string, resp workflow.ApprovalResponse) error {
	s := c.take(slotKey{executionID: executionID, nodeID: nodeID})
	if s == nil {
		return workflow.Errorf(workflow.CodeNoPendingApproval, "no pending approval for node %s", nodeID).WithNode(nodeID)
	}
	s.resolve(resp, nil)
	return nil
}

// Cancel resolves the pending slot for one node with an AGENT_INTERRUPTED
// error. It is a no-op when no slot is pending.
func (c *Coordinator) Cancel(executionID, nodeID string) {
	if s := c.take(slotKey{executionID: executionID, nodeID: nodeID}); s != nil {
		s.resolve(workflow.ApprovalResponse{}, interrupted(nodeID))
	}
}

// CancelAll resolves every pending slot of an execution with an
// AGENT_INTERRUPTED error. Called when the run is interrupted or terminal.
func (c *Coordinator) CancelAll(executionID string) {
	c.mu.Lock()
	var settled []*slot
	var nodes []string
	for key, s := range c.slots {
		if key.executionID == executionID {
			settled = append(settled, s)
			nodes = append(nodes, key.nodeID)
			delete(c.slots, key)
		}
	}
	c.mu.Unlock()
	for i, s := range settled {
		s.resolve(workflow.ApprovalResponse{}, interrupted(nodes[i]))
	}
}

// Pending reports whether a slot is awaiting a decision for the given node.
func (c *Coordinator) Pending(executionID, nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[slotKey{executionID: executionID, nodeID: nodeID}]
	return ok
}

// expire resolves a timed-out slot per the configured action.
func (c *Coordinator) expire(key slotKey, action TimeoutAction) {
	s := c.take(key)
	if s == nil {
		return
	}
	switch action {
	case ActionApprove:
		s.resolve(workflow.ApprovalResponse{Approved: true}, nil)
	case ActionReject:
		s.resolve(workflow.ApprovalResponse{Approved: false}, nil)
	default:
		s.resolve(workflow.ApprovalResponse{}, workflow.NewError(workflow.CodeAgentTimeout, "Approval timed out").WithNode(key.nodeID))
	}
}

// take removes and returns the slot for key, or nil when none is pending.
func (c *Coordinator) take(key slotKey) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if !ok {
		return nil
	}
	delete(c.slots, key)
	return s
}

// Wait blocks until the slot resolves or ctx ends. Context cancellation
// surfaces as an AGENT_INTERRUPTED error so interrupted runs report a
// consistent cause.
func (w *Waiter) Wait(ctx context.Context) (workflow.ApprovalResponse, error) {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return workflow.ApprovalResponse{}, workflow.NewError(workflow.CodeAgentTimeout, "Approval timed out")
		}
		return workflow.ApprovalResponse{}, workflow.NewError(workflow.CodeAgentInterrupted, "Execution interrupted")
	case <-w.s.ready:
		return w.s.resp, w.s.err
	}
}

func (s *slot) resolve(resp workflow.ApprovalResponse, err error) {
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.resp = resp
		s.err = err
		close(s.ready)
	})
}

func interrupted(nodeID string) error {
	return workflow.NewError(workflow.CodeAgentInterrupted, "Execution interrupted").WithNode(nodeID)
}
