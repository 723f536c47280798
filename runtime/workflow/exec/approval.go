package exec

import (
	"context"
	"strings"
	"time"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/approval"
	"agentflow.dev/agentflow/runtime/workflow/refs"
)

// approvalExecutor suspends the run on a human decision. It registers a
// one-shot slot with the coordinator, announces node-waiting through the
// context hook, and blocks until the slot resolves. The boolean decision is
// the node's result; the approved/rejected source handles take it from there.
type approvalExecutor struct {
	approvals *approval.Coordinator
}

func (approvalExecutor) Validate(node workflow.Node) error {
	if strings.TrimSpace(node.ConfigString("promptMessage")) == "" {
		return workflow.NewError(workflow.CodeValidationFailed, "promptMessage is required").WithNode(node.ID)
	}
	switch node.ConfigString("timeoutAction") {
	case "", "approve", "reject", "fail":
		return nil
	}
	return workflow.Errorf(workflow.CodeValidationFailed, "unknown timeoutAction %q", node.ConfigString("timeoutAction")).WithNode(node.ID)
}

func (e approvalExecutor) Execute(ctx context.Context, node workflow.Node, ec *Context, _ EmitFunc) (Outcome, error) {
	req := workflow.ApprovalRequest{
		NodeID:         node.ID,
		NodeName:       node.Name(),
		PromptMessage:  resolveConfig(node, "promptMessage", ec),
		FeedbackPrompt: resolveConfig(node, "feedbackPrompt", ec),
	}
	if raw := node.ConfigString("displayData"); raw != "" {
		req.DisplayData = displayData(raw, ec)
	}

	timeout, action := approvalTimeout(node)
	if timeout > 0 {
		at := time.Now().Add(timeout)
		req.TimeoutAt = &at
	}

	waiter, err := e.approvals.Request(ec.ExecutionID, node.ID, timeout, action)
	if err != nil {
		return Outcome{}, err
	}
	if ec.Waiting != nil {
		ec.Waiting(req)
	}

	resp, err := waiter.Wait(ctx)
	if err != nil {
		return Outcome{}, err
	}
	meta := map[string]any{}
	if resp.Feedback != "" {
		meta["feedback"] = resp.Feedback
	}
	return Outcome{Output: resp.Approved, Metadata: meta}, nil
}

// displayData resolves the configured reference into a payload for the
// waiting UI. Structured values are kept intact; otherwise the interpolated
// string is wrapped.
func displayData(raw string, ec *Context) map[string]any {
	if v, ok := refs.ResolveValue(raw, ec.Inputs); ok {
		if m, isMap := v.(map[string]any); isMap {
			return m
		}
		return map[string]any{"value": v}
	}
	return map[string]any{"value": refs.Resolve(raw, ec.Inputs)}
}

func approvalTimeout(node workflow.Node) (time.Duration, approval.TimeoutAction) {
	action := approval.TimeoutAction(node.ConfigString("timeoutAction"))
	if action == "" {
		action = approval.ActionFail
	}
	ms, ok := node.ConfigNumber("timeout")
	if !ok || ms <= 0 {
		return 0, action
	}
	return time.Duration(ms) * time.Millisecond, action
}
