package exec

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// agentExecutor drives claude-agent and codex-agent nodes. The node type
// picks the backend from the agent registry; everything else is uniform:
// resolve the prompts, run one turn, forward progress events, and finish
// with the final text or the parsed structured output.
type agentExecutor struct {
	agents *agents.Registry
}

func (agentExecutor) Validate(node workflow.Node) error {
	if strings.TrimSpace(node.ConfigString("userQuery")) == "" {
		return workflow.NewError(workflow.CodeValidationFailed, "userQuery is required").WithNode(node.ID)
	}
	if raw := node.ConfigString("outputSchema"); raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return workflow.Errorf(workflow.CodeValidationFailed, "outputSchema is not valid JSON: %v", err).WithNode(node.ID)
		}
	}
	return nil
}

func (e agentExecutor) Execute(ctx context.Context, node workflow.Node, ec *Context, emit EmitFunc) (Outcome, error) {
	backend, err := e.agents.Agent(node.Type)
	if err != nil {
		return Outcome{}, workflow.Errorf(workflow.CodeAgentError, "%v", err).WithNode(node.ID)
	}

	in := agents.Input{
		Prompt:           resolveConfig(node, "userQuery", ec),
		SystemPrompt:     resolveConfig(node, "systemPrompt", ec),
		Model:            node.ConfigString("model"),
		SessionID:        sessionFor(node, ec),
		WorkingDirectory: workingDir(node, ec),
	}
	if raw := node.ConfigString("outputSchema"); raw != "" {
		var schemaMap map[string]any
		if err := json.Unmarshal([]byte(raw), &schemaMap); err != nil {
			return Outcome{}, workflow.Errorf(workflow.CodeAgentError, "invalid output schema: %v", err).WithNode(node.ID)
		}
		in.Output = &agents.OutputConfig{
			Schema:   schemaMap,
			FilePath: node.ConfigString("outputFilePath"),
		}
	}

	final, sessionID, err := runStream(ctx, backend, in, node.ID, emit)
	if err != nil {
		return Outcome{}, err
	}

	output := final
	if in.Output != nil {
		output, err = structuredResult(final, in.Output.Schema, node.ID)
		if err != nil {
			return Outcome{}, err
		}
		if in.Output.FilePath != "" {
			if err := writeStructured(output, in.Output.FilePath, in.WorkingDirectory); err != nil {
				return Outcome{}, workflow.Errorf(workflow.CodeExecutionFailed, "write structured output: %v", err).WithNode(node.ID)
			}
		}
	}

	meta := map[string]any{}
	if sessionID != "" {
		meta[MetaSessionID] = sessionID
	}
	return Outcome{Output: output, Metadata: meta}, nil
}

// runStream drives one agent turn to completion, forwarding progress events
// through emit. Terminal complete and error events are consumed here: the
// result feeds the outcome and errors surface on the stable taxonomy.
func runStream(ctx context.Context, backend agents.Agent, in agents.Input, nodeID string, emit EmitFunc) (any, string, error) {
	stream, err := backend.Run(ctx, in)
	if err != nil {
		return nil, "", agentError(err, nodeID)
	}
	defer stream.Close()

	var (
		final       any
		gotComplete bool
	)
	for {
		evt, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", agentError(err, nodeID)
		}
		switch evt.Type {
		case events.AgentComplete:
			final, gotComplete = evt.Result, true
		case events.AgentError:
			msg := evt.Message
			if msg == "" {
				msg = "agent reported an error"
			}
			return nil, "", workflow.NewError(workflow.CodeAgentError, msg).WithNode(nodeID)
		default:
			if emit != nil {
				emit(evt)
			}
		}
	}
	if !gotComplete {
		return nil, "", workflow.NewError(workflow.CodeAgentError, "agent stream ended without a result").WithNode(nodeID)
	}
	return final, stream.SessionID(), nil
}

// structuredResult parses and validates the final turn output against the
// requested schema. Adapters that already produced a structured value pass
// through untouched.
func structuredResult(final any, schemaMap map[string]any, nodeID string) (any, error) {
	text, isText := final.(string)
	if !isText {
		return final, nil
	}
	parsed, err := agents.ParseStructured(text, schemaMap)
	if err != nil {
		return nil, workflow.Errorf(workflow.CodeAgentError, "%v", err).WithNode(nodeID)
	}
	return parsed, nil
}

// writeStructured persists a structured result to disk, resolving relative
// paths against the node's working directory.
func writeStructured(v any, path, dir string) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	if parent := filepath.Dir(path); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// agentError maps backend failures onto the stable taxonomy. Cancellation
// always reads "Execution interrupted" so journals stay uniform.
func agentError(err error, nodeID string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return workflow.NewError(workflow.CodeTimeout, "Agent execution timed out").WithNode(nodeID)
	case errors.Is(err, context.Canceled):
		return workflow.NewError(workflow.CodeAgentInterrupted, "Execution interrupted").WithNode(nodeID)
	}
	var ee *workflow.ExecutionError
	if errors.As(err, &ee) {
		return ee.WithNode(nodeID)
	}
	return workflow.Errorf(workflow.CodeAgentError, "%v", err).WithNode(nodeID)
}

// sessionFor picks the agent session: the handle captured on a previous run
// of this node wins over the configured one.
func sessionFor(node workflow.Node, ec *Context) string {
	if ec.SessionID != "" {
		return ec.SessionID
	}
	return node.ConfigString("sessionId")
}

func workingDir(node workflow.Node, ec *Context) string {
	if dir := node.ConfigString("workingDirectory"); dir != "" {
		return dir
	}
	return ec.WorkingDirectory
}
