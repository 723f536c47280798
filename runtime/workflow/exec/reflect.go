package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/approval"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/evolve"
	"agentflow.dev/agentflow/runtime/workflow/schema"
	"agentflow.dev/agentflow/runtime/workflow/telemetry"
)

// reflectExecutor runs self-reflect nodes: it asks an agent to propose an
// evolution of the running workflow, validates the proposal, and applies it
// according to the node's mode. Suggest mode parks on the evolution
// coordinator until a user decides.
type reflectExecutor struct {
	agents  *agents.Registry
	waits   *approval.Coordinator
	schemas *schema.Registry
	logger  telemetry.Logger
}

const (
	modeDryRun    = "dry-run"
	modeSuggest   = "suggest"
	modeAutoApply = "auto-apply"
)

func (reflectExecutor) Validate(node workflow.Node) error {
	if strings.TrimSpace(node.ConfigString("reflectionGoal")) == "" {
		return workflow.NewError(workflow.CodeValidationFailed, "reflectionGoal is required").WithNode(node.ID)
	}
	switch node.ConfigString("mode") {
	case "", modeDryRun, modeSuggest, modeAutoApply:
	default:
		return workflow.Errorf(workflow.CodeValidationFailed, "unknown reflection mode %q", node.ConfigString("mode")).WithNode(node.ID)
	}
	switch t := node.ConfigString("agent"); workflow.NodeType(t) {
	case "", workflow.TypeClaude, workflow.TypeCodex:
	default:
		return workflow.Errorf(workflow.CodeValidationFailed, "unknown reflection agent %q", t).WithNode(node.ID)
	}
	return nil
}

func (e reflectExecutor) Execute(ctx context.Context, node workflow.Node, ec *Context, emit EmitFunc) (Outcome, error) {
	agentType := workflow.NodeType(node.ConfigString("agent"))
	if agentType == "" {
		agentType = workflow.TypeClaude
	}
	backend, err := e.agents.Agent(agentType)
	if err != nil {
		return Outcome{}, workflow.Errorf(workflow.CodeAgentError, "%v", err).WithNode(node.ID)
	}

	opts := evolve.Options{
		MaxMutations: maxMutations(node),
		Scope:        scopeList(node),
		SelfNodeID:   node.ID,
	}

	in := agents.Input{
		Prompt:           reflectionPrompt(node, ec, opts),
		Model:            node.ConfigString("model"),
		SessionID:        sessionFor(node, ec),
		WorkingDirectory: workingDir(node, ec),
		Output:           &agents.OutputConfig{Schema: evolutionSchema()},
	}

	final, sessionID, err := runStream(ctx, backend, in, node.ID, emit)
	if err != nil {
		return Outcome{}, err
	}
	meta := map[string]any{}
	if sessionID != "" {
		meta[MetaSessionID] = sessionID
	}

	evo, err := extractEvolution(final)
	if err != nil {
		return Outcome{}, workflow.Errorf(workflow.CodeEvolutionValidationFailed,
			"Unable to parse workflow evolution from agent output: %v", err).WithNode(node.ID)
	}

	res := evolve.Validate(ec.Workflow, evo, e.schemas, opts)
	if !res.Valid {
		e.logger.Info(ctx, "evolution rejected by validator",
			"node", node.ID, "errors", len(res.Errors))
		e.report(ec, events.NodeEvolutionPayload{Evolution: &evo, ValidationErrors: res.Errors})
		return Outcome{
			Output:   reflectionOutput(evo, false, res.Errors),
			Metadata: meta,
		}, nil
	}

	mode := node.ConfigString("mode")
	if mode == "" {
		mode = modeDryRun
	}
	switch mode {
	case modeDryRun:
		e.report(ec, events.NodeEvolutionPayload{Evolution: &evo})
		return Outcome{Output: reflectionOutput(evo, false, nil), Metadata: meta}, nil

	case modeAutoApply:
		if err := ec.ApplyEvolution(ctx, evo); err != nil {
			return Outcome{}, err
		}
		e.report(ec, events.NodeEvolutionPayload{Evolution: &evo, Applied: true})
		return Outcome{Output: reflectionOutput(evo, true, nil), Metadata: meta}, nil

	case modeSuggest:
		approved, err := e.awaitDecision(ctx, node, ec, evo)
		if err != nil {
			return Outcome{}, err
		}
		if !approved {
			return Outcome{Output: reflectionOutput(evo, false, nil), Metadata: meta}, nil
		}
		if err := ec.ApplyEvolution(ctx, evo); err != nil {
			return Outcome{}, err
		}
		e.report(ec, events.NodeEvolutionPayload{Evolution: &evo, Applied: true})
		return Outcome{Output: reflectionOutput(evo, true, nil), Metadata: meta}, nil
	}
	return Outcome{}, workflow.Errorf(workflow.CodeValidationFailed, "unknown reflection mode %q", mode).WithNode(node.ID)
}

// awaitDecision parks the node on the evolution coordinator until a user
// approves or rejects the proposal. A configured timeout (ms) rejects by
// default so an unattended run keeps moving.
func (e reflectExecutor) awaitDecision(ctx context.Context, node workflow.Node, ec *Context, evo workflow.Evolution) (bool, error) {
	var timeout time.Duration
	if ms, ok := node.ConfigNumber("timeout"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	waiter, err := e.waits.Request(ec.ExecutionID, node.ID, timeout, approval.ActionReject)
	if err != nil {
		return false, err
	}
	e.report(ec, events.NodeEvolutionPayload{Evolution: &evo, ApprovalRequested: true})

	resp, err := waiter.Wait(ctx)
	if err != nil {
		var ee *workflow.ExecutionError
		if errors.As(err, &ee) {
			return false, ee.WithNode(node.ID)
		}
		return false, err
	}
	return resp.Approved, nil
}

func (e reflectExecutor) report(ec *Context, p events.NodeEvolutionPayload) {
	if ec.EvolutionOutcome != nil {
		ec.EvolutionOutcome(p)
	}
}

// extractEvolution pulls a sanitized evolution out of the agent's final turn
// output. Structured output is tried first; a raw JSON result is the
// fallback.
func extractEvolution(final any) (workflow.Evolution, error) {
	candidate := final
	if text, ok := final.(string); ok {
		parsed, err := agents.ParseStructured(text, evolutionSchema())
		if err != nil {
			var raw any
			if json.Unmarshal([]byte(text), &raw) != nil {
				return workflow.Evolution{}, err
			}
			parsed = raw
		}
		candidate = parsed
	}
	return evolve.Sanitize(candidate)
}

// reflectionOutput is the node result downstream references see.
func reflectionOutput(evo workflow.Evolution, applied bool, validationErrors []string) map[string]any {
	out := map[string]any{
		"applied":   applied,
		"evolution": evo,
	}
	if len(validationErrors) > 0 {
		out["validationErrors"] = validationErrors
	}
	return out
}

func maxMutations(node workflow.Node) int {
	if n, ok := node.ConfigNumber("maxMutations"); ok && n > 0 {
		return int(n)
	}
	return evolve.DefaultMaxMutations
}

func scopeList(node workflow.Node) []string {
	raw, _ := node.Data["scope"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// reflectionPrompt assembles the reflection agent's user turn: the goal, the
// live definition, what upstream nodes produced, and the contract the
// response must follow.
func reflectionPrompt(node workflow.Node, ec *Context, opts evolve.Options) string {
	var b strings.Builder

	b.WriteString("You are reviewing a running workflow and proposing improvements to its definition.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", resolveConfig(node, "reflectionGoal", ec))

	b.WriteString("Current workflow definition:\n")
	b.WriteString(compactJSON(promptSnapshot(ec.Workflow)))
	b.WriteString("\n\n")

	if len(ec.Ancestors) > 0 {
		b.WriteString("Outputs produced so far, keyed by node name:\n")
		b.WriteString(compactJSON(ec.Ancestors))
		b.WriteString("\n\n")
	}

	if node.ConfigBool("includeTranscripts") && len(ec.Transcripts) > 0 {
		b.WriteString("Agent transcripts, keyed by node name:\n")
		b.WriteString(compactJSON(ec.Transcripts))
		b.WriteString("\n\n")
	}

	b.WriteString("Respond with a single JSON object of the form " +
		`{"reasoning": string, "expectedImpact": string, "riskAssessment": string, "rollbackPlan"?: string, "mutations": [...]}` + ".\n")
	b.WriteString("Allowed mutation ops: update-node-config, update-prompt, update-model, add-node, remove-node, add-edge, remove-edge, update-workflow-setting.\n")
	fmt.Fprintf(&b, "Propose at most %d mutations.\n", opts.MaxMutations)
	if len(opts.Scope) > 0 {
		fmt.Fprintf(&b, "Only mutations in these scopes are allowed: %s.\n", strings.Join(opts.Scope, ", "))
	}
	fmt.Fprintf(&b, "Never target node %q (the reflection node itself) or its edges.\n", node.ID)
	return b.String()
}

// promptSnapshot strips evolution history from the definition before it goes
// into a prompt; history grows without bound and adds nothing.
func promptSnapshot(w *workflow.Workflow) *workflow.Workflow {
	c := w.Clone()
	c.EvolutionHistory = nil
	return c
}

func compactJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// evolutionSchema describes the JSON object a reflection agent must return.
func evolutionSchema() map[string]any {
	str := func() map[string]any { return map[string]any{"type": "string"} }
	mutation := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"op": map[string]any{
				"type": "string",
				"enum": []any{
					"update-node-config", "update-prompt", "update-model",
					"add-node", "remove-node", "add-edge", "remove-edge",
					"update-workflow-setting",
				},
			},
			"nodeId":      str(),
			"path":        str(),
			"value":       map[string]any{},
			"field":       str(),
			"newValue":    str(),
			"newModel":    str(),
			"node":        map[string]any{"type": "object"},
			"connectFrom": str(),
			"connectTo":   str(),
			"edge":        map[string]any{"type": "object"},
			"edgeId":      str(),
		},
		"required": []any{"op"},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reasoning":      str(),
			"expectedImpact": str(),
			"riskAssessment": str(),
			"rollbackPlan":   str(),
			"mutations": map[string]any{
				"type":  "array",
				"items": mutation,
			},
		},
		"required": []any{"reasoning", "mutations"},
	}
}
