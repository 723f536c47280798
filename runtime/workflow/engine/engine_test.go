package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/agents/agenttest"
	"agentflow.dev/agentflow/runtime/workflow/engine"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/store"
	storemem "agentflow.dev/agentflow/runtime/workflow/store/inmem"
)

type harness struct {
	eng        *engine.Engine
	workflows  *storemem.WorkflowStore
	executions *storemem.ExecutionStore
}

func newHarness(t *testing.T, reg *agents.Registry, tweak ...func(*engine.Options)) *harness {
	t.Helper()
	h := &harness{
		workflows:  storemem.NewWorkflowStore(),
		executions: storemem.NewExecutionStore(),
	}
	opts := engine.Options{
		Workflows:  h.workflows,
		Executions: h.executions,
		Agents:     reg,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	var err error
	h.eng, err = engine.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.eng.Close(ctx)
	})
	return h
}

func (h *harness) save(t *testing.T, wf *workflow.Workflow) {
	t.Helper()
	require.NoError(t, h.workflows.Save(context.Background(), wf))
}

func claudeRegistry(a agents.Agent) *agents.Registry {
	reg := agents.NewRegistry()
	reg.Register(workflow.TypeClaude, a)
	return reg
}

func node(id string, typ workflow.NodeType, name string, extra map[string]any) workflow.Node {
	data := map[string]any{"type": string(typ), "name": name}
	for k, v := range extra {
		data[k] = v
	}
	return workflow.Node{ID: id, Type: typ, Data: data}
}

func edge(id, source, target, handle string) workflow.Edge {
	return workflow.Edge{ID: id, Source: source, Target: target, SourceHandle: handle}
}

func echoWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "wf-echo",
		Name: "Echo",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
			node("ag", workflow.TypeClaude, "Agent", map[string]any{"userQuery": "{{Input.value}}"}),
			node("out", workflow.TypeOutput, "Output", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "in", "ag", ""),
			edge("e2", "ag", "out", ""),
		},
	}
}

// collectFrom drains sub until the terminal record arrives.
func collectFrom(t *testing.T, sub *events.Subscription, executionID string) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case rec, ok := <-sub.C():
			if !ok {
				return out
			}
			evt, err := events.Decode(executionID, rec)
			require.NoError(t, err)
			out = append(out, evt)
			if evt.Terminal() {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event, got %d events", len(out))
		}
	}
}

func collect(t *testing.T, eng *engine.Engine, executionID string) []events.Event {
	t.Helper()
	sub, err := eng.Subscribe(context.Background(), executionID, 0)
	require.NoError(t, err)
	defer sub.Close()
	return collectFrom(t, sub, executionID)
}

func waitForType(t *testing.T, sub *events.Subscription, executionID string, typ events.Type) events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case rec, ok := <-sub.C():
			require.True(t, ok, "subscription closed before %s", typ)
			evt, err := events.Decode(executionID, rec)
			require.NoError(t, err)
			if evt.Type() == typ {
				return evt
			}
			require.False(t, evt.Terminal(), "run ended before %s arrived", typ)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func eventTypes(evts []events.Event) []events.Type {
	out := make([]events.Type, len(evts))
	for i, evt := range evts {
		out[i] = evt.Type()
	}
	return out
}

func nodeStarts(evts []events.Event) map[string]int {
	out := make(map[string]int)
	for _, evt := range evts {
		if p, ok := evt.Payload().(events.NodeStartPayload); ok {
			out[p.NodeID]++
		}
	}
	return out
}

func waitSummary(t *testing.T, h *harness, executionID string, status store.ExecutionStatus) store.ExecutionSummary {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s, err := h.executions.Load(context.Background(), executionID)
		if err == nil && s.Status == status {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached status %s", executionID, status)
	return store.ExecutionSummary{}
}

func TestLinearExecutionEventSequence(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.Echo()))
	h.save(t, echoWorkflow())

	id, err := h.eng.StartExecution(context.Background(), "wf-echo", "hello")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	require.Equal(t, []events.Type{
		events.ExecutionStart,
		events.NodeStart, events.NodeComplete, // input
		events.NodeStart, events.NodeOutput, events.NodeComplete, // agent
		events.NodeStart, events.NodeComplete, // output
		events.ExecutionComplete,
	}, eventTypes(evts))

	var last int64
	for _, evt := range evts {
		require.Greater(t, evt.Timestamp(), last, "timestamps must be strictly increasing")
		last = evt.Timestamp()
	}

	final := evts[len(evts)-1].Payload().(events.ExecutionCompletePayload)
	require.Equal(t, "hello", final.Result)

	summary := waitSummary(t, h, id, store.ExecutionComplete)
	require.Equal(t, "hello", summary.FinalResult)
	for nodeID, ns := range summary.Nodes {
		require.Equal(t, workflow.StatusComplete, ns.Status, "node %s", nodeID)
	}
}

func TestHistoryCursorSkipsEarlierRecords(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.Echo()))
	h.save(t, echoWorkflow())

	id, err := h.eng.StartExecution(context.Background(), "wf-echo", "hello")
	require.NoError(t, err)
	all := collect(t, h.eng, id)

	cursor := all[3].Timestamp()
	recs, err := h.eng.LoadExecutionHistory(context.Background(), id, cursor)
	require.NoError(t, err)
	require.Len(t, recs, len(all)-4)
	for i, rec := range recs {
		require.Equal(t, all[i+4].Timestamp(), rec.Timestamp)
	}

	// a late subscription replays the same tail and then closes
	sub, err := h.eng.Subscribe(context.Background(), id, cursor)
	require.NoError(t, err)
	defer sub.Close()
	tail := collectFrom(t, sub, id)
	require.Equal(t, eventTypes(all[4:]), eventTypes(tail))
}

func TestConditionPrunesLosingBranch(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, &workflow.Workflow{
		ID: "wf-branch",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
			node("check", workflow.TypeCondition, "Check", map[string]any{
				"inputReference": "{{Input.value}}",
				"operator":       "equals",
				"compareValue":   "go left",
			}),
			node("left", workflow.TypeJavaScript, "Left", map[string]any{"code": "'took left'"}),
			node("right", workflow.TypeJavaScript, "Right", map[string]any{"code": "'took right'"}),
			node("out", workflow.TypeOutput, "Output", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "in", "check", ""),
			edge("e2", "check", "left", "true"),
			edge("e3", "check", "right", "false"),
			edge("e4", "left", "out", ""),
			edge("e5", "right", "out", ""),
		},
	})

	id, err := h.eng.StartExecution(context.Background(), "wf-branch", "go left")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	final := evts[len(evts)-1]
	require.Equal(t, events.ExecutionComplete, final.Type())
	require.Equal(t, "took left", final.Payload().(events.ExecutionCompletePayload).Result)

	starts := nodeStarts(evts)
	require.Equal(t, 1, starts["left"])
	require.Zero(t, starts["right"], "pruned branch must not run")

	summary := waitSummary(t, h, id, store.ExecutionComplete)
	require.Equal(t, workflow.StatusSkipped, summary.Nodes["right"].Status)
	require.Equal(t, workflow.StatusComplete, summary.Nodes["left"].Status)
}

func TestApprovalRejectionTakesRejectedBranch(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, &workflow.Workflow{
		ID: "wf-gate",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
			node("gate", workflow.TypeApproval, "Gate", map[string]any{
				"promptMessage": "Ship {{Input.value}}?",
			}),
			node("ship", workflow.TypeJavaScript, "Ship", map[string]any{"code": "'shipped'"}),
			node("hold", workflow.TypeJavaScript, "Hold", map[string]any{"code": "'held'"}),
			node("out", workflow.TypeOutput, "Output", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "in", "gate", ""),
			edge("e2", "gate", "ship", "approved"),
			edge("e3", "gate", "hold", "rejected"),
			edge("e4", "ship", "out", ""),
			edge("e5", "hold", "out", ""),
		},
	})

	id, err := h.eng.StartExecution(context.Background(), "wf-gate", "v2")
	require.NoError(t, err)

	sub, err := h.eng.Subscribe(context.Background(), id, 0)
	require.NoError(t, err)
	defer sub.Close()

	waiting := waitForType(t, sub, id, events.NodeWaiting)
	wp := waiting.Payload().(events.NodeWaitingPayload)
	require.Equal(t, "gate", wp.NodeID)
	require.Equal(t, "Ship v2?", wp.Approval.PromptMessage)

	require.NoError(t, h.eng.SubmitApproval(id, "gate", workflow.ApprovalResponse{
		Approved: false,
		Feedback: "not yet",
	}))

	rest := collectFrom(t, sub, id)
	final := rest[len(rest)-1]
	require.Equal(t, events.ExecutionComplete, final.Type())
	require.Equal(t, "held", final.Payload().(events.ExecutionCompletePayload).Result)

	summary := waitSummary(t, h, id, store.ExecutionComplete)
	require.Equal(t, workflow.StatusComplete, summary.Nodes["gate"].Status)
	require.Equal(t, workflow.StatusSkipped, summary.Nodes["ship"].Status)
	require.Equal(t, workflow.StatusComplete, summary.Nodes["hold"].Status)
}

func TestInterruptStopsRunPromptly(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.Hanging()))
	h.save(t, echoWorkflow())

	id, err := h.eng.StartExecution(context.Background(), "wf-echo", "hello")
	require.NoError(t, err)

	sub, err := h.eng.Subscribe(context.Background(), id, 0)
	require.NoError(t, err)
	defer sub.Close()
	waitForType(t, sub, id, events.NodeOutput) // agent is mid-stream

	begin := time.Now()
	require.NoError(t, h.eng.Interrupt(id))
	rest := collectFrom(t, sub, id)
	require.Less(t, time.Since(begin), time.Second)

	require.Equal(t, []events.Type{events.NodeError, events.ExecutionError}, eventTypes(rest))
	require.Equal(t, "Execution interrupted", rest[0].Payload().(events.NodeErrorPayload).Error)
	require.Equal(t, "ag", rest[0].Payload().(events.NodeErrorPayload).NodeID)
	require.Equal(t, "Execution interrupted", rest[1].Payload().(events.ExecutionErrorPayload).Error)

	// the terminal record seals the log
	select {
	case rec, ok := <-sub.C():
		require.False(t, ok, "unexpected record after terminal: %s", rec.Event)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("subscription should close after the terminal record")
	}

	summary := waitSummary(t, h, id, store.ExecutionError)
	require.Equal(t, "Execution interrupted", summary.Error)
	require.Equal(t, workflow.StatusError, summary.Nodes["ag"].Status)
}

func TestInterruptUnknownExecution(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.eng.Interrupt("ghost"), engine.ErrNotRunning)
}

func loopWorkflow(compare string) *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf-loop",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
			node("ag", workflow.TypeClaude, "Writer", map[string]any{"userQuery": "{{Input.value}}"}),
			node("check", workflow.TypeCondition, "Done", map[string]any{
				"inputReference": "{{Writer}}",
				"operator":       "equals",
				"compareValue":   compare,
			}),
			node("out", workflow.TypeOutput, "Output", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "in", "ag", ""),
			edge("e2", "ag", "check", ""),
			edge("e3", "check", "out", "true"),
			edge("e4", "check", "ag", "false"),
		},
	}
}

func TestLoopRerunsUntilConditionMatches(t *testing.T) {
	backend := agenttest.New(
		agenttest.Turn{Events: []events.AgentEvent{events.Complete("draft 1")}},
		agenttest.Turn{Events: []events.AgentEvent{events.Complete("draft 2")}},
		agenttest.Turn{Events: []events.AgentEvent{events.Complete("final")}},
	)
	h := newHarness(t, claudeRegistry(backend))
	h.save(t, loopWorkflow("final"))

	id, err := h.eng.StartExecution(context.Background(), "wf-loop", "write it")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	starts := nodeStarts(evts)
	require.Equal(t, 3, starts["ag"])
	require.Equal(t, 3, starts["check"])
	require.Equal(t, 1, starts["out"])
	require.Len(t, backend.Calls(), 3)

	final := evts[len(evts)-1].Payload().(events.ExecutionCompletePayload)
	require.Equal(t, map[string]any{"matched": true, "value": "final"}, final.Result)
}

func TestRunawayLoopAborts(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.New()), func(o *engine.Options) {
		o.MaxNodeRuns = 4
	})
	h.save(t, loopWorkflow("never"))

	id, err := h.eng.StartExecution(context.Background(), "wf-loop", "spin")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	final := evts[len(evts)-1]
	require.Equal(t, events.ExecutionError, final.Type())
	require.Contains(t, final.Payload().(events.ExecutionErrorPayload).Error, "probable infinite loop")

	summary := waitSummary(t, h, id, store.ExecutionError)
	require.Contains(t, summary.Error, "probable infinite loop")
}

func TestMergeWaitsForAllBranches(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, &workflow.Workflow{
		ID: "wf-merge",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
			node("a", workflow.TypeJavaScript, "A", map[string]any{"code": "'alpha'"}),
			node("b", workflow.TypeJavaScript, "B", map[string]any{"code": "'beta'"}),
			node("m", workflow.TypeMerge, "Join", nil),
			node("out", workflow.TypeOutput, "Output", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "in", "a", ""),
			edge("e2", "in", "b", ""),
			edge("e3", "a", "m", ""),
			edge("e4", "b", "m", ""),
			edge("e5", "m", "out", ""),
		},
	})

	id, err := h.eng.StartExecution(context.Background(), "wf-merge", "go")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	final := evts[len(evts)-1].Payload().(events.ExecutionCompletePayload)
	require.Equal(t, map[string]any{"A": "alpha", "B": "beta"}, final.Result)
}

func TestFirstCompleteMergeDropsSlowBranch(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.Hanging()))
	h.save(t, &workflow.Workflow{
		ID: "wf-race",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
			node("quick", workflow.TypeJavaScript, "Quick", map[string]any{"code": "'fast'"}),
			node("slow", workflow.TypeClaude, "Slow", map[string]any{"userQuery": "think hard"}),
			node("m", workflow.TypeMerge, "Race", map[string]any{"strategy": "first-complete"}),
			node("out", workflow.TypeOutput, "Output", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "in", "quick", ""),
			edge("e2", "in", "slow", ""),
			edge("e3", "quick", "m", ""),
			edge("e4", "slow", "m", ""),
			edge("e5", "m", "out", ""),
		},
	})

	id, err := h.eng.StartExecution(context.Background(), "wf-race", "go")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	final := evts[len(evts)-1].Payload().(events.ExecutionCompletePayload)
	require.Equal(t, map[string]any{"Quick": "fast"}, final.Result)

	// the straggler is cancelled after the terminal event, silently
	deadline := time.Now().Add(5 * time.Second)
	for {
		summary, err := h.executions.Load(context.Background(), id)
		require.NoError(t, err)
		if summary.Nodes["slow"].Status.Terminal() {
			require.Equal(t, workflow.StatusError, summary.Nodes["slow"].Status)
			break
		}
		require.True(t, time.Now().Before(deadline), "slow branch never settled")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNodeTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.Hanging()))
	wf := echoWorkflow()
	wf.Nodes[1].Data["timeout"] = 50.0
	h.save(t, wf)

	id, err := h.eng.StartExecution(context.Background(), "wf-echo", "hello")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	final := evts[len(evts)-1]
	require.Equal(t, events.ExecutionError, final.Type())
	require.Equal(t, "Agent execution timed out", final.Payload().(events.ExecutionErrorPayload).Error)

	summary := waitSummary(t, h, id, store.ExecutionError)
	require.Equal(t, workflow.StatusError, summary.Nodes["ag"].Status)
}

func TestRecoverableConditionFailureContinues(t *testing.T) {
	h := newHarness(t, nil)
	// The broken condition guards a side branch; the main path still
	// reaches the output.
	h.save(t, &workflow.Workflow{
		ID: "wf-recover",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
			node("main", workflow.TypeJavaScript, "Main", map[string]any{"code": "'main done'"}),
			node("check", workflow.TypeCondition, "Flaky", map[string]any{
				"inputReference": "{{Input.value}}",
				"operator":       "regex",
				"compareValue":   "([unclosed",
			}),
			node("side", workflow.TypeJavaScript, "Side", map[string]any{"code": "'side done'"}),
			node("out", workflow.TypeOutput, "Output", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "in", "main", ""),
			edge("e2", "in", "check", ""),
			edge("e3", "check", "side", "true"),
			edge("e4", "side", "out", ""),
			edge("e5", "main", "out", ""),
		},
	})

	id, err := h.eng.StartExecution(context.Background(), "wf-recover", "go")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	final := evts[len(evts)-1]
	require.Equal(t, events.ExecutionComplete, final.Type())
	require.Equal(t, "main done", final.Payload().(events.ExecutionCompletePayload).Result)

	summary := waitSummary(t, h, id, store.ExecutionComplete)
	require.Equal(t, workflow.StatusError, summary.Nodes["check"].Status)
	require.Equal(t, workflow.StatusSkipped, summary.Nodes["side"].Status)
}

func TestStartExecutionRejectsInvalidWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, &workflow.Workflow{
		ID: "wf-bad",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
		},
	})

	id, err := h.eng.StartExecution(context.Background(), "wf-bad", "hello")
	require.Error(t, err)
	require.True(t, workflow.IsCode(err, workflow.CodeValidationFailed))

	recs, err := h.eng.LoadExecutionHistory(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	evt, err := events.Decode(id, recs[0])
	require.NoError(t, err)
	require.Equal(t, events.ValidationError, evt.Type())
	require.True(t, evt.Terminal())
	require.NotEmpty(t, evt.Payload().(events.ValidationErrorPayload).Errors)

	_, err = h.executions.Load(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartExecutionUnknownWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.eng.StartExecution(context.Background(), "nope", "hi")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitApprovalWithoutPause(t *testing.T) {
	h := newHarness(t, nil)
	err := h.eng.SubmitApproval("exec", "gate", workflow.ApprovalResponse{Approved: true})
	require.True(t, workflow.IsCode(err, workflow.CodeNoPendingApproval))
}

func TestEvolutionAutoApply(t *testing.T) {
	const evoJSON = `{
		"reasoning": "the prompt drifts off topic",
		"mutations": [
			{"op": "update-prompt", "nodeId": "ag", "field": "userQuery", "newValue": "Summarize: {{Input.value}}"}
		]
	}`
	backend := agenttest.New(
		agenttest.Turn{Events: []events.AgentEvent{events.Complete("agent answer")}},
		agenttest.Turn{Events: []events.AgentEvent{events.Complete(evoJSON)}},
	)
	h := newHarness(t, claudeRegistry(backend))
	h.save(t, &workflow.Workflow{
		ID: "wf-evolve",
		Nodes: []workflow.Node{
			node("in", workflow.TypeInput, "Input", nil),
			node("ag", workflow.TypeClaude, "Agent", map[string]any{"userQuery": "{{Input.value}}"}),
			node("sr", workflow.TypeSelfReflect, "Tuner", map[string]any{
				"reflectionGoal": "tighten the agent prompt",
				"mode":           "auto-apply",
			}),
			node("out", workflow.TypeOutput, "Output", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "in", "ag", ""),
			edge("e2", "ag", "sr", ""),
			edge("e3", "sr", "out", ""),
		},
	})

	id, err := h.eng.StartExecution(context.Background(), "wf-evolve", "hello")
	require.NoError(t, err)

	evts := collect(t, h.eng, id)
	final := evts[len(evts)-1]
	require.Equal(t, events.ExecutionComplete, final.Type())

	var evo *events.NodeEvolutionPayload
	for _, evt := range evts {
		if p, ok := evt.Payload().(events.NodeEvolutionPayload); ok {
			evo = &p
		}
	}
	require.NotNil(t, evo, "expected a node-evolution record")
	require.True(t, evo.Applied)
	require.Equal(t, "sr", evo.NodeID)
	require.NotNil(t, evo.Evolution)
	require.Equal(t, "the prompt drifts off topic", evo.Evolution.Reasoning)

	// the definition was persisted with the mutation and its history entry
	updated, err := h.workflows.Load(context.Background(), "wf-evolve")
	require.NoError(t, err)
	ag, ok := updated.NodeByID("ag")
	require.True(t, ok)
	require.Equal(t, "Summarize: {{Input.value}}", ag.ConfigString("userQuery"))
	require.Len(t, updated.EvolutionHistory, 1)
	require.Equal(t, "sr", updated.EvolutionHistory[0].NodeID)
	require.NotNil(t, updated.EvolutionHistory[0].Before)
	require.NotNil(t, updated.EvolutionHistory[0].After)
}

func TestReplayReusesUpstreamResults(t *testing.T) {
	backend := agenttest.New(
		agenttest.Turn{Events: []events.AgentEvent{events.Complete("first")}},
		agenttest.Turn{Events: []events.AgentEvent{events.Complete("second")}},
	)
	h := newHarness(t, claudeRegistry(backend))
	h.save(t, echoWorkflow())

	sourceID, err := h.eng.StartExecution(context.Background(), "wf-echo", "hello")
	require.NoError(t, err)
	src := collect(t, h.eng, sourceID)
	require.Equal(t, "first", src[len(src)-1].Payload().(events.ExecutionCompletePayload).Result)
	waitSummary(t, h, sourceID, store.ExecutionComplete)

	// replay from the output node: both upstream results are reused
	replayID, err := h.eng.Replay(context.Background(), "wf-echo", sourceID, "out")
	require.NoError(t, err)
	evts := collect(t, h.eng, replayID)
	require.Equal(t, []events.Type{
		events.ExecutionStart,
		events.NodeStart, events.NodeComplete, // output only
		events.ExecutionComplete,
	}, eventTypes(evts))
	require.Equal(t, "first", evts[len(evts)-1].Payload().(events.ExecutionCompletePayload).Result)
	require.Len(t, backend.Calls(), 1, "agent must not re-run")

	summary := waitSummary(t, h, replayID, store.ExecutionComplete)
	require.Equal(t, workflow.StatusComplete, summary.Nodes["in"].Status)
	require.Equal(t, workflow.StatusComplete, summary.Nodes["ag"].Status)

	// replay from the agent: only the input seed is reused
	replayID2, err := h.eng.Replay(context.Background(), "wf-echo", sourceID, "ag")
	require.NoError(t, err)
	evts2 := collect(t, h.eng, replayID2)
	require.Equal(t, "second", evts2[len(evts2)-1].Payload().(events.ExecutionCompletePayload).Result)
	require.Len(t, backend.Calls(), 2)
	starts := nodeStarts(evts2)
	require.Zero(t, starts["in"], "seeded node must not emit events")
	require.Equal(t, 1, starts["ag"])
}

func TestReplayRequiresMatchingWorkflow(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.Echo()))
	h.save(t, echoWorkflow())
	other := echoWorkflow()
	other.ID = "wf-other"
	h.save(t, other)

	sourceID, err := h.eng.StartExecution(context.Background(), "wf-echo", "hello")
	require.NoError(t, err)
	collect(t, h.eng, sourceID)

	_, err = h.eng.Replay(context.Background(), "wf-other", sourceID, "out")
	require.True(t, workflow.IsCode(err, workflow.CodeValidationFailed))
}

func TestSessionCarriesAcrossLoopIterations(t *testing.T) {
	backend := agenttest.New(
		agenttest.Turn{Events: []events.AgentEvent{events.Complete("draft")}, SessionID: "sess-loop"},
		agenttest.Turn{Events: []events.AgentEvent{events.Complete("final")}},
	)
	h := newHarness(t, claudeRegistry(backend))
	h.save(t, loopWorkflow("final"))

	id, err := h.eng.StartExecution(context.Background(), "wf-loop", "write")
	require.NoError(t, err)
	collect(t, h.eng, id)

	calls := backend.Calls()
	require.Len(t, calls, 2)
	require.Empty(t, calls[0].SessionID)
	require.Equal(t, "sess-loop", calls[1].SessionID, "second iteration must resume the session")
}
