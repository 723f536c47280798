package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/exec"
	"agentflow.dev/agentflow/runtime/workflow/store"
)

const interruptedMsg = "Execution interrupted"

type (
	// run is one execution. All fields below msgs are owned by the
	// coordination goroutine; workers communicate exclusively through msgs.
	run struct {
		id         string
		workflowID string
		input      string
		eng        *Engine

		// execCtx parents every executor context. Cancelled once the run
		// reaches a terminal event, whatever the path.
		execCtx    context.Context
		execCancel context.CancelFunc
		// interrupted is closed by Interrupt; the coordinator turns it into
		// node-error and execution-error records.
		interrupted chan struct{}
		stopOnce    sync.Once

		msgs chan message

		snapshot *workflow.Workflow
		graph    *workflow.Graph
		states   map[string]*nodeState
		// pruned marks edges killed by a branch decision, keyed by edge ID.
		// A later loop iteration may flip an entry back to live.
		pruned   map[string]bool
		live     map[string]bool
		running  int
		finished bool
		summary  store.ExecutionSummary
	}

	// nodeState tracks one node across loop iterations within a run.
	nodeState struct {
		status      workflow.NodeStatus
		result      any
		errMsg      string
		runs        int
		enqueued    int
		session     string
		transcript  []events.AgentEvent
		startedAt   *time.Time
		completedAt *time.Time
	}

	msgKind int

	// message is the single envelope workers send to the coordinator.
	// Funneling everything through one channel keeps a node's streamed
	// output ahead of its completion.
	message struct {
		kind      msgKind
		nodeID    string
		event     events.AgentEvent
		approval  workflow.ApprovalRequest
		evolution events.NodeEvolutionPayload
		apply     *applyRequest
		outcome   exec.Outcome
		err       error
	}

	applyRequest struct {
		nodeID string
		evo    workflow.Evolution
		reply  chan error
	}
)

const (
	msgEvent msgKind = iota
	msgWaiting
	msgEvolution
	msgApply
	msgDone
)

func (e *Engine) newRun(executionID string, snapshot *workflow.Workflow, input string) *run {
	execCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:          executionID,
		workflowID:  snapshot.ID,
		input:       input,
		eng:         e,
		execCtx:     execCtx,
		execCancel:  cancel,
		interrupted: make(chan struct{}),
		msgs:        make(chan message, 64),
		snapshot:    snapshot,
		graph:       workflow.NewGraph(snapshot),
		states:      make(map[string]*nodeState, len(snapshot.Nodes)),
		pruned:      make(map[string]bool),
		summary: store.ExecutionSummary{
			ExecutionID: executionID,
			WorkflowID:  snapshot.ID,
			Status:      store.ExecutionRunning,
			Input:       input,
			Nodes:       make(map[string]store.NodeState, len(snapshot.Nodes)),
			StartedAt:   time.Now(),
		},
	}
	for _, n := range snapshot.Nodes {
		r.states[n.ID] = &nodeState{status: workflow.StatusPending}
		r.summary.Nodes[n.ID] = store.NodeState{Status: workflow.StatusPending}
	}
	return r
}

func (r *run) interrupt() {
	r.stopOnce.Do(func() { close(r.interrupted) })
}

// loop is the coordination goroutine. It schedules ready nodes, applies
// every state transition, and, once a terminal event is out, drains
// in-flight workers without publishing anything further.
func (r *run) loop() {
	started := time.Now()
	r.advance()
	for !r.finished {
		select {
		case msg := <-r.msgs:
			r.handle(msg)
		case <-r.interrupted:
			r.abort()
		}
	}
	r.execCancel()
	for r.running > 0 {
		r.drain(<-r.msgs)
	}
	r.persist()
	r.eng.metrics.RecordTimer("workflow_execution_duration", time.Since(started), "status", string(r.summary.Status))
}

func (r *run) handle(msg message) {
	switch msg.kind {
	case msgEvent:
		if st, ok := r.states[msg.nodeID]; ok {
			st.transcript = append(st.transcript, msg.event)
			r.publish(events.NewNodeOutput(r.id, msg.nodeID, msg.event))
		}
	case msgWaiting:
		r.nodeWaiting(msg.nodeID, msg.approval)
	case msgEvolution:
		r.publish(events.NewNodeEvolution(r.id, msg.nodeID, msg.evolution))
	case msgApply:
		msg.apply.reply <- r.applyEvolution(msg.apply)
	case msgDone:
		r.running--
		if msg.err != nil {
			r.nodeError(msg.nodeID, msg.err)
		} else {
			r.nodeComplete(msg.nodeID, msg.outcome)
		}
		r.advance()
	}
}

// drain consumes worker traffic after the run is finished. Late apply
// requests are refused; everything else only settles bookkeeping.
func (r *run) drain(msg message) {
	switch msg.kind {
	case msgApply:
		msg.apply.reply <- workflow.NewError(workflow.CodeEvolutionApplyFailed, "execution already finished")
	case msgDone:
		r.running--
		st := r.states[msg.nodeID]
		if st == nil || st.status.Terminal() {
			return
		}
		now := time.Now()
		st.completedAt = &now
		if msg.err != nil {
			st.status = workflow.StatusError
			st.errMsg = errText(msg.err)
		} else {
			st.status = workflow.StatusComplete
			st.result = msg.outcome.Output
		}
		r.syncNode(msg.nodeID)
	}
}

// advance is called after every settled transition: refresh reachability,
// finish on output completion, launch whatever became ready, and detect
// runs that can no longer make progress.
func (r *run) advance() {
	if r.finished {
		return
	}
	r.refreshLiveness()
	if out, ok := r.snapshot.OutputNode(); ok {
		if st := r.states[out.ID]; st != nil && st.status == workflow.StatusComplete {
			r.complete(st.result)
			return
		}
	}
	for _, nodeID := range r.ready() {
		r.launch(nodeID)
		if r.finished {
			return
		}
	}
	if r.running == 0 {
		r.fail(workflow.NewError(workflow.CodeNoValidPath, "No remaining path can reach the output node"))
	}
}

// refreshLiveness recomputes which nodes are still reachable from the input
// through live edges. Pending nodes that fell off the live set are skipped;
// skipped nodes that a loop made reachable again return to pending.
func (r *run) refreshLiveness() {
	r.live = r.liveSet()
	changed := false
	for _, n := range r.snapshot.Nodes {
		st := r.states[n.ID]
		if st == nil {
			continue
		}
		switch {
		case st.status == workflow.StatusPending && !r.live[n.ID]:
			now := time.Now()
			st.status = workflow.StatusSkipped
			st.completedAt = &now
			r.syncNode(n.ID)
			changed = true
		case st.status == workflow.StatusSkipped && r.live[n.ID]:
			r.reset(n.ID)
			changed = true
		}
	}
	if changed {
		r.persist()
	}
}

// liveSet walks from the input node across edges that are not pruned and
// whose source has not failed. Failed nodes block their downstream unless
// another path around them exists.
func (r *run) liveSet() map[string]bool {
	in, ok := r.snapshot.InputNode()
	if !ok {
		return map[string]bool{}
	}
	return r.graph.Reachable(in.ID, func(e workflow.Edge) bool {
		if r.pruned[e.ID] {
			return false
		}
		src := r.states[e.Source]
		return src == nil || src.status != workflow.StatusError
	})
}

// ready returns pending live nodes whose inputs are settled, in definition
// order so scheduling stays deterministic.
func (r *run) ready() []string {
	var out []string
	for _, n := range r.snapshot.Nodes {
		st := r.states[n.ID]
		if st == nil || st.status != workflow.StatusPending || !r.live[n.ID] {
			continue
		}
		if r.isReady(n) {
			out = append(out, n.ID)
		}
	}
	return out
}

// isReady implements the scheduling rule: every live incoming edge has a
// terminal source and at least one delivered a completed result. A
// first-complete merge fires as soon as any live input completes instead of
// waiting for the rest. Back edges, whose source sits downstream of the
// node, never block: they re-arm the node through reactivation when the
// loop comes around.
func (r *run) isReady(n workflow.Node) bool {
	incoming := r.graph.Incoming(n.ID)
	if len(incoming) == 0 {
		return true
	}
	firstComplete := n.Type == workflow.TypeMerge && n.ConfigString("strategy") == "first-complete"
	var downstream map[string]bool
	completed := 0
	for _, e := range incoming {
		if r.pruned[e.ID] {
			continue
		}
		src := r.states[e.Source]
		if src == nil {
			continue
		}
		if src.status == workflow.StatusComplete {
			completed++
			continue
		}
		if firstComplete {
			continue
		}
		if !src.status.Terminal() {
			if downstream == nil {
				downstream = r.graph.Descendants(n.ID)
			}
			if downstream[e.Source] {
				continue
			}
			return false
		}
	}
	return completed > 0
}

func (r *run) launch(nodeID string) {
	node, ok := r.graph.Node(nodeID)
	if !ok {
		return
	}
	st := r.states[nodeID]
	st.enqueued++
	if st.enqueued > r.eng.maxRuns {
		r.fail(workflow.Errorf(workflow.CodeCycleDetected,
			"node %q was scheduled more than %d times; aborting probable infinite loop", node.Name(), r.eng.maxRuns))
		return
	}
	if node.Type == workflow.TypeMerge && node.ConfigString("strategy") == "first-complete" {
		// The losing branches must not re-trigger this merge when they
		// finish later.
		for _, e := range r.graph.Incoming(nodeID) {
			if src := r.states[e.Source]; src != nil && src.status != workflow.StatusComplete {
				r.pruned[e.ID] = true
			}
		}
	}
	now := time.Now()
	st.status = workflow.StatusRunning
	st.runs++
	st.startedAt = &now
	st.completedAt = nil
	st.errMsg = ""
	r.syncNode(nodeID)
	r.publish(events.NewNodeStart(r.id, nodeID, node.Name()))
	r.persist()
	r.eng.metrics.IncCounter("workflow_node_runs", 1, "type", string(node.Type))

	ec := r.execContext(node)
	r.running++
	go func() {
		out, err := r.execute(node, ec)
		r.msgs <- message{kind: msgDone, nodeID: node.ID, outcome: out, err: err}
	}()
}

// execute runs on the worker goroutine. Approval and self-reflect nodes run
// their own decision timers, so the per-node timeout wraps every other type.
func (r *run) execute(node workflow.Node, ec *exec.Context) (exec.Outcome, error) {
	execr, err := r.eng.executors.Lookup(node.Type)
	if err != nil {
		return exec.Outcome{}, err
	}
	if err := execr.Validate(node); err != nil {
		return exec.Outcome{}, err
	}
	ctx := r.execCtx
	if d := nodeTimeout(node); d > 0 && node.Type != workflow.TypeApproval && node.Type != workflow.TypeSelfReflect {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return execr.Execute(ctx, node, ec, func(evt events.AgentEvent) {
		select {
		case r.msgs <- message{kind: msgEvent, nodeID: node.ID, event: evt}:
		case <-r.execCtx.Done():
		}
	})
}

// execContext snapshots the node's view of the run. Built on the
// coordination goroutine so workers never read shared state.
func (r *run) execContext(node workflow.Node) *exec.Context {
	st := r.states[node.ID]
	inputs := make(map[string]any)
	for _, e := range r.graph.Incoming(node.ID) {
		if r.pruned[e.ID] {
			continue
		}
		src := r.states[e.Source]
		if src == nil || src.status != workflow.StatusComplete {
			continue
		}
		if sn, ok := r.graph.Node(e.Source); ok {
			inputs[sn.Name()] = src.result
		}
	}
	ancestors := make(map[string]any)
	for id := range r.graph.Ancestors(node.ID) {
		src := r.states[id]
		if src == nil || src.status != workflow.StatusComplete {
			continue
		}
		if sn, ok := r.graph.Node(id); ok {
			ancestors[sn.Name()] = src.result
		}
	}
	ec := &exec.Context{
		ExecutionID:      r.id,
		WorkflowID:       r.workflowID,
		UserInput:        r.input,
		WorkingDirectory: r.snapshot.WorkingDirectory,
		Workflow:         r.snapshot,
		Inputs:           inputs,
		Ancestors:        ancestors,
		SessionID:        st.session,
		RunCount:         st.runs,
		Waiting: func(req workflow.ApprovalRequest) {
			r.send(message{kind: msgWaiting, nodeID: node.ID, approval: req})
		},
		EvolutionOutcome: func(p events.NodeEvolutionPayload) {
			r.send(message{kind: msgEvolution, nodeID: node.ID, evolution: p})
		},
		ApplyEvolution: func(ctx context.Context, evo workflow.Evolution) error {
			req := &applyRequest{nodeID: node.ID, evo: evo, reply: make(chan error, 1)}
			r.send(message{kind: msgApply, nodeID: node.ID, apply: req})
			select {
			case err := <-req.reply:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	if node.ConfigBool("includeTranscripts") {
		ec.Transcripts = r.transcripts(node.ID)
	}
	return ec
}

func (r *run) send(msg message) {
	select {
	case r.msgs <- msg:
	case <-r.execCtx.Done():
	}
}

func (r *run) transcripts(nodeID string) map[string][]events.AgentEvent {
	out := make(map[string][]events.AgentEvent)
	for id := range r.graph.Ancestors(nodeID) {
		st := r.states[id]
		if st == nil || len(st.transcript) == 0 {
			continue
		}
		if sn, ok := r.graph.Node(id); ok {
			out[sn.Name()] = append([]events.AgentEvent(nil), st.transcript...)
		}
	}
	return out
}

func (r *run) nodeWaiting(nodeID string, req workflow.ApprovalRequest) {
	st, ok := r.states[nodeID]
	if !ok {
		return
	}
	st.status = workflow.StatusWaiting
	r.syncNode(nodeID)
	r.publish(events.NewNodeWaiting(r.id, nodeID, req))
	r.persist()
}

func (r *run) nodeComplete(nodeID string, out exec.Outcome) {
	st, ok := r.states[nodeID]
	if !ok {
		return
	}
	now := time.Now()
	st.status = workflow.StatusComplete
	st.result = out.Output
	st.completedAt = &now
	if sid, ok := out.Metadata[exec.MetaSessionID].(string); ok && sid != "" {
		st.session = sid
	}
	r.syncNode(nodeID)
	r.publish(events.NewNodeComplete(r.id, nodeID, out.Output))
	if node, ok := r.graph.Node(nodeID); ok {
		if st.startedAt != nil {
			r.eng.metrics.RecordTimer("workflow_node_duration", now.Sub(*st.startedAt), "type", string(node.Type))
		}
		r.pruneBranches(node, out.Output)
		r.reactivate(node)
	}
	r.persist()
}

func (r *run) nodeError(nodeID string, err error) {
	st, ok := r.states[nodeID]
	if !ok {
		return
	}
	now := time.Now()
	st.status = workflow.StatusError
	st.errMsg = errText(err)
	st.completedAt = &now
	r.syncNode(nodeID)
	r.publish(events.NewNodeError(r.id, nodeID, st.errMsg))
	r.eng.log.Info(r.execCtx, "node failed",
		"executionId", r.id, "nodeId", nodeID, "code", workflow.CodeOf(err), "err", err)

	node, _ := r.graph.Node(nodeID)
	if !recoverable(node, err) {
		r.fail(err)
		return
	}
	r.persist()
}

// pruneBranches records which outgoing edges a branch decision killed.
// Unlabeled edges always stay live. Re-running a branch node overwrites its
// previous decision, so a loop can flip a branch between iterations.
func (r *run) pruneBranches(node workflow.Node, result any) {
	var live string
	switch node.Type {
	case workflow.TypeCondition:
		m, ok := result.(map[string]any)
		if !ok {
			return
		}
		matched, _ := m["matched"].(bool)
		live = "false"
		if matched {
			live = "true"
		}
	case workflow.TypeApproval:
		approved, ok := result.(bool)
		if !ok {
			return
		}
		live = "rejected"
		if approved {
			live = "approved"
		}
	default:
		return
	}
	for _, e := range r.graph.Outgoing(node.ID) {
		if e.SourceHandle == "" {
			continue
		}
		r.pruned[e.ID] = e.SourceHandle != live
	}
}

// reactivate re-arms already-finished successors so cycles run again. Only
// complete and skipped targets reset; failed nodes stay failed.
func (r *run) reactivate(node workflow.Node) {
	for _, e := range r.graph.Outgoing(node.ID) {
		if r.pruned[e.ID] {
			continue
		}
		st, ok := r.states[e.Target]
		if !ok {
			continue
		}
		if st.status == workflow.StatusComplete || st.status == workflow.StatusSkipped {
			r.reset(e.Target)
		}
	}
}

// reset returns a node to pending for another iteration, keeping its agent
// session and transcript so resumed conversations carry across loops.
func (r *run) reset(nodeID string) {
	st := r.states[nodeID]
	st.status = workflow.StatusPending
	st.result = nil
	st.errMsg = ""
	st.startedAt = nil
	st.completedAt = nil
	r.syncNode(nodeID)
}

// applyEvolution swaps in a mutated definition mid-run. Serialized with
// scheduling by construction; refused while any touched node other than the
// requester is active.
func (r *run) applyEvolution(req *applyRequest) error {
	if r.finished {
		return workflow.NewError(workflow.CodeEvolutionApplyFailed, "execution already finished")
	}
	for _, id := range touchedNodes(req.evo) {
		if id == req.nodeID {
			continue
		}
		st, ok := r.states[id]
		if !ok {
			continue
		}
		if st.status == workflow.StatusRunning || st.status == workflow.StatusWaiting {
			return workflow.Errorf(workflow.CodeEvolutionApplyFailed,
				"node %s is still active; evolution cannot touch it", id)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	next, err := r.eng.applier.Apply(ctx, r.snapshot, req.evo, req.nodeID)
	if err != nil {
		return err
	}
	r.snapshot = next
	r.graph = workflow.NewGraph(next)
	for _, n := range next.Nodes {
		if _, ok := r.states[n.ID]; !ok {
			r.states[n.ID] = &nodeState{status: workflow.StatusPending}
			r.summary.Nodes[n.ID] = store.NodeState{Status: workflow.StatusPending}
		}
	}
	r.persist()
	r.eng.log.Info(ctx, "evolution applied",
		"executionId", r.id, "nodeId", req.nodeID, "mutations", len(req.evo.Mutations))
	return nil
}

func (r *run) complete(result any) {
	now := time.Now()
	r.finished = true
	r.publish(events.NewExecutionComplete(r.id, result))
	r.summary.Status = store.ExecutionComplete
	r.summary.FinalResult = result
	r.summary.CompletedAt = &now
	r.persist()
	r.eng.metrics.IncCounter("workflow_executions_completed", 1, "status", "complete")
	r.shutdownWaiters()
}

func (r *run) fail(err error) {
	if r.finished {
		return
	}
	now := time.Now()
	r.finished = true
	msg := errText(err)
	r.publish(events.NewExecutionError(r.id, msg))
	r.summary.Status = store.ExecutionError
	r.summary.Error = msg
	r.summary.CompletedAt = &now
	r.persist()
	r.eng.metrics.IncCounter("workflow_executions_completed", 1, "status", "error")
	r.shutdownWaiters()
}

// abort ends the run on interrupt: every active node gets a node-error and
// the execution closes with execution-error, all before workers unwind.
func (r *run) abort() {
	if r.finished {
		return
	}
	now := time.Now()
	for _, n := range r.snapshot.Nodes {
		st := r.states[n.ID]
		if st == nil {
			continue
		}
		if st.status == workflow.StatusRunning || st.status == workflow.StatusWaiting {
			st.status = workflow.StatusError
			st.errMsg = interruptedMsg
			st.completedAt = &now
			r.syncNode(n.ID)
			r.publish(events.NewNodeError(r.id, n.ID, interruptedMsg))
		}
	}
	r.finished = true
	r.publish(events.NewExecutionError(r.id, interruptedMsg))
	r.summary.Status = store.ExecutionError
	r.summary.Error = interruptedMsg
	r.summary.CompletedAt = &now
	r.persist()
	r.eng.metrics.IncCounter("workflow_executions_completed", 1, "status", "interrupted")
	r.shutdownWaiters()
}

// shutdownWaiters cancels executor contexts and releases anyone blocked on
// an approval or evolution decision.
func (r *run) shutdownWaiters() {
	r.execCancel()
	r.eng.approvals.CancelAll(r.id)
	r.eng.evolutions.CancelAll(r.id)
}

func (r *run) publish(evt events.Event) {
	if err := r.eng.bus.Publish(context.Background(), evt); err != nil {
		r.eng.log.Warn(context.Background(), "publish event",
			"executionId", r.id, "type", string(evt.Type()), "err", err)
	}
}

// syncNode mirrors a node's state into the summary.
func (r *run) syncNode(nodeID string) {
	r.summary.Nodes[nodeID] = store.NodeState{
		Status:      r.states[nodeID].status,
		StartedAt:   r.states[nodeID].startedAt,
		CompletedAt: r.states[nodeID].completedAt,
	}
}

func (r *run) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.eng.executions.Upsert(ctx, r.summary.Clone()); err != nil {
		r.eng.log.Warn(ctx, "persist execution summary", "executionId", r.id, "err", err)
	}
}

// recoverable says whether the run may continue past a node failure.
// Branching node types absorb their own failures as long as another path to
// the output survives; an interrupt is always fatal.
func recoverable(node workflow.Node, err error) bool {
	if workflow.IsCode(err, workflow.CodeAgentInterrupted) {
		return false
	}
	var ee *workflow.ExecutionError
	if errors.As(err, &ee) && ee.Recoverable {
		return true
	}
	switch node.Type {
	case workflow.TypeCondition, workflow.TypeApproval, workflow.TypeSelfReflect:
		return true
	}
	return false
}

func errText(err error) string {
	var ee *workflow.ExecutionError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}

func nodeTimeout(node workflow.Node) time.Duration {
	ms, ok := node.ConfigNumber("timeout")
	if !ok || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func touchedNodes(evo workflow.Evolution) []string {
	var ids []string
	for _, m := range evo.Mutations {
		if m.NodeID != "" {
			ids = append(ids, m.NodeID)
		}
		if m.Node != nil && m.Node.ID != "" {
			ids = append(ids, m.Node.ID)
		}
		if m.ConnectFrom != "" {
			ids = append(ids, m.ConnectFrom)
		}
		if m.ConnectTo != "" {
			ids = append(ids, m.ConnectTo)
		}
		if m.Edge != nil {
			if m.Edge.Source != "" {
				ids = append(ids, m.Edge.Source)
			}
			if m.Edge.Target != "" {
				ids = append(ids, m.Edge.Target)
			}
		}
	}
	return ids
}
