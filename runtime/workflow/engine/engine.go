// Package engine runs workflow executions. Each run is owned by a single
// coordination goroutine that holds all scheduler state: node statuses,
// branch prunes, loop reactivation, and the evolution snapshot. Executors
// run in worker goroutines and report back over one message channel, which
// keeps streamed output, pauses, and completions ordered per execution.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/approval"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/evolve"
	"agentflow.dev/agentflow/runtime/workflow/exec"
	"agentflow.dev/agentflow/runtime/workflow/journal"
	journalmem "agentflow.dev/agentflow/runtime/workflow/journal/inmem"
	"agentflow.dev/agentflow/runtime/workflow/replay"
	"agentflow.dev/agentflow/runtime/workflow/schema"
	"agentflow.dev/agentflow/runtime/workflow/store"
	"agentflow.dev/agentflow/runtime/workflow/telemetry"
	"agentflow.dev/agentflow/runtime/workflow/validate"
)

// DefaultMaxNodeRuns caps how many times one node may be scheduled within a
// single execution before the run aborts with CYCLE_DETECTED.
const DefaultMaxNodeRuns = 1000

type (
	// Options configures an Engine. Workflows and Executions are required;
	// everything else defaults to an in-memory or no-op implementation.
	Options struct {
		// Workflows persists definitions. Evolution applies write through it.
		Workflows store.WorkflowStore
		// Executions persists run summaries, updated on every node
		// transition.
		Executions store.ExecutionStore
		// Journal is the append-only event log behind the bus.
		Journal journal.Store
		// Sinks receive every event after its journal write.
		Sinks []events.Sink
		// Agents supplies the streaming backends for agent and self-reflect
		// nodes.
		Agents *agents.Registry
		// Executors overrides the built-in executor set. Leave nil to get
		// the default set wired to Agents and the engine's coordinators.
		Executors *exec.Registry
		// Schemas drives node config validation during evolution.
		Schemas *schema.Registry

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// MaxNodeRuns caps per-node scheduling within one run. Zero means
		// DefaultMaxNodeRuns.
		MaxNodeRuns int
		// JS and Bash override the script sandboxes used by the default
		// executors.
		JS   exec.JSRunner
		Bash exec.BashRunner
	}

	// Engine owns the execution lifecycle: validation, scheduling, event
	// publication, approvals, evolution, and replay.
	Engine struct {
		workflows  store.WorkflowStore
		executions store.ExecutionStore
		bus        *events.Bus
		executors  *exec.Registry
		approvals  *approval.Coordinator
		evolutions *approval.Coordinator
		applier    *evolve.Applier
		log        telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
		maxRuns    int

		mu     sync.Mutex
		runs   map[string]*run
		closed bool
		wg     sync.WaitGroup
	}
)

// New builds an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Workflows == nil {
		return nil, workflow.NewError(workflow.CodeExecutionFailed, "engine requires a workflow store")
	}
	if opts.Executions == nil {
		return nil, workflow.NewError(workflow.CodeExecutionFailed, "engine requires an execution store")
	}
	if opts.Journal == nil {
		opts.Journal = journalmem.New()
	}
	if opts.Agents == nil {
		opts.Agents = agents.NewRegistry()
	}
	if opts.Schemas == nil {
		opts.Schemas = schema.Default()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.MaxNodeRuns <= 0 {
		opts.MaxNodeRuns = DefaultMaxNodeRuns
	}
	e := &Engine{
		workflows:  opts.Workflows,
		executions: opts.Executions,
		bus:        events.NewBus(opts.Journal, opts.Sinks...),
		approvals:  approval.New(),
		evolutions: approval.New(),
		applier:    evolve.NewApplier(opts.Workflows),
		log:        opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		maxRuns:    opts.MaxNodeRuns,
		runs:       make(map[string]*run),
	}
	e.executors = opts.Executors
	if e.executors == nil {
		e.executors = exec.Default(exec.Deps{
			Agents:     opts.Agents,
			Approvals:  e.approvals,
			Evolutions: e.evolutions,
			Schemas:    opts.Schemas,
			Logger:     opts.Logger,
			JS:         opts.JS,
			Bash:       opts.Bash,
		})
	}
	return e, nil
}

// StartExecution validates the workflow and launches a new run. The
// execution-start record is journaled before the call returns, so the
// returned ID can be subscribed to immediately. A structurally invalid
// workflow never starts: a terminal validation-error is published under a
// fresh execution ID and a VALIDATION_FAILED error is returned alongside it.
func (e *Engine) StartExecution(ctx context.Context, workflowID, input string) (string, error) {
	wf, err := e.workflows.Load(ctx, workflowID)
	if err != nil {
		return "", err
	}
	executionID := uuid.NewString()
	if res := validate.Validate(wf); !res.Valid {
		e.publishValidationError(ctx, executionID, res.Errors)
		return executionID, workflow.Errorf(workflow.CodeValidationFailed,
			"workflow %s failed validation with %d issues", workflowID, len(res.Errors))
	}
	return executionID, e.start(ctx, e.newRun(executionID, wf.Clone(), input))
}

// Replay starts a new execution that reuses results from a finished one.
// Nodes upstream of fromNodeID whose config and wiring are unchanged are
// seeded complete from the source journal and emit no events; everything
// from fromNodeID onward re-executes against the current definition.
func (e *Engine) Replay(ctx context.Context, workflowID, sourceExecutionID, fromNodeID string) (string, error) {
	summary, err := e.executions.Load(ctx, sourceExecutionID)
	if err != nil {
		return "", err
	}
	if summary.WorkflowID != workflowID {
		return "", workflow.Errorf(workflow.CodeValidationFailed,
			"execution %s does not belong to workflow %s", sourceExecutionID, workflowID)
	}
	wf, err := e.workflows.Load(ctx, workflowID)
	if err != nil {
		return "", err
	}
	snapshot := wf.Clone()
	plan, err := replay.Compute(summary, snapshot, fromNodeID)
	if err != nil {
		return "", err
	}
	executionID := uuid.NewString()
	if res := validate.Validate(snapshot); !res.Valid {
		e.publishValidationError(ctx, executionID, res.Errors)
		return executionID, workflow.Errorf(workflow.CodeValidationFailed,
			"workflow %s failed validation with %d issues", workflowID, len(res.Errors))
	}
	seeds, err := e.reusedResults(ctx, sourceExecutionID, plan.Reused)
	if err != nil {
		return "", err
	}
	for _, warning := range plan.Warnings {
		e.log.Info(ctx, "replay warning", "executionId", executionID, "warning", warning)
	}

	r := e.newRun(executionID, snapshot, summary.Input)
	for _, nodeID := range plan.Reused {
		st := r.states[nodeID]
		st.status = workflow.StatusComplete
		st.result = seeds[nodeID]
		if src, ok := summary.Nodes[nodeID]; ok {
			st.startedAt = src.StartedAt
			st.completedAt = src.CompletedAt
		}
		r.syncNode(nodeID)
	}
	// Seeded branch nodes must re-assert their prunes or dead branches
	// would be scheduled again.
	for _, nodeID := range plan.Reused {
		if node, ok := r.graph.Node(nodeID); ok {
			r.pruneBranches(node, r.states[nodeID].result)
		}
	}
	return executionID, e.start(ctx, r)
}

// Interrupt cancels an active execution. In-flight nodes end with a
// node-error and the run terminates with execution-error, both carrying
// "Execution interrupted". Finished or unknown executions return
// ErrNotRunning.
func (e *Engine) Interrupt(executionID string) error {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	r.interrupt()
	return nil
}

// Subscribe attaches to an execution's ordered event feed, replaying
// journaled records with timestamps greater than after before going live.
func (e *Engine) Subscribe(ctx context.Context, executionID string, after int64) (*events.Subscription, error) {
	return e.bus.Subscribe(ctx, executionID, after)
}

// LoadExecutionHistory returns the journaled records for an execution with
// timestamps greater than after.
func (e *Engine) LoadExecutionHistory(ctx context.Context, executionID string, after int64) ([]events.Record, error) {
	return e.bus.History(ctx, executionID, after)
}

// SubmitApproval resolves a pending approval pause. A zero RespondedAt is
// stamped with the current time.
func (e *Engine) SubmitApproval(executionID, nodeID string, resp workflow.ApprovalResponse) error {
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	return e.approvals.Submit(executionID, nodeID, resp)
}

// SubmitEvolutionDecision resolves a pending suggest-mode evolution review.
func (e *Engine) SubmitEvolutionDecision(executionID, nodeID string, resp workflow.ApprovalResponse) error {
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	return e.evolutions.Submit(executionID, nodeID, resp)
}

// Close interrupts every active run, waits for them to drain, and shuts the
// bus down. It returns early with ctx.Err() if the context expires first.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	active := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		active = append(active, r)
	}
	e.mu.Unlock()

	for _, r := range active {
		r.interrupt()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.bus.Close(ctx)
}

// ErrNotRunning reports an interrupt aimed at an execution that is not
// active on this engine.
var ErrNotRunning = workflow.NewError(workflow.CodeExecutionFailed, "execution is not running")

// start registers the run, journals execution-start, and hands control to
// the coordination goroutine.
func (e *Engine) start(ctx context.Context, r *run) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return workflow.NewError(workflow.CodeExecutionFailed, "engine is shutting down")
	}
	e.runs[r.id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.bus.Publish(ctx, events.NewExecutionStart(r.id, r.workflowID)); err != nil {
		e.mu.Lock()
		delete(e.runs, r.id)
		e.mu.Unlock()
		e.wg.Done()
		return err
	}
	r.persist()
	e.metrics.IncCounter("workflow_executions_started", 1, "workflow", r.workflowID)

	go func() {
		defer e.wg.Done()
		r.loop()
		e.mu.Lock()
		delete(e.runs, r.id)
		e.mu.Unlock()
		e.bus.Release(r.id)
	}()
	return nil
}

// publishValidationError journals the terminal validation-error for an
// execution that never started, then releases its bus log. Later
// subscriptions fall back to the journal.
func (e *Engine) publishValidationError(ctx context.Context, executionID string, issues []validate.Issue) {
	if err := e.bus.Publish(ctx, events.NewValidationError(executionID, issues)); err != nil {
		e.log.Warn(ctx, "publish validation error", "executionId", executionID, "err", err)
	}
	e.bus.Release(executionID)
}

// reusedResults pulls the last recorded result of each reused node out of
// the source execution's journal.
func (e *Engine) reusedResults(ctx context.Context, sourceExecutionID string, reused []string) (map[string]any, error) {
	if len(reused) == 0 {
		return nil, nil
	}
	recs, err := e.bus.History(ctx, sourceExecutionID, 0)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(reused))
	for _, id := range reused {
		want[id] = true
	}
	results := make(map[string]any, len(reused))
	for _, rec := range recs {
		evt, err := events.Decode(sourceExecutionID, rec)
		if err != nil {
			e.log.Warn(ctx, "skip undecodable record", "executionId", sourceExecutionID, "err", err)
			continue
		}
		if p, ok := evt.Payload().(events.NodeCompletePayload); ok && want[p.NodeID] {
			results[p.NodeID] = p.Result
		}
	}
	for _, id := range reused {
		if _, ok := results[id]; !ok {
			return nil, workflow.Errorf(workflow.CodeValidationFailed,
				"execution %s has no recorded result for node %s", sourceExecutionID, id)
		}
	}
	return results, nil
}
