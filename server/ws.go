package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// Socket keepalive: the server pings every pingPeriod and expects a pong
// (or any read) within pongWait. Pings keep idle connections alive through
// proxies while a run waits on a slow agent call or an approval.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	sendBuffer = 256
)

// Client->server control messages, a JSON union tagged by type.
const (
	msgStartExecution     = "start-execution"
	msgInterrupt          = "interrupt"
	msgSubscribeExecution = "subscribe-execution"
	msgSubmitApproval     = "submit-approval"
	msgSubmitEvolution    = "submit-evolution"
	msgReplayExecution    = "replay-execution"
	msgSaveWorkflow       = "save-workflow"
)

// Server->client pushes.
const (
	msgWorkflows       = "workflows"
	msgWorkflowUpdated = "workflow-updated"
	msgWorkflowSaved   = "workflow-saved"
	msgEvent           = "event"
	msgError           = "error"
)

type (
	// clientMessage is the union of all client->server fields; Type selects
	// which ones apply.
	clientMessage struct {
		Type              string                     `json:"type"`
		WorkflowID        string                     `json:"workflowId,omitempty"`
		ExecutionID       string                     `json:"executionId,omitempty"`
		NodeID            string                     `json:"nodeId,omitempty"`
		Input             string                     `json:"input,omitempty"`
		AfterTimestamp    int64                      `json:"afterTimestamp,omitempty"`
		SourceExecutionID string                     `json:"sourceExecutionId,omitempty"`
		FromNodeID        string                     `json:"fromNodeId,omitempty"`
		Response          *workflow.ApprovalResponse `json:"response,omitempty"`
		Workflow          *workflow.Workflow         `json:"workflow,omitempty"`
	}

	workflowsPush struct {
		Type      string               `json:"type"`
		Workflows []*workflow.Workflow `json:"workflows"`
	}

	workflowUpdatedPush struct {
		Type     string             `json:"type"`
		Workflow *workflow.Workflow `json:"workflow"`
	}

	workflowSavedPush struct {
		Type    string `json:"type"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}

	eventPush struct {
		Type        string        `json:"type"`
		ExecutionID string        `json:"executionId"`
		Record      events.Record `json:"record"`
	}

	errorPush struct {
		Type        string `json:"type"`
		ExecutionID string `json:"executionId,omitempty"`
		Error       string `json:"error"`
	}

	// session is one connected client: a read loop dispatching control
	// messages, a single writer goroutine owning the socket, and one
	// forwarder per subscription bridging the event bus to the writer.
	session struct {
		srv  *Server
		conn *websocket.Conn
		send chan any
		done chan struct{}
		wg   sync.WaitGroup

		mu   sync.Mutex
		subs map[string]*events.Subscription
	}
)

// serveSocket upgrades the connection and runs the session until the
// client goes away.
func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Warn(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	sess := &session{
		srv:  s,
		conn: conn,
		send: make(chan any, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]*events.Subscription),
	}
	sess.run(r.Context())
}

// run drives the session until the socket closes. Executions started here
// are not tied to the connection; dropping it only stops the forwarding.
func (sess *session) run(ctx context.Context) {
	go sess.writeLoop()
	sess.pushWorkflowList(ctx)
	sess.readLoop(ctx)

	sess.mu.Lock()
	for _, sub := range sess.subs {
		sub.Close()
	}
	sess.mu.Unlock()
	close(sess.done)
	sess.wg.Wait()
}

// writeLoop is the only goroutine that writes to the socket. It closes the
// connection on exit so a failed write also unblocks the read loop.
func (sess *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()
	for {
		select {
		case msg := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (sess *session) readLoop(ctx context.Context) {
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.push(errorPush{Type: msgError, Error: "invalid message"})
			continue
		}
		sess.dispatch(ctx, msg)
	}
}

func (sess *session) dispatch(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case msgStartExecution:
		sess.handleStart(ctx, msg)
	case msgInterrupt:
		if err := sess.srv.engine.Interrupt(msg.ExecutionID); err != nil {
			sess.pushError(msg.ExecutionID, err)
		}
	case msgSubscribeExecution:
		sess.subscribe(ctx, msg.ExecutionID, msg.AfterTimestamp)
	case msgSubmitApproval:
		sess.handleDecision(msg, sess.srv.engine.SubmitApproval)
	case msgSubmitEvolution:
		sess.handleDecision(msg, sess.srv.engine.SubmitEvolutionDecision)
	case msgReplayExecution:
		sess.handleReplay(ctx, msg)
	case msgSaveWorkflow:
		sess.handleSave(ctx, msg.Workflow)
	default:
		sess.push(errorPush{Type: msgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// handleStart launches a run and attaches the session to its event feed.
// The run itself uses a background context so a websocket drop mid-run
// never kills it. A validation failure still journals its terminal event
// under the returned ID, so the session subscribes either way and lets the
// client see the validation-error record.
func (sess *session) handleStart(ctx context.Context, msg clientMessage) {
	executionID, err := sess.srv.engine.StartExecution(context.Background(), msg.WorkflowID, msg.Input)
	if executionID != "" {
		sess.subscribe(ctx, executionID, 0)
	}
	if err != nil && executionID == "" {
		sess.pushError("", err)
	}
}

func (sess *session) handleReplay(ctx context.Context, msg clientMessage) {
	executionID, err := sess.srv.engine.Replay(context.Background(), msg.WorkflowID, msg.SourceExecutionID, msg.FromNodeID)
	if executionID != "" {
		sess.subscribe(ctx, executionID, 0)
	}
	if err != nil && executionID == "" {
		sess.pushError("", err)
	}
}

func (sess *session) handleDecision(msg clientMessage, submit func(string, string, workflow.ApprovalResponse) error) {
	if msg.Response == nil {
		sess.pushError(msg.ExecutionID, errors.New("response is required"))
		return
	}
	if err := submit(msg.ExecutionID, msg.NodeID, *msg.Response); err != nil {
		sess.pushError(msg.ExecutionID, err)
	}
}

// handleSave upserts a workflow definition, confirms with workflow-saved,
// then refreshes the client's list.
func (sess *session) handleSave(ctx context.Context, wf *workflow.Workflow) {
	if wf == nil {
		sess.push(workflowSavedPush{Type: msgWorkflowSaved, Error: "workflow is required"})
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if err := sess.srv.workflows.Save(ctx, wf); err != nil {
		sess.push(workflowSavedPush{Type: msgWorkflowSaved, Error: err.Error()})
		return
	}
	sess.push(workflowSavedPush{Type: msgWorkflowSaved, Success: true})
	sess.pushWorkflowList(ctx)
}

// subscribe attaches (or re-attaches) the session to an execution's feed.
// Journaled records after afterTimestamp replay first, then live records
// follow. Each subscription gets its own forwarder goroutine.
func (sess *session) subscribe(ctx context.Context, executionID string, after int64) {
	if executionID == "" {
		sess.pushError("", errors.New("execution id is required"))
		return
	}
	sub, err := sess.srv.engine.Subscribe(ctx, executionID, after)
	if err != nil {
		sess.pushError(executionID, err)
		return
	}
	sess.mu.Lock()
	if old, ok := sess.subs[executionID]; ok {
		old.Close()
	}
	sess.subs[executionID] = sub
	sess.mu.Unlock()
	sess.wg.Add(1)
	go sess.forward(executionID, sub)
}

// forward pumps one subscription into the writer. When an applied
// evolution passes through it also refreshes the client's copy of the
// workflow. The bus drops subscribers that fall too far behind; the client
// is told to resubscribe from the last timestamp it processed.
func (sess *session) forward(executionID string, sub *events.Subscription) {
	defer sess.wg.Done()
	for rec := range sub.C() {
		if !sess.push(eventPush{Type: msgEvent, ExecutionID: executionID, Record: rec}) {
			sub.Close()
			return
		}
		if evolutionApplied(rec) {
			sess.pushWorkflowUpdate(executionID)
		}
	}
	if sub.Desynced() {
		sess.pushError(executionID, errors.New("event stream fell behind; resubscribe with the last timestamp"))
	}
	sess.mu.Lock()
	if sess.subs[executionID] == sub {
		delete(sess.subs, executionID)
	}
	sess.mu.Unlock()
}

// evolutionApplied sniffs a record for an applied node-evolution without a
// full decode.
func evolutionApplied(rec events.Record) bool {
	if gjson.GetBytes(rec.Event, "type").String() != string(events.NodeEvolution) {
		return false
	}
	return gjson.GetBytes(rec.Event, "applied").Bool()
}

// pushWorkflowUpdate sends the current definition of the workflow an
// execution belongs to.
func (sess *session) pushWorkflowUpdate(executionID string) {
	ctx := context.Background()
	summary, err := sess.srv.executions.Load(ctx, executionID)
	if err != nil {
		sess.srv.log.Warn(ctx, "load execution for workflow update", "executionId", executionID, "err", err)
		return
	}
	wf, err := sess.srv.workflows.Load(ctx, summary.WorkflowID)
	if err != nil {
		sess.srv.log.Warn(ctx, "load updated workflow", "workflowId", summary.WorkflowID, "err", err)
		return
	}
	sess.push(workflowUpdatedPush{Type: msgWorkflowUpdated, Workflow: wf})
}

func (sess *session) pushWorkflowList(ctx context.Context) {
	list, err := sess.srv.workflows.List(ctx)
	if err != nil {
		sess.pushError("", err)
		return
	}
	if list == nil {
		list = []*workflow.Workflow{}
	}
	sess.push(workflowsPush{Type: msgWorkflows, Workflows: list})
}

func (sess *session) pushError(executionID string, err error) {
	sess.push(errorPush{Type: msgError, ExecutionID: executionID, Error: err.Error()})
}

// push queues msg for the writer. It reports false once the session is
// shutting down.
func (sess *session) push(msg any) bool {
	select {
	case sess.send <- msg:
		return true
	case <-sess.done:
		return false
	}
}
