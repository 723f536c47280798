package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/agents/agenttest"
	"agentflow.dev/agentflow/runtime/workflow/engine"
	"agentflow.dev/agentflow/runtime/workflow/events"
	journalmem "agentflow.dev/agentflow/runtime/workflow/journal/inmem"
	"agentflow.dev/agentflow/runtime/workflow/store"
	storemem "agentflow.dev/agentflow/runtime/workflow/store/inmem"
	"agentflow.dev/agentflow/server"
)

type harness struct {
	ts         *httptest.Server
	eng        *engine.Engine
	workflows  *storemem.WorkflowStore
	executions *storemem.ExecutionStore
	journal    *journalmem.Store
}

func newHarness(t *testing.T, reg *agents.Registry) *harness {
	t.Helper()
	h := &harness{
		workflows:  storemem.NewWorkflowStore(),
		executions: storemem.NewExecutionStore(),
		journal:    journalmem.New(),
	}
	var err error
	h.eng, err = engine.New(engine.Options{
		Workflows:  h.workflows,
		Executions: h.executions,
		Journal:    h.journal,
		Agents:     reg,
	})
	require.NoError(t, err)
	srv, err := server.New(server.Options{
		Engine:     h.eng,
		Workflows:  h.workflows,
		Executions: h.executions,
		Journal:    h.journal,
	})
	require.NoError(t, err)
	h.ts = httptest.NewServer(srv.Handler(context.Background()))
	t.Cleanup(func() {
		h.ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.eng.Close(ctx)
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
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

// runToCompletion starts an execution through the engine and blocks until
// its terminal event.
func runToCompletion(t *testing.T, h *harness, workflowID, input string) string {
	t.Helper()
	id, err := h.eng.StartExecution(context.Background(), workflowID, input)
	require.NoError(t, err)
	sub, err := h.eng.Subscribe(context.Background(), id, 0)
	require.NoError(t, err)
	defer sub.Close()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case rec, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed before the terminal event")
			}
			evt, err := events.Decode(id, rec)
			require.NoError(t, err)
			if evt.Terminal() {
				waitStatus(t, h, id)
				return id
			}
		case <-deadline:
			t.Fatal("timed out waiting for the terminal event")
		}
	}
}

// waitStatus blocks until the summary reaches a terminal status; the
// summary upsert races the terminal event by a hair.
func waitStatus(t *testing.T, h *harness, executionID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s, err := h.executions.Load(context.Background(), executionID)
		if err == nil && s.Status != store.ExecutionRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal status", executionID)
}

func TestWorkflowCRUD(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/workflows", echoWorkflow())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created workflow.Workflow
	decodeBody(t, resp, &created)
	assert.Equal(t, "wf-echo", created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	resp = h.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*workflow.Workflow
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "Echo", list[0].Name)

	resp = h.do(t, http.MethodGet, "/api/workflows/wf-echo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got workflow.Workflow
	decodeBody(t, resp, &got)
	assert.Len(t, got.Nodes, 3)

	created.Name = "Echo v2"
	resp = h.do(t, http.MethodPut, "/api/workflows/wf-echo", &created)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated workflow.Workflow
	decodeBody(t, resp, &updated)
	assert.Equal(t, "Echo v2", updated.Name)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	resp = h.do(t, http.MethodDelete, "/api/workflows/wf-echo", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/workflows/wf-echo", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "not found", body.Error)

	resp = h.do(t, http.MethodDelete, "/api/workflows/wf-echo", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateWorkflowAssignsID(t *testing.T) {
	h := newHarness(t, nil)

	wf := echoWorkflow()
	wf.ID = ""
	resp := h.do(t, http.MethodPost, "/api/workflows", wf)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created workflow.Workflow
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	stored, err := h.workflows.Load(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Echo", stored.Name)
}

func TestUpdateWorkflowIDMismatch(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPut, "/api/workflows/wf-other", echoWorkflow())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "does not match path")
}

func TestCreateWorkflowRejectsBadJSON(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Post(h.ts.URL+"/api/workflows", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDuplicateWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.workflows.Save(context.Background(), echoWorkflow()))

	resp := h.do(t, http.MethodPost, "/api/workflows/wf-echo/duplicate", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var dup workflow.Workflow
	decodeBody(t, resp, &dup)
	assert.NotEqual(t, "wf-echo", dup.ID)
	assert.Equal(t, "Echo (copy)", dup.Name)
	assert.Len(t, dup.Nodes, 3)
	assert.Len(t, dup.Edges, 2)

	list, err := h.workflows.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)

	resp = h.do(t, http.MethodPost, "/api/workflows/ghost/duplicate", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestExecutionEndpoints(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.Echo()))
	require.NoError(t, h.workflows.Save(context.Background(), echoWorkflow()))
	id := runToCompletion(t, h, "wf-echo", "hello")

	resp := h.do(t, http.MethodGet, "/api/workflows/wf-echo/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []store.ExecutionSummary
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ExecutionID)
	assert.Equal(t, store.ExecutionComplete, list[0].Status)

	resp = h.do(t, http.MethodGet, "/api/workflows/wf-echo/executions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary store.ExecutionSummary
	decodeBody(t, resp, &summary)
	assert.Equal(t, "hello", summary.FinalResult)
	assert.Equal(t, "hello", summary.Input)

	// the execution is not reachable under a different workflow
	resp = h.do(t, http.MethodGet, "/api/workflows/other/executions/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/workflows/wf-echo/executions/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/workflows/ghost/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty []store.ExecutionSummary
	decodeBody(t, resp, &empty)
	assert.Empty(t, empty)
}

func TestExecutionEventsPaged(t *testing.T) {
	h := newHarness(t, claudeRegistry(agenttest.Echo()))
	require.NoError(t, h.workflows.Save(context.Background(), echoWorkflow()))
	id := runToCompletion(t, h, "wf-echo", "hello")

	type page struct {
		Records []events.Record `json:"records"`
		Cursor  string          `json:"cursor"`
	}

	resp := h.do(t, http.MethodGet, "/api/workflows/wf-echo/executions/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all page
	decodeBody(t, resp, &all)
	require.Len(t, all.Records, 9) // start, 3 node brackets, one output, complete
	assert.Empty(t, all.Cursor)

	first, err := events.Decode(id, all.Records[0])
	require.NoError(t, err)
	assert.Equal(t, events.ExecutionStart, first.Type())
	last, err := events.Decode(id, all.Records[len(all.Records)-1])
	require.NoError(t, err)
	assert.Equal(t, events.ExecutionComplete, last.Type())

	// walk the same log in pages of four
	var walked []events.Record
	cursor := ""
	for {
		path := "/api/workflows/wf-echo/executions/" + id + "/events?limit=4"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		resp := h.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var p page
		decodeBody(t, resp, &p)
		require.LessOrEqual(t, len(p.Records), 4)
		walked = append(walked, p.Records...)
		if p.Cursor == "" {
			break
		}
		cursor = p.Cursor
	}
	require.Equal(t, all.Records, walked)

	resp = h.do(t, http.MethodGet, "/api/workflows/wf-echo/executions/"+id+"/events?cursor=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/workflows/wf-echo/executions/"+id+"/events?limit=nope", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/workflows/wf-echo/executions/ghost/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var none page
	decodeBody(t, resp, &none)
	assert.Empty(t, none.Records)
}

func TestServerRequiresDependencies(t *testing.T) {
	_, err := server.New(server.Options{})
	require.EqualError(t, err, "server requires an engine")
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
