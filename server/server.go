// Package server exposes the workflow engine over HTTP and WebSocket: a
// chi-routed REST API for workflow definitions and execution records, and
// a single bidirectional socket per client for starting runs and streaming
// their event feeds.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/journal"
	"agentflow.dev/agentflow/runtime/workflow/store"
	"agentflow.dev/agentflow/runtime/workflow/telemetry"
)

type (
	// Engine is the slice of the workflow engine the server drives. It is
	// satisfied by *engine.Engine.
	Engine interface {
		StartExecution(ctx context.Context, workflowID, input string) (string, error)
		Replay(ctx context.Context, workflowID, sourceExecutionID, fromNodeID string) (string, error)
		Interrupt(executionID string) error
		Subscribe(ctx context.Context, executionID string, after int64) (*events.Subscription, error)
		SubmitApproval(executionID, nodeID string, resp workflow.ApprovalResponse) error
		SubmitEvolutionDecision(executionID, nodeID string, resp workflow.ApprovalResponse) error
	}

	// Options configure New.
	Options struct {
		// Engine runs and streams executions. Required.
		Engine Engine
		// Workflows persists workflow definitions. Required.
		Workflows store.WorkflowStore
		// Executions reads execution summaries. Required.
		Executions store.ExecutionStore
		// Journal pages execution event history. Required.
		Journal journal.Store
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Health lists the dependencies /healthz reports on, typically the
		// Mongo and Redis clients when those backends are configured.
		Health []health.Pinger
		// Debug mounts pprof and the runtime debug-log toggle and logs
		// request payloads.
		Debug bool
	}

	// Server routes the workflow API.
	Server struct {
		engine     Engine
		workflows  store.WorkflowStore
		executions store.ExecutionStore
		journal    journal.Store
		log        telemetry.Logger
		health     []health.Pinger
		upgrader   websocket.Upgrader
		debug      bool
	}
)

// New builds a Server from opts.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
	if opts.Workflows == nil {
		return nil, errors.New("server requires a workflow store")
	}
	if opts.Executions == nil {
		return nil, errors.New("server requires an execution store")
	}
	if opts.Journal == nil {
		return nil, errors.New("server requires a journal")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{
		engine:     opts.Engine,
		workflows:  opts.Workflows,
		executions: opts.Executions,
		journal:    opts.Journal,
		log:        logger,
		health:     opts.Health,
		debug:      opts.Debug,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The editor UI is served from its own origin during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler assembles the root handler: the REST API under /api, the socket
// endpoint at /ws, the health check at /healthz, and in debug mode the
// pprof and debug-log mounts under /debug. ctx carries the logger the
// request middleware attaches to every request.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/healthz", health.Handler(health.NewChecker(s.health...)))
	r.Route("/api/workflows", func(r chi.Router) {
		r.Get("/", s.listWorkflows)
		r.Post("/", s.createWorkflow)
		r.Route("/{workflowID}", func(r chi.Router) {
			r.Get("/", s.getWorkflow)
			r.Put("/", s.updateWorkflow)
			r.Delete("/", s.deleteWorkflow)
			r.Post("/duplicate", s.duplicateWorkflow)
			r.Get("/executions", s.listExecutions)
			r.Get("/executions/{executionID}", s.getExecution)
			r.Get("/executions/{executionID}/events", s.listExecutionEvents)
		})
	})
	r.Get("/ws", s.serveSocket)
	if s.debug {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(debugMuxer{r})
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(debugMuxer{r})
	}

	var handler http.Handler = r
	if s.debug {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// debugMuxer exposes the chi router under the mux interface the clue debug
// mounts expect. chi's HandleFunc takes the named http.HandlerFunc type, so
// the router does not satisfy the interface directly.
type debugMuxer struct{ r chi.Router }

func (m debugMuxer) Handle(pattern string, handler http.Handler) {
	m.r.Handle(pattern, handler)
}

func (m debugMuxer) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.r.HandleFunc(pattern, handler)
}
