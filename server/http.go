package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/journal"
	"agentflow.dev/agentflow/runtime/workflow/store"
)

type (
	// errorBody is the JSON envelope every non-2xx response carries.
	errorBody struct {
		Error string `json:"error"`
	}

	// eventsPage is one slice of an execution's journal. Cursor is empty
	// once the log is exhausted.
	eventsPage struct {
		Records []events.Record `json:"records"`
		Cursor  string          `json:"cursor,omitempty"`
	}
)

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.workflows.List(r.Context())
	if err != nil {
		s.respondError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []*workflow.Workflow{}
	}
	s.respond(r.Context(), w, http.StatusOK, list)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("decode workflow: %w", err))
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
	if err := s.workflows.Save(r.Context(), &wf); err != nil {
		s.respondError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	s.respond(r.Context(), w, http.StatusCreated, &wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Load(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.respondError(r.Context(), w, statusFor(err), err)
		return
	}
	s.respond(r.Context(), w, http.StatusOK, wf)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("decode workflow: %w", err))
		return
	}
	id := chi.URLParam(r, "workflowID")
	if wf.ID != "" && wf.ID != id {
		s.respondError(r.Context(), w, http.StatusBadRequest,
			fmt.Errorf("workflow id %q does not match path %q", wf.ID, id))
		return
	}
	wf.ID = id
	if wf.CreatedAt.IsZero() {
		if cur, err := s.workflows.Load(r.Context(), id); err == nil {
			wf.CreatedAt = cur.CreatedAt
		} else {
			wf.CreatedAt = time.Now().UTC()
		}
	}
	wf.UpdatedAt = time.Now().UTC()
	if err := s.workflows.Save(r.Context(), &wf); err != nil {
		s.respondError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	s.respond(r.Context(), w, http.StatusOK, &wf)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Delete(r.Context(), chi.URLParam(r, "workflowID")); err != nil {
		s.respondError(r.Context(), w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) duplicateWorkflow(w http.ResponseWriter, r *http.Request) {
	src, err := s.workflows.Load(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.respondError(r.Context(), w, statusFor(err), err)
		return
	}
	dup := src.Clone()
	dup.ID = uuid.NewString()
	dup.Name = src.Name + " (copy)"
	now := time.Now().UTC()
	dup.CreatedAt = now
	dup.UpdatedAt = now
	// The copy starts with its own evolution history.
	dup.EvolutionHistory = nil
	if err := s.workflows.Save(r.Context(), dup); err != nil {
		s.respondError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	s.respond(r.Context(), w, http.StatusCreated, dup)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := s.executions.ListByWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.respondError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []store.ExecutionSummary{}
	}
	s.respond(r.Context(), w, http.StatusOK, list)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	summary, err := s.executions.Load(r.Context(), executionID)
	if err != nil {
		s.respondError(r.Context(), w, statusFor(err), err)
		return
	}
	if workflowID := chi.URLParam(r, "workflowID"); summary.WorkflowID != workflowID {
		s.respondError(r.Context(), w, http.StatusNotFound,
			fmt.Errorf("execution %s does not belong to workflow %s", executionID, workflowID))
		return
	}
	s.respond(r.Context(), w, http.StatusOK, summary)
}

// listExecutionEvents pages through an execution's journal. Unknown
// executions yield an empty page, matching the journal contract, so
// validation failures that never produced a summary are still readable.
func (s *Server) listExecutionEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	page, err := s.journal.Page(r.Context(), chi.URLParam(r, "executionID"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, journal.ErrInvalidCursor) {
			status = http.StatusBadRequest
		}
		s.respondError(r.Context(), w, status, err)
		return
	}
	if page.Records == nil {
		page.Records = []events.Record{}
	}
	s.respond(r.Context(), w, http.StatusOK, eventsPage{Records: page.Records, Cursor: page.Cursor})
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error(ctx, "encode response", "err", err)
	}
}

func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error(ctx, "request failed", "status", status, "err", err)
	}
	s.respond(ctx, w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
