// Package inmem provides the in-memory journal used by tests and
// single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/journal"
)

// Store keeps every execution's records in memory, in append order.
type Store struct {
	mu   sync.RWMutex
	logs map[string][]events.Record
}

// New returns an empty in-memory journal.
func New() *Store {
	return &Store{logs: make(map[string][]events.Record)}
}

// Append adds rec to the end of the execution's log.
func (s *Store) Append(_ context.Context, executionID string, rec events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[executionID] = append(s.logs[executionID], rec)
	return nil
}

// List returns the records with timestamps strictly greater than after.
func (s *Store) List(_ context.Context, executionID string, after int64) ([]events.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []events.Record
	for _, rec := range s.logs[executionID] {
		if rec.Timestamp > after {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Page returns up to limit records starting at cursor. An empty cursor
// starts from the beginning; the returned cursor is empty once the log is
// exhausted.
func (s *Store) Page(_ context.Context, executionID, cursor string, limit int) (journal.Page, error) {
	if limit <= 0 {
		limit = journal.DefaultPageSize
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return journal.Page{}, fmt.Errorf("%w %q", journal.ErrInvalidCursor, cursor)
		}
		start = n
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[executionID]
	if start >= len(log) {
		return journal.Page{}, nil
	}
	end := start + limit
	if end > len(log) {
		end = len(log)
	}
	page := journal.Page{Records: append([]events.Record(nil), log[start:end]...)}
	if end < len(log) {
		page.Cursor = strconv.Itoa(end)
	}
	return page, nil
}
