// Package journal persists per-execution event logs. The bus writes every
// record through at publish time; readers replay by timestamp cursor for
// resume and by opaque page cursor for history browsing.
package journal

import (
	"context"
	"errors"

	"agentflow.dev/agentflow/runtime/workflow/events"
)

// DefaultPageSize bounds Page reads when the caller does not say.
const DefaultPageSize = 100

// ErrInvalidCursor is returned by Page when the cursor was not produced by
// the same store.
var ErrInvalidCursor = errors.New("invalid journal cursor")

// Store is the durable event journal. Append is called in publish order
// for each execution and implementations must preserve that order. List
// returns records with timestamps strictly greater than after; unknown
// executions yield an empty log, not an error.
type Store interface {
	Append(ctx context.Context, executionID string, rec events.Record) error
	List(ctx context.Context, executionID string, after int64) ([]events.Record, error)
	Page(ctx context.Context, executionID, cursor string, limit int) (Page, error)
}

// Page is one slice of an execution's journal. Cursor is empty once the
// log is exhausted; otherwise pass it back to continue.
type Page struct {
	Records []events.Record
	Cursor  string
}
