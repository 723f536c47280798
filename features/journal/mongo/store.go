package mongo

import (
	"context"
	"errors"

	mongoc "agentflow.dev/agentflow/features/journal/mongo/clients/mongo"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/journal"
)

// Store implements journal.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Mongo-backed journal using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements journal.Store.
func (s *Store) Append(ctx context.Context, executionID string, rec events.Record) error {
	return s.client.Append(ctx, executionID, rec)
}

// List implements journal.Store.
func (s *Store) List(ctx context.Context, executionID string, after int64) ([]events.Record, error) {
	return s.client.List(ctx, executionID, after)
}

// Page implements journal.Store.
func (s *Store) Page(ctx context.Context, executionID, cursor string, limit int) (journal.Page, error) {
	return s.client.Page(ctx, executionID, cursor, limit)
}
