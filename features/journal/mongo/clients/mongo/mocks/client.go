// Package mocks provides a scripted mock of the journal Mongo client for
// tests, in the goa.design/clue/mock style.
package mocks

import (
	"context"
	"testing"

	"goa.design/clue/mock"

	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/journal"
)

type (
	// Client is a scripted mock of the mongo.Client interface.
	Client struct {
		m *mock.Mock
		t *testing.T
	}

	ClientNameFunc   func() string
	ClientPingFunc   func(ctx context.Context) error
	ClientAppendFunc func(ctx context.Context, executionID string, rec events.Record) error
	ClientListFunc   func(ctx context.Context, executionID string, after int64) ([]events.Record, error)
	ClientPageFunc   func(ctx context.Context, executionID, cursor string, limit int) (journal.Page, error)
)

// NewClient returns a mock with no scripted calls.
func NewClient(t *testing.T) *Client {
	return &Client{mock.New(), t}
}

func (m *Client) AddName(f ClientNameFunc) { m.m.Add("Name", f) }

func (m *Client) SetName(f ClientNameFunc) { m.m.Set("Name", f) }

func (m *Client) Name() string {
	if f := m.m.Next("Name"); f != nil {
		return f.(ClientNameFunc)()
	}
	m.t.Helper()
	m.t.Error("unexpected Name call")
	return ""
}

func (m *Client) AddPing(f ClientPingFunc) { m.m.Add("Ping", f) }

func (m *Client) SetPing(f ClientPingFunc) { m.m.Set("Ping", f) }

func (m *Client) Ping(ctx context.Context) error {
	if f := m.m.Next("Ping"); f != nil {
		return f.(ClientPingFunc)(ctx)
	}
	m.t.Helper()
	m.t.Error("unexpected Ping call")
	return nil
}

func (m *Client) AddAppend(f ClientAppendFunc) { m.m.Add("Append", f) }

func (m *Client) SetAppend(f ClientAppendFunc) { m.m.Set("Append", f) }

func (m *Client) Append(ctx context.Context, executionID string, rec events.Record) error {
	if f := m.m.Next("Append"); f != nil {
		return f.(ClientAppendFunc)(ctx, executionID, rec)
	}
	m.t.Helper()
	m.t.Error("unexpected Append call")
	return nil
}

func (m *Client) AddList(f ClientListFunc) { m.m.Add("List", f) }

func (m *Client) SetList(f ClientListFunc) { m.m.Set("List", f) }

func (m *Client) List(ctx context.Context, executionID string, after int64) ([]events.Record, error) {
	if f := m.m.Next("List"); f != nil {
		return f.(ClientListFunc)(ctx, executionID, after)
	}
	m.t.Helper()
	m.t.Error("unexpected List call")
	return nil, nil
}

func (m *Client) AddPage(f ClientPageFunc) { m.m.Add("Page", f) }

func (m *Client) SetPage(f ClientPageFunc) { m.m.Set("Page", f) }

func (m *Client) Page(ctx context.Context, executionID, cursor string, limit int) (journal.Page, error) {
	if f := m.m.Next("Page"); f != nil {
		return f.(ClientPageFunc)(ctx, executionID, cursor, limit)
	}
	m.t.Helper()
	m.t.Error("unexpected Page call")
	return journal.Page{}, nil
}

// HasMore reports whether scripted calls remain.
func (m *Client) HasMore() bool {
	return m.m.HasMore()
}
