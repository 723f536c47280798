package agents

import (
	"context"
	"io"
	"strings"
	"sync"

	"agentflow.dev/agentflow/runtime/workflow/events"
)

// Streamer is the channel plumbing shared by backend adapters. A producer
// goroutine emits events through Emit; consumers pull them off with Recv.
// The first terminal error sticks; a clean producer exit ends the stream
// with io.EOF.
type Streamer struct {
	ctx    context.Context
	cancel context.CancelFunc

	events chan events.AgentEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	sessMu    sync.RWMutex
	sessionID string
}

// NewStreamer builds a streamer whose producer context is derived from
// ctx. Close cancels it.
func NewStreamer(ctx context.Context) *Streamer {
	cctx, cancel := context.WithCancel(ctx)
	return &Streamer{
		ctx:    cctx,
		cancel: cancel,
		events: make(chan events.AgentEvent, 32),
	}
}

// Go starts the producer. fn emits events and returns the terminal error,
// nil for a clean end of turn. The event channel closes when fn returns.
func (s *Streamer) Go(fn func(ctx context.Context) error) {
	go func() {
		defer close(s.events)
		s.setErr(fn(s.ctx))
	}()
}

// Emit queues an event for the consumer. It fails once the stream context
// ends so a stuck consumer cannot wedge the producer.
func (s *Streamer) Emit(evt events.AgentEvent) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.events <- evt:
		return nil
	}
}

// SetSessionID records the backend session for reuse on the next turn.
func (s *Streamer) SetSessionID(id string) {
	s.sessMu.Lock()
	s.sessionID = id
	s.sessMu.Unlock()
}

// SessionID returns the recorded backend session.
func (s *Streamer) SessionID() string {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return s.sessionID
}

// Recv returns the next event, ctx.Err if either context ends first, and
// io.EOF once the producer has finished cleanly. Cancellation wins over
// buffered events so interrupts surface promptly.
func (s *Streamer) Recv(ctx context.Context) (events.AgentEvent, error) {
	select {
	case <-ctx.Done():
		s.setErr(ctx.Err())
		return events.AgentEvent{}, ctx.Err()
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return events.AgentEvent{}, err
	default:
	}
	select {
	case evt, ok := <-s.events:
		if ok {
			return evt, nil
		}
		if err := s.err(); err != nil {
			return events.AgentEvent{}, err
		}
		return events.AgentEvent{}, io.EOF
	case <-ctx.Done():
		s.setErr(ctx.Err())
		return events.AgentEvent{}, ctx.Err()
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return events.AgentEvent{}, err
	}
}

// Close cancels the producer context. Safe to call more than once.
func (s *Streamer) Close() error {
	s.cancel()
	return nil
}

func (s *Streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *Streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// DeltaTracker turns cumulative text snapshots into true deltas. Backends
// that re-send the whole accumulated text on every chunk feed each
// snapshot through Delta and emit only the returned suffix.
type DeltaTracker struct {
	last string
}

// Delta returns the new suffix of cumulative relative to the previous
// snapshot. When the text does not extend the previous snapshot the
// tracker resets and returns cumulative whole.
func (d *DeltaTracker) Delta(cumulative string) string {
	if cumulative == d.last {
		return ""
	}
	if strings.HasPrefix(cumulative, d.last) {
		delta := cumulative[len(d.last):]
		d.last = cumulative
		return delta
	}
	d.last = cumulative
	return cumulative
}
