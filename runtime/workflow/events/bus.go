package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the live-delivery buffer per subscriber. A subscriber
// that falls this far behind is dropped rather than allowed to block the
// run.
const DefaultQueueSize = 64

// Appender is the slice of the journal store the bus needs: ordered
// write-through on publish and replay for executions no longer in memory.
type Appender interface {
	Append(ctx context.Context, executionID string, rec Record) error
	List(ctx context.Context, executionID string, after int64) ([]Record, error)
}

// Sink mirrors every published record to an external transport, best
// effort. Send errors do not fail the publish.
type Sink interface {
	Send(ctx context.Context, executionID string, rec Record) error
	Close(ctx context.Context) error
}

// Bus is the per-execution event hub. Each execution owns an append-only
// ordered log; subscribers attach with an afterTimestamp cursor and receive
// the replayed backlog followed by live records with no gap and no
// duplication. Once a terminal event is published the log is sealed.
type Bus struct {
	mu      sync.RWMutex
	logs    map[string]*execLog
	journal Appender
	sinks   []Sink
	queue   int
	closed  bool
}

type execLog struct {
	mu      sync.Mutex
	records []Record
	last    int64
	subs    map[*Subscription]struct{}
	done    bool
}

// Subscription is one attached consumer. Records arrive on C in publish
// order; the channel closes after the terminal record, after Close, or
// after the subscriber is dropped for falling behind (Desynced reports
// which).
type Subscription struct {
	executionID string
	ch          chan Record
	log         *execLog
	desynced    atomic.Bool
	once        sync.Once
}

// NewBus builds a bus that writes every record through to journal before
// fan-out and mirrors records to the given sinks.
func NewBus(journal Appender, sinks ...Sink) *Bus {
	return &Bus{
		logs:    make(map[string]*execLog),
		journal: journal,
		sinks:   sinks,
		queue:   DefaultQueueSize,
	}
}

// Publish appends evt to its execution's log, persists it, and fans it out.
// Records published after the execution's terminal event are dropped.
// Timestamps are bumped when needed so they are strictly increasing within
// the execution.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("event bus closed")
	}
	lg := b.logs[evt.ExecutionID()]
	if lg == nil {
		lg = &execLog{subs: make(map[*Subscription]struct{})}
		b.logs[evt.ExecutionID()] = lg
	}
	b.mu.Unlock()

	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.done {
		return nil
	}

	raw, err := Encode(evt)
	if err != nil {
		return err
	}
	ts := evt.Timestamp()
	if ts <= lg.last {
		ts = lg.last + 1
	}
	lg.last = ts
	rec := Record{Timestamp: ts, Event: raw}
	lg.records = append(lg.records, rec)
	if evt.Terminal() {
		lg.done = true
	}

	var jerr error
	if b.journal != nil {
		jerr = b.journal.Append(ctx, evt.ExecutionID(), rec)
	}

	for sub := range lg.subs {
		select {
		case sub.ch <- rec:
		default:
			delete(lg.subs, sub)
			sub.drop()
		}
	}
	if lg.done {
		for sub := range lg.subs {
			delete(lg.subs, sub)
			sub.closeCh()
		}
	}

	for _, s := range b.sinks {
		_ = s.Send(ctx, evt.ExecutionID(), rec)
	}
	return jerr
}

// Subscribe attaches a consumer to an execution. Records with timestamps
// greater than after are replayed first, then live records follow in
// order. For executions no longer in memory the backlog comes from the
// journal and the subscription closes once it is drained.
func (b *Bus) Subscribe(ctx context.Context, executionID string, after int64) (*Subscription, error) {
	b.mu.RLock()
	lg := b.logs[executionID]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, errors.New("event bus closed")
	}

	if lg == nil {
		var recs []Record
		if b.journal != nil {
			var err error
			recs, err = b.journal.List(ctx, executionID, after)
			if err != nil {
				return nil, err
			}
		}
		sub := &Subscription{executionID: executionID, ch: make(chan Record, len(recs))}
		for _, rec := range recs {
			sub.ch <- rec
		}
		sub.closeCh()
		return sub, nil
	}

	lg.mu.Lock()
	defer lg.mu.Unlock()
	var backlog []Record
	for _, rec := range lg.records {
		if rec.Timestamp > after {
			backlog = append(backlog, rec)
		}
	}
	sub := &Subscription{
		executionID: executionID,
		ch:          make(chan Record, len(backlog)+b.queue),
		log:         lg,
	}
	for _, rec := range backlog {
		sub.ch <- rec
	}
	if lg.done {
		sub.closeCh()
		return sub, nil
	}
	lg.subs[sub] = struct{}{}
	return sub, nil
}

// History returns the ordered records of an execution with timestamps
// greater than after, from memory when the execution is live and from the
// journal otherwise.
func (b *Bus) History(ctx context.Context, executionID string, after int64) ([]Record, error) {
	b.mu.RLock()
	lg := b.logs[executionID]
	b.mu.RUnlock()
	if lg == nil {
		if b.journal == nil {
			return nil, nil
		}
		return b.journal.List(ctx, executionID, after)
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()
	var out []Record
	for _, rec := range lg.records {
		if rec.Timestamp > after {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Release drops a completed execution's in-memory log. Late subscribers
// fall back to the journal. Live executions are left alone.
func (b *Bus) Release(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lg := b.logs[executionID]
	if lg == nil {
		return
	}
	lg.mu.Lock()
	done := lg.done
	lg.mu.Unlock()
	if done {
		delete(b.logs, executionID)
	}
}

// Close seals the bus, closes every live subscription, and closes the
// sinks.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	logs := make([]*execLog, 0, len(b.logs))
	for _, lg := range b.logs {
		logs = append(logs, lg)
	}
	b.mu.Unlock()

	for _, lg := range logs {
		lg.mu.Lock()
		for sub := range lg.subs {
			delete(lg.subs, sub)
			sub.closeCh()
		}
		lg.mu.Unlock()
	}

	var errs []error
	for _, s := range b.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// C delivers records in publish order. It closes after the terminal
// record, after Close, or once the subscriber has been dropped.
func (s *Subscription) C() <-chan Record { return s.ch }

// ExecutionID returns the execution this subscription follows.
func (s *Subscription) ExecutionID() string { return s.executionID }

// Desynced reports whether the subscriber was dropped for falling behind.
// A desynced consumer should resubscribe with the timestamp of the last
// record it processed.
func (s *Subscription) Desynced() bool { return s.desynced.Load() }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	if s.log != nil {
		s.log.mu.Lock()
		delete(s.log.subs, s)
		s.log.mu.Unlock()
	}
	s.closeCh()
}

func (s *Subscription) drop() {
	s.desynced.Store(true)
	s.closeCh()
}

func (s *Subscription) closeCh() {
	s.once.Do(func() { close(s.ch) })
}
