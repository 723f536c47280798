package agents

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxSessions bounds the transcript cache when Sessions is built
// with a non-positive cap.
const DefaultMaxSessions = 128

// Sessions keeps per-session conversation transcripts for backends whose
// upstream API is stateless. Adapters replay the recorded turns when an
// input resumes a session and append the new exchange afterwards. The
// cache holds at most max sessions; the least recently extended one is
// dropped when a new session would exceed the cap.
type Sessions[M any] struct {
	mu    sync.Mutex
	max   int
	order []string
	turns map[string][]M
}

// NewSessions returns a transcript cache holding at most max sessions.
func NewSessions[M any](max int) *Sessions[M] {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Sessions[M]{max: max, turns: make(map[string][]M)}
}

// History returns a copy of the transcript recorded under id. Unknown ids
// return nil so a stale or foreign session id starts a fresh conversation
// instead of failing the turn.
func (s *Sessions[M]) History(id string) []M {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[id]
	if len(turns) == 0 {
		return nil
	}
	out := make([]M, len(turns))
	copy(out, turns)
	return out
}

// Extend appends msgs to the transcript recorded under id and returns the
// session id, minting a fresh one when id is empty.
func (s *Sessions[M]) Extend(id string, msgs ...M) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := s.turns[id]; ok {
		s.touch(id)
	} else {
		s.evict()
		s.order = append(s.order, id)
	}
	s.turns[id] = append(s.turns[id], msgs...)
	return id
}

// Len reports how many sessions are cached.
func (s *Sessions[M]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Sessions[M]) evict() {
	for len(s.order) >= s.max {
		delete(s.turns, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Sessions[M]) touch(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.order = append(s.order, id)
			return
		}
	}
}
