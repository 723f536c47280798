package agents

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsAssignsFreshID(t *testing.T) {
	t.Parallel()

	s := NewSessions[string](4)
	id := s.Extend("", "user: hi", "assistant: hello")
	require.NotEmpty(t, id)
	assert.Equal(t, []string{"user: hi", "assistant: hello"}, s.History(id))

	other := s.Extend("", "user: hi")
	assert.NotEqual(t, id, other)
}

func TestSessionsResumeAppends(t *testing.T) {
	t.Parallel()

	s := NewSessions[string](4)
	id := s.Extend("", "a")
	got := s.Extend(id, "b", "c")
	assert.Equal(t, id, got)
	assert.Equal(t, []string{"a", "b", "c"}, s.History(id))
}

func TestSessionsUnknownIDStartsFresh(t *testing.T) {
	t.Parallel()

	s := NewSessions[string](4)
	assert.Nil(t, s.History("never-seen"))

	// Extending an unknown id keeps the caller-provided identity.
	id := s.Extend("external-7", "x")
	assert.Equal(t, "external-7", id)
	assert.Equal(t, []string{"x"}, s.History("external-7"))
}

func TestSessionsHistoryIsACopy(t *testing.T) {
	t.Parallel()

	s := NewSessions[string](4)
	id := s.Extend("", "a")
	h := s.History(id)
	h[0] = "mutated"
	assert.Equal(t, []string{"a"}, s.History(id))
}

func TestSessionsEvictsLeastRecentlyExtended(t *testing.T) {
	t.Parallel()

	s := NewSessions[string](2)
	first := s.Extend("", "1")
	second := s.Extend("", "2")

	// Touching first makes second the eviction candidate.
	s.Extend(first, "1b")
	third := s.Extend("", "3")

	assert.Equal(t, 2, s.Len())
	assert.Nil(t, s.History(second))
	assert.NotNil(t, s.History(first))
	assert.NotNil(t, s.History(third))
}

func TestSessionsCapDefaults(t *testing.T) {
	t.Parallel()

	s := NewSessions[int](0)
	for i := 0; i < DefaultMaxSessions+10; i++ {
		s.Extend(fmt.Sprintf("s%d", i), i)
	}
	assert.Equal(t, DefaultMaxSessions, s.Len())
}
