package codex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// capture records the JSON body of every completion request.
type capture struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (c *capture) add(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, b)
}

func (c *capture) body(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[i]
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func newServerAgent(t *testing.T, opts Options, handler http.HandlerFunc) (*Agent, *capture) {
	t.Helper()
	caps := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		caps.add(b)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	ag, err := New(openai.NewClientWithConfig(cfg), opts)
	require.NoError(t, err)
	return ag, caps
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func contentChunk(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%s}}]}`, strconv.Quote(content))
}

func finishChunk(reason string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":%q}]}`, reason)
}

func collect(t *testing.T, st agents.Stream) []events.AgentEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []events.AgentEvent
	for {
		evt, err := st.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return got
		}
		require.NoError(t, err)
		got = append(got, evt)
	}
}

func terminalErr(t *testing.T, st agents.Stream) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, err := st.Recv(ctx); err != nil {
			return err
		}
	}
}

func TestRunStreamsTextTurn(t *testing.T) {
	t.Parallel()

	ag, caps := newServerAgent(t,
		Options{DefaultModel: "gpt-5-codex", MaxTokens: 512, SystemPrompt: "be brief"},
		func(w http.ResponseWriter, _ *http.Request) {
			writeSSE(w, contentChunk("Hel"), contentChunk("lo"), finishChunk("stop"))
		})

	st, err := ag.Run(context.Background(), agents.Input{Prompt: "say hello"})
	require.NoError(t, err)

	got := collect(t, st)
	require.Len(t, got, 3)
	assert.Equal(t, events.AgentTextDelta, got[0].Type)
	assert.Equal(t, "Hel", got[0].Content)
	assert.Equal(t, "lo", got[1].Content)
	assert.Equal(t, events.AgentComplete, got[2].Type)
	assert.Equal(t, "Hello", got[2].Result)
	assert.NotEmpty(t, st.SessionID())

	require.Equal(t, 1, caps.count())
	body := caps.body(0)
	assert.Equal(t, "gpt-5-codex", gjson.GetBytes(body, "model").String())
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.EqualValues(t, 512, gjson.GetBytes(body, "max_tokens").Int())
	require.EqualValues(t, 2, gjson.GetBytes(body, "messages.#").Int())
	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, "be brief", gjson.GetBytes(body, "messages.0.content").String())
	assert.Equal(t, "user", gjson.GetBytes(body, "messages.1.role").String())
}

func TestRunResumesSessionTranscript(t *testing.T) {
	t.Parallel()

	var turns atomic.Int32
	ag, caps := newServerAgent(t,
		Options{DefaultModel: "gpt-5-codex", SystemPrompt: "sys"},
		func(w http.ResponseWriter, _ *http.Request) {
			if turns.Add(1) == 1 {
				writeSSE(w, contentChunk("Hello"))
				return
			}
			writeSSE(w, contentChunk("Again"))
		})

	st1, err := ag.Run(context.Background(), agents.Input{Prompt: "one"})
	require.NoError(t, err)
	collect(t, st1)
	sess := st1.SessionID()
	require.NotEmpty(t, sess)

	st2, err := ag.Run(context.Background(), agents.Input{Prompt: "two", SessionID: sess})
	require.NoError(t, err)
	collect(t, st2)
	assert.Equal(t, sess, st2.SessionID())

	require.Equal(t, 2, caps.count())
	body := caps.body(1)
	require.EqualValues(t, 4, gjson.GetBytes(body, "messages.#").Int())
	assert.Equal(t, "one", gjson.GetBytes(body, "messages.1.content").String())
	assert.Equal(t, "assistant", gjson.GetBytes(body, "messages.2.role").String())
	assert.Equal(t, "Hello", gjson.GetBytes(body, "messages.2.content").String())
	assert.Equal(t, "two", gjson.GetBytes(body, "messages.3.content").String())
}

func TestRunStructuredOutput(t *testing.T) {
	t.Parallel()

	ag, caps := newServerAgent(t,
		Options{DefaultModel: "gpt-5-codex"},
		func(w http.ResponseWriter, _ *http.Request) {
			writeSSE(w, contentChunk(`{"an`), contentChunk(`swer":42}`), finishChunk("stop"))
		})

	st, err := ag.Run(context.Background(), agents.Input{
		Prompt: "compute the answer",
		Output: &agents.OutputConfig{Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"answer": map[string]any{"type": "number"}},
		}},
	})
	require.NoError(t, err)

	got := collect(t, st)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, events.AgentComplete, last.Type)
	assert.Equal(t, map[string]any{"answer": float64(42)}, last.Result)

	// The provider sees the strictified schema.
	rf := gjson.GetBytes(caps.body(0), "response_format")
	assert.Equal(t, "json_schema", rf.Get("type").String())
	assert.Equal(t, "structured_output", rf.Get("json_schema.name").String())
	assert.True(t, rf.Get("json_schema.strict").Bool())
	schema := rf.Get("json_schema.schema")
	require.True(t, schema.Get("additionalProperties").Exists())
	assert.False(t, schema.Get("additionalProperties").Bool())
	var required []string
	for _, r := range schema.Get("required").Array() {
		required = append(required, r.String())
	}
	assert.Equal(t, []string{"answer"}, required)
}

func TestRunStructuredOutputTruncated(t *testing.T) {
	t.Parallel()

	ag, _ := newServerAgent(t,
		Options{DefaultModel: "gpt-5-codex"},
		func(w http.ResponseWriter, _ *http.Request) {
			writeSSE(w, finishChunk("length"))
		})

	st, err := ag.Run(context.Background(), agents.Input{
		Prompt: "compute",
		Output: &agents.OutputConfig{Schema: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)

	err = terminalErr(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestRunRateLimitSurfacesSentinel(t *testing.T) {
	t.Parallel()

	ag, _ := newServerAgent(t,
		Options{DefaultModel: "gpt-5-codex"},
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited","type":"tokens","code":"rate_limit_exceeded"}}`)
		})

	st, err := ag.Run(context.Background(), agents.Input{Prompt: "hi"})
	require.NoError(t, err)

	err = terminalErr(t, st)
	require.ErrorIs(t, err, agents.ErrRateLimited)
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	t.Parallel()

	ag, err := New(openai.NewClient("test-key"), Options{DefaultModel: "gpt-5-codex"})
	require.NoError(t, err)

	_, err = ag.Run(context.Background(), agents.Input{Prompt: "  "})
	require.Error(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)

	_, err = New(openai.NewClient("k"), Options{})
	require.Error(t, err)
}
