// Package codex adapts the OpenAI Chat Completions API to the workflow
// agent contract. The API is stateless, so the adapter keeps per-session
// transcripts and replays them on resume. Structured output rides on the
// json_schema response format with a strictified copy of the caller's
// schema; the reply text is then validated against the original.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// DefaultMaxTokens bounds a single completion when Options.MaxTokens is zero.
const DefaultMaxTokens = 8192

// outputFormatName labels the json_schema response format.
const outputFormatName = "structured_output"

type (
	// ChatClient is the slice of the OpenAI client the adapter needs.
	ChatClient interface {
		CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Options configures an Agent.
	Options struct {
		// DefaultModel is used when the input does not name one. Required.
		DefaultModel string
		// MaxTokens caps each completion. Defaults to DefaultMaxTokens.
		MaxTokens int
		// SystemPrompt applies when the input carries none.
		SystemPrompt string
		// Temperature is passed through when non-zero.
		Temperature float32
		// MaxSessions bounds the transcript cache.
		MaxSessions int
	}

	// Agent streams Chat Completions turns as workflow agent events.
	Agent struct {
		chat     ChatClient
		opts     Options
		sessions *agents.Sessions[openai.ChatCompletionMessage]
	}
)

// New builds an agent over an existing chat client.
func New(chat ChatClient, opts Options) (*Agent, error) {
	if chat == nil {
		return nil, errors.New("codex: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("codex: default model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Agent{
		chat:     chat,
		opts:     opts,
		sessions: agents.NewSessions[openai.ChatCompletionMessage](opts.MaxSessions),
	}, nil
}

// NewFromAPIKey builds an agent with a fresh OpenAI client.
func NewFromAPIKey(apiKey string, opts Options) (*Agent, error) {
	if apiKey == "" {
		return nil, errors.New("codex: API key is required")
	}
	return New(openai.NewClient(apiKey), opts)
}

// Run starts one conversation turn and streams its events.
func (a *Agent) Run(ctx context.Context, in agents.Input) (agents.Stream, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, errors.New("codex: prompt is required")
	}
	in.Prompt = prompt

	req, err := a.prepareTurn(in)
	if err != nil {
		return nil, err
	}

	st := agents.NewStreamer(ctx)
	st.SetSessionID(in.SessionID)
	st.Go(func(ctx context.Context) error {
		stream, err := a.chat.CreateChatCompletionStream(ctx, *req)
		if err != nil {
			return classify(err)
		}
		defer stream.Close()

		text, finish, err := a.streamTurn(stream, st.Emit)
		if err != nil {
			return classify(err)
		}
		final, err := finishTurn(in, text, finish)
		if err != nil {
			return err
		}
		st.SetSessionID(a.recordTurn(in, text))
		return st.Emit(events.Complete(final))
	})
	return st, nil
}

// prepareTurn assembles the request: system prompt, replayed transcript,
// then the new user message.
func (a *Agent) prepareTurn(in agents.Input) (*openai.ChatCompletionRequest, error) {
	model := in.Model
	if model == "" {
		model = a.opts.DefaultModel
	}
	var msgs []openai.ChatCompletionMessage
	if sys := systemPrompt(in, a.opts); sys != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	}
	msgs = append(msgs, a.sessions.History(in.SessionID)...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: in.Prompt})

	req := &openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	}
	if in.Output != nil {
		format, err := responseFormat(in.Output.Schema)
		if err != nil {
			return nil, err
		}
		req.ResponseFormat = format
	}
	return req, nil
}

func systemPrompt(in agents.Input, opts Options) string {
	if in.SystemPrompt != "" {
		return in.SystemPrompt
	}
	return opts.SystemPrompt
}

// responseFormat strictifies the caller's schema the way the provider
// requires: additionalProperties pinned to false and every property
// required, at every nesting level.
func responseFormat(schema map[string]any) (*openai.ChatCompletionResponseFormat, error) {
	if len(schema) == 0 {
		return nil, errors.New("codex: structured output requires a schema")
	}
	data, err := json.Marshal(agents.StrictSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("codex: invalid structured output schema: %w", err)
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   outputFormatName,
			Schema: json.RawMessage(data),
			Strict: true,
		},
	}, nil
}

// streamTurn drains the completion stream, forwarding deduplicated text
// deltas. It returns the accumulated reply and the finish reason.
func (a *Agent) streamTurn(stream *openai.ChatCompletionStream, emit func(events.AgentEvent) error) (string, string, error) {
	var (
		text    strings.Builder
		tracker agents.DeltaTracker
		finish  string
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text.String(), finish, nil
		}
		if err != nil {
			return "", "", err
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		text.WriteString(choice.Delta.Content)
		if out := tracker.Delta(text.String()); out != "" {
			if err := emit(events.TextDelta(out)); err != nil {
				return "", "", err
			}
		}
	}
}

// finishTurn resolves the turn result. The provider enforced the
// strictified schema; validation here uses the caller's original.
func finishTurn(in agents.Input, text, finish string) (any, error) {
	if in.Output == nil {
		return text, nil
	}
	if strings.TrimSpace(text) == "" && finish == string(openai.FinishReasonLength) {
		return nil, errors.New("codex: response truncated before structured output completed")
	}
	return agents.ParseStructured(text, in.Output.Schema)
}

// recordTurn extends the session transcript and returns its id.
func (a *Agent) recordTurn(in agents.Input, text string) string {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: in.Prompt},
	}
	if text != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text})
	}
	return a.sessions.Extend(in.SessionID, msgs...)
}

func classify(err error) error {
	var apierr *openai.APIError
	if errors.As(err, &apierr) && apierr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", agents.ErrRateLimited, err)
	}
	return err
}
