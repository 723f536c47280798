// Package claude adapts the Anthropic Messages API to the workflow agent
// contract using github.com/anthropics/anthropic-sdk-go. The Messages API
// is stateless, so the adapter keeps per-session transcripts and replays
// them when a turn resumes an earlier session. Structured output is
// requested by forcing a single tool whose input schema is the node's
// output schema.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// DefaultMaxTokens caps a turn's completion when Options.MaxTokens is zero.
const DefaultMaxTokens = 8192

// outputToolName is the forced tool used to capture structured output.
const outputToolName = "structured_output"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the adapter. *sdk.MessageService satisfies it, so callers pass
	// either a real client or a stub in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when a node
		// does not name one. Required.
		DefaultModel string

		// MaxTokens caps each turn's completion. Zero means
		// DefaultMaxTokens.
		MaxTokens int64

		// SystemPrompt is used when the node supplies none.
		SystemPrompt string

		// ThinkingBudget enables extended thinking with the given token
		// budget when positive. The API rejects budgets below 1024, so
		// New rounds smaller values up.
		ThinkingBudget int64

		// MaxSessions caps the transcript cache. Zero uses the agents
		// package default.
		MaxSessions int
	}

	// Agent implements agents.Agent on top of Claude Messages streaming.
	Agent struct {
		msg      MessagesClient
		opts     Options
		sessions *agents.Sessions[sdk.MessageParam]
	}
)

// New builds an adapter over an existing Messages client.
func New(msg MessagesClient, opts Options) (*Agent, error) {
	if msg == nil {
		return nil, errors.New("claude: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("claude: default model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.ThinkingBudget > 0 && opts.ThinkingBudget < 1024 {
		opts.ThinkingBudget = 1024
	}
	if opts.ThinkingBudget >= opts.MaxTokens {
		return nil, fmt.Errorf("claude: thinking budget %d must be below max tokens %d", opts.ThinkingBudget, opts.MaxTokens)
	}
	return &Agent{
		msg:      msg,
		opts:     opts,
		sessions: agents.NewSessions[sdk.MessageParam](opts.MaxSessions),
	}, nil
}

// NewFromAPIKey builds an adapter over the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Agent, error) {
	if apiKey == "" {
		return nil, errors.New("claude: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Run starts one turn. Translated events arrive on the returned stream
// until the turn completes; cancelling ctx interrupts it. The session id
// reported by the stream is valid once the turn is over.
func (a *Agent) Run(ctx context.Context, in agents.Input) (agents.Stream, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, errors.New("claude: prompt is required")
	}
	params, err := a.prepareTurn(in)
	if err != nil {
		return nil, err
	}

	st := agents.NewStreamer(ctx)
	st.SetSessionID(in.SessionID)
	st.Go(func(ctx context.Context) error {
		stream := a.msg.NewStreaming(ctx, *params)
		defer func() { _ = stream.Close() }()
		if err := stream.Err(); err != nil {
			return classify(err)
		}
		turn, err := decodeStream(stream, st.Emit, in.Output != nil)
		if err != nil {
			return classify(err)
		}
		final, text, err := finishTurn(in, turn)
		if err != nil {
			return err
		}
		st.SetSessionID(a.recordTurn(in, text))
		return st.Emit(events.Complete(final))
	})
	return st, nil
}

func (a *Agent) prepareTurn(in agents.Input) (*sdk.MessageNewParams, error) {
	model := in.Model
	if model == "" {
		model = a.opts.DefaultModel
	}
	msgs := a.sessions.History(in.SessionID)
	msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt)))

	params := sdk.MessageNewParams{
		MaxTokens: a.opts.MaxTokens,
		Messages:  msgs,
		Model:     sdk.Model(model),
	}
	sys := in.SystemPrompt
	if sys == "" {
		sys = a.opts.SystemPrompt
	}
	if sys != "" {
		params.System = []sdk.TextBlockParam{{Text: sys}}
	}
	if a.opts.ThinkingBudget > 0 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(a.opts.ThinkingBudget)
	}
	if in.Output != nil {
		tool, err := outputTool(in.Output.Schema)
		if err != nil {
			return nil, err
		}
		params.Tools = []sdk.ToolUnionParam{tool}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(outputToolName)
	}
	return &params, nil
}

// finishTurn derives the turn's final result. Plain turns resolve to the
// accumulated assistant text; structured turns parse and validate the
// forced tool's input, falling back to the prose when the model answered
// in text anyway.
func finishTurn(in agents.Input, t *turn) (any, string, error) {
	if in.Output == nil {
		return t.text, t.text, nil
	}
	raw := t.structured
	if raw == "" {
		if t.stopReason == "max_tokens" {
			return nil, "", errors.New("claude: response truncated before structured output completed")
		}
		raw = t.text
	}
	v, err := agents.ParseStructured(raw, in.Output.Schema)
	if err != nil {
		return nil, "", err
	}
	return v, raw, nil
}

// recordTurn extends the session transcript with this exchange. Tool use
// blocks are not replayed: the API rejects a tool_use without its result,
// and provider-executed results are re-derived upstream on resume.
func (a *Agent) recordTurn(in agents.Input, text string) string {
	turns := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt))}
	if text != "" {
		turns = append(turns, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
	}
	return a.sessions.Extend(in.SessionID, turns...)
}

// outputTool wraps the node's output schema in a forced tool so the model
// must answer with arguments matching the schema.
func outputTool(schema map[string]any) (sdk.ToolUnionParam, error) {
	if len(schema) == 0 {
		return sdk.ToolUnionParam{}, errors.New("claude: output schema is required")
	}
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, outputToolName)
	if u.OfTool != nil {
		u.OfTool.Description = sdk.String("Record the final answer in the requested format.")
	}
	return u, nil
}

// classify wraps provider throttling so middleware can detect it with
// errors.Is.
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", agents.ErrRateLimited, err)
	}
	return err
}
