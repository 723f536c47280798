package claude

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/events"
)

type (
	// turn collects what a single Messages stream produced.
	turn struct {
		text       string
		structured string
		stopReason string
	}

	// toolBuffer accumulates a tool_use block until its stop event.
	toolBuffer struct {
		id        string
		name      string
		output    bool
		fragments []string
	}

	// decoder translates Messages stream events into agent events. Text
	// deltas pass through a cumulative tracker so already-emitted
	// characters are never re-sent; thinking is buffered and emitted
	// whole once its block completes.
	decoder struct {
		emit       func(events.AgentEvent) error
		wantOutput bool

		text     strings.Builder
		tracker  agents.DeltaTracker
		tools    map[int]*toolBuffer
		thinking map[int]*strings.Builder

		turn turn
	}
)

func decodeStream(stream *ssestream.Stream[sdk.MessageStreamEventUnion], emit func(events.AgentEvent) error, wantOutput bool) (*turn, error) {
	d := &decoder{
		emit:       emit,
		wantOutput: wantOutput,
		tools:      make(map[int]*toolBuffer),
		thinking:   make(map[int]*strings.Builder),
	}
	for stream.Next() {
		if err := d.handle(stream.Current()); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	d.turn.text = d.text.String()
	return &d.turn, nil
}

func (d *decoder) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		d.tools = make(map[int]*toolBuffer)
		d.thinking = make(map[int]*strings.Builder)
		return nil

	case sdk.ContentBlockStartEvent:
		return d.startBlock(int(ev.Index), ev.ContentBlock.Type, ev.ContentBlock.ID, ev.ContentBlock.Name, ev.ContentBlock.RawJSON())

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil
			}
			d.text.WriteString(ev.Delta.Text)
			if out := d.tracker.Delta(d.text.String()); out != "" {
				return d.emit(events.TextDelta(out))
			}
		case "input_json_delta":
			if tb := d.tools[idx]; tb != nil && ev.Delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, ev.Delta.PartialJSON)
			}
		case "thinking_delta":
			if ev.Delta.Thinking == "" {
				return nil
			}
			buf := d.thinking[idx]
			if buf == nil {
				buf = &strings.Builder{}
				d.thinking[idx] = buf
			}
			buf.WriteString(ev.Delta.Thinking)
		}
		return nil

	case sdk.ContentBlockStopEvent:
		return d.stopBlock(int(ev.Index))

	case sdk.MessageDeltaEvent:
		d.turn.stopReason = string(ev.Delta.StopReason)
		return nil
	}
	return nil
}

func (d *decoder) startBlock(idx int, blockType, id, name, raw string) error {
	switch blockType {
	case "tool_use", "server_tool_use":
		d.tools[idx] = &toolBuffer{
			id:     id,
			name:   name,
			output: d.wantOutput && name == outputToolName,
		}
	case "mcp_tool_use":
		server := gjson.Get(raw, "server_name").String()
		d.tools[idx] = &toolBuffer{id: id, name: agents.MCPToolName(server, name)}
	case "thinking":
		buf := &strings.Builder{}
		buf.WriteString(gjson.Get(raw, "thinking").String())
		d.thinking[idx] = buf
	case "mcp_tool_result", "web_search_tool_result":
		return d.providerResult(raw)
	}
	return nil
}

// stopBlock flushes buffered blocks. Thinking is emitted whole once the
// block completes so partial reasoning never reaches subscribers; the
// forced output tool is captured for the turn result instead of being
// surfaced as a tool call.
func (d *decoder) stopBlock(idx int) error {
	if buf := d.thinking[idx]; buf != nil {
		delete(d.thinking, idx)
		if s := buf.String(); s != "" {
			if err := d.emit(events.Thinking(s)); err != nil {
				return err
			}
		}
	}
	tb := d.tools[idx]
	if tb == nil {
		return nil
	}
	delete(d.tools, idx)
	raw := tb.finalInput()
	if tb.output {
		d.turn.structured = raw
		return nil
	}
	input := decodeInput(raw)
	if err := d.emit(events.ToolUse(tb.id, tb.name, input)); err != nil {
		return err
	}
	if items, ok := agents.TodoItems(input); ok {
		return d.emit(events.TodoList(items))
	}
	return nil
}

// providerResult translates results executed on the provider side (MCP
// connector tools, web search), which arrive as complete content blocks.
// Text parts are joined; anything else is surfaced as raw JSON. Failed
// calls become a single "Error: ..." line.
func (d *decoder) providerResult(raw string) error {
	result := ""
	content := gjson.Get(raw, "content")
	switch {
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		result = strings.Join(parts, "\n")
		if result == "" {
			result = content.Raw
		}
	case content.Exists():
		result = content.String()
	}
	if gjson.Get(raw, "is_error").Bool() {
		if result == "" {
			result = "tool call failed"
		}
		result = "Error: " + result
	}
	return d.emit(events.ToolResult(gjson.Get(raw, "tool_use_id").String(), result))
}

func (tb *toolBuffer) finalInput() string {
	if len(tb.fragments) == 0 {
		return "{}"
	}
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func decodeInput(raw string) map[string]any {
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil
	}
	return input
}
