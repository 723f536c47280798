package agents

import (
	"agentflow.dev/agentflow/runtime/workflow/events"
)

// MCPToolName qualifies a tool exposed through an MCP server so event
// consumers can tell "docs:search" apart from a built-in "search".
func MCPToolName(server, tool string) string {
	if server == "" {
		return tool
	}
	return server + ":" + tool
}

// TodoItems extracts a todo list from a TodoWrite-shaped tool input:
//
//	{"todos": [{"content": ..., "activeForm": ..., "status": ...}, ...]}
//
// Each item is labelled with its active form when present, falling back to
// the content, and is completed once its status says so. ok is false for
// any other input shape so callers can pass every tool input through
// without filtering first.
func TodoItems(input map[string]any) ([]events.TodoItem, bool) {
	raw, found := input["todos"]
	if !found {
		return nil, false
	}
	list, isList := raw.([]any)
	if !isList {
		return nil, false
	}
	items := make([]events.TodoItem, 0, len(list))
	for _, e := range list {
		entry, isMap := e.(map[string]any)
		if !isMap {
			return nil, false
		}
		text, _ := entry["activeForm"].(string)
		if text == "" {
			text, _ = entry["content"].(string)
		}
		status, _ := entry["status"].(string)
		items = append(items, events.TodoItem{Text: text, Completed: status == "completed"})
	}
	return items, true
}
