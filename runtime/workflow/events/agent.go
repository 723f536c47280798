package events

// AgentEventType identifies an AgentEvent variant.
type AgentEventType string

const (
	AgentTextDelta  AgentEventType = "text-delta"
	AgentThinking   AgentEventType = "thinking"
	AgentToolUse    AgentEventType = "tool-use"
	AgentToolResult AgentEventType = "tool-result"
	AgentTodoList   AgentEventType = "todo-list"
	AgentComplete   AgentEventType = "complete"
	AgentError      AgentEventType = "error"
)

// AgentEvent is the uniform streaming vocabulary every node executor emits
// while running, regardless of backend. It marshals as a tagged object so
// the same value travels the bus, the journal, and the client wire.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	// Content holds the incremental text for text-delta and thinking.
	Content string `json:"content,omitempty"`

	// ID and Name describe a tool invocation; Name alone tags the
	// matching tool-result.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// Result carries tool-result and complete payloads.
	Result any `json:"result,omitempty"`

	// Items is the full task list snapshot for todo-list.
	Items []TodoItem `json:"items,omitempty"`

	// Message describes an error event.
	Message string `json:"message,omitempty"`
}

// TodoItem is one entry of a todo-list snapshot.
type TodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// TextDelta is an incremental chunk of response text.
func TextDelta(content string) AgentEvent {
	return AgentEvent{Type: AgentTextDelta, Content: content}
}

// Thinking is an incremental chunk of reasoning text.
func Thinking(content string) AgentEvent {
	return AgentEvent{Type: AgentThinking, Content: content}
}

// ToolUse announces a tool invocation with its input.
func ToolUse(id, name string, input map[string]any) AgentEvent {
	return AgentEvent{Type: AgentToolUse, ID: id, Name: name, Input: input}
}

// ToolResult reports the outcome of a prior tool invocation.
func ToolResult(name string, result any) AgentEvent {
	return AgentEvent{Type: AgentToolResult, Name: name, Result: result}
}

// TodoList is a full snapshot of the agent's task list.
func TodoList(items []TodoItem) AgentEvent {
	return AgentEvent{Type: AgentTodoList, Items: items}
}

// Complete carries the node's final result value.
func Complete(result any) AgentEvent {
	return AgentEvent{Type: AgentComplete, Result: result}
}

// Error reports a stream-terminating failure.
func Error(message string) AgentEvent {
	return AgentEvent{Type: AgentError, Message: message}
}
