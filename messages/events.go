package messages

import "time"

// StreamEventType represents the type of streaming event
type StreamEventType string

const (
	// EventTypeContent represents incremental content being streamed
	EventTypeContent StreamEventType = "content"
	// EventTypeReasoning represents incremental reasoning content
	EventTypeReasoning StreamEventType = "reasoning"
	// EventTypeToolCall represents a tool call parsed from the model output
	EventTypeToolCall StreamEventType = "tool_call"
	// EventTypeToolStart is emitted by the agent before a tool executes
	EventTypeToolStart StreamEventType = "tool_start"
	// EventTypeToolEnd is emitted by the agent after a tool executes
	EventTypeToolEnd StreamEventType = "tool_end"
	// EventTypeUsage carries aggregate token usage for a whole agent run
	EventTypeUsage StreamEventType = "usage"
	// EventTypeComplete represents the complete message
	EventTypeComplete StreamEventType = "complete"
	// EventTypeError represents an error during streaming
	EventTypeError StreamEventType = "error"
)

// StreamEvent represents a single event in the stream
type StreamEvent struct {
	Type       StreamEventType
	Content    string               // For incremental content chunks
	ToolCall   *ChatMessageToolCall // For tool_call and tool_start events
	ToolResult *ToolResult          // For tool_end events
	Usage      *TokenUsage          // For usage events
	Message    *ChatMessage         // For the complete message
	Generated  []ChatMessage        // All messages an agent run produced (complete events)
	Error      error                // For error events
}

// ToolResult describes one finished tool execution.
type ToolResult struct {
	CallID   string
	Name     string
	Content  string
	Duration time.Duration
	Err      error
}
