package messages

// StopReason indicates why the model stopped generating
type StopReason string

const (
	// StopReasonEndTurn indicates normal completion
	StopReasonEndTurn StopReason = "end_turn"
	// StopReasonToolUse indicates the model wants to use tools
	StopReasonToolUse StopReason = "tool_use"
	// StopReasonMaxTokens indicates the response was truncated due to token limit
	StopReasonMaxTokens StopReason = "max_tokens"
	// StopReasonContentFilter indicates the response was blocked by safety/policy
	StopReasonContentFilter StopReason = "content_filter"
	// StopReasonError indicates malformed output or other error
	StopReasonError StopReason = "error"
)

// ChatMessage represents a provider-agnostic chat message
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ChatMessageToolCall
	ToolCallID string         // For tool response messages
	ToolName   string         // Name of the tool that produced a tool response
	Reasoning  string         // Reasoning/thinking content
	Metadata   map[string]any // Additional metadata for the message
	StopReason StopReason     // Why the model stopped generating (only set on final message)
}

// ChatMessageToolCall represents a tool call within a message
type ChatMessageToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON string of arguments
}

// Standard role constants
const (
	MessageRoleSystem    = "system"
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleTool      = "tool"
)

// Metadata keys
const (
	MetadataKeyInputTokens  = "input_tokens"
	MetadataKeyOutputTokens = "output_tokens"
	// MetadataKeyUsage holds the provider's raw usage payload (a map or JSON bytes)
	MetadataKeyUsage = "usage"
	// MetadataKeyError marks a message that carries a streaming failure
	MetadataKeyError = "error"
)

// TokenUsage is a pair of normalized token counters.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// IsZero reports whether no tokens were counted.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0
}

// Add returns the sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// GetInputTokens returns the input token count from metadata, or 0 if not set
func (m *ChatMessage) GetInputTokens() int {
	return intMetadata(m.Metadata, MetadataKeyInputTokens)
}

// GetOutputTokens returns the output token count from metadata, or 0 if not set
func (m *ChatMessage) GetOutputTokens() int {
	return intMetadata(m.Metadata, MetadataKeyOutputTokens)
}

// SetTokenUsage sets the input and output token counts in metadata
func (m *ChatMessage) SetTokenUsage(input, output int) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[MetadataKeyInputTokens] = input
	m.Metadata[MetadataKeyOutputTokens] = output
}

// TokenUsage returns the token counters stored in metadata.
func (m *ChatMessage) TokenUsage() TokenUsage {
	return TokenUsage{InputTokens: m.GetInputTokens(), OutputTokens: m.GetOutputTokens()}
}

// Err returns the streaming failure carried by the message, if any.
func (m *ChatMessage) Err() error {
	if m.Metadata == nil {
		return nil
	}
	err, _ := m.Metadata[MetadataKeyError].(error)
	return err
}

// ErrorMessage wraps a streaming failure so it can travel through a message channel.
func ErrorMessage(err error) ChatMessage {
	return ChatMessage{
		Role:       MessageRoleAssistant,
		StopReason: StopReasonError,
		Metadata:   map[string]any{MetadataKeyError: err},
	}
}

// EstimateTokens approximates the token count of a message at four characters
// per token plus a fixed per-message overhead.
func EstimateTokens(msg ChatMessage) int {
	chars := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	return chars/4 + 4
}

// EstimateTextTokens approximates the token count of plain text.
func EstimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func intMetadata(md map[string]any, key string) int {
	if md == nil {
		return 0
	}
	switch v := md[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
