// Package streaming turns provider stream chunks into the provider-neutral
// message channel consumed by messages.StreamProcessor.
package streaming

import (
	"strings"

	"github.com/alexschlessinger/pollyd/messages"
)

// Turn accumulates one model response while it streams. A Turn belongs to the
// goroutine reading the provider stream and is not safe for concurrent use.
type Turn struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     []messages.ChatMessageToolCall
	stop      messages.StopReason

	usage    messages.TokenUsage
	rawUsage any
	extras   map[string]any
}

// Call returns the tool call at index, growing the list with empty calls as
// needed. Providers that stream calls by position update them through it.
func (t *Turn) Call(index int) *messages.ChatMessageToolCall {
	for len(t.calls) <= index {
		t.calls = append(t.calls, messages.ChatMessageToolCall{})
	}
	return &t.calls[index]
}

// AddCall appends a complete or partially streamed tool call and returns its index.
func (t *Turn) AddCall(call messages.ChatMessageToolCall) int {
	t.calls = append(t.calls, call)
	return len(t.calls) - 1
}

// ReplaceCalls swaps the whole call list, for providers that resend every
// call on each chunk.
func (t *Turn) ReplaceCalls(calls []messages.ChatMessageToolCall) {
	t.calls = append(t.calls[:0], calls...)
}

// Calls returns a copy of the tool calls seen so far.
func (t *Turn) Calls() []messages.ChatMessageToolCall {
	out := make([]messages.ChatMessageToolCall, len(t.calls))
	copy(out, t.calls)
	return out
}

// SetUsage records the token counters and the provider's usage payload in its
// native shape. Either counter may be negative to keep the current value.
func (t *Turn) SetUsage(input, output int, raw any) {
	if input >= 0 {
		t.usage.InputTokens = input
	}
	if output >= 0 {
		t.usage.OutputTokens = output
	}
	if raw != nil {
		t.rawUsage = raw
	}
}

// Usage returns the counters recorded so far.
func (t *Turn) Usage() messages.TokenUsage { return t.usage }

// Stop records why the model stopped.
func (t *Turn) Stop(reason messages.StopReason) { t.stop = reason }

// StopReason returns the recorded stop reason.
func (t *Turn) StopReason() messages.StopReason { return t.stop }

// SetExtra attaches provider metadata to the final message.
func (t *Turn) SetExtra(key string, v any) {
	if t.extras == nil {
		t.extras = make(map[string]any)
	}
	t.extras[key] = v
}

// message builds the final message. Text and reasoning were already
// streamed, so they are left empty.
func (t *Turn) message() messages.ChatMessage {
	stop := t.stop
	if stop == "" {
		stop = messages.StopReasonEndTurn
	}
	if len(t.calls) > 0 && stop == messages.StopReasonEndTurn {
		stop = messages.StopReasonToolUse
	}

	msg := messages.ChatMessage{
		Role:       messages.MessageRoleAssistant,
		ToolCalls:  t.Calls(),
		StopReason: stop,
	}
	for i := range msg.ToolCalls {
		if strings.TrimSpace(msg.ToolCalls[i].Arguments) == "" {
			msg.ToolCalls[i].Arguments = "{}"
		}
	}
	msg.SetTokenUsage(t.usage.InputTokens, t.usage.OutputTokens)
	if t.rawUsage != nil {
		msg.Metadata[messages.MetadataKeyUsage] = t.rawUsage
	}
	for k, v := range t.extras {
		msg.Metadata[k] = v
	}
	return msg
}
