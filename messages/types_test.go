package messages

import (
	"errors"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input    ChatMessage
		expected int
	}{
		{ChatMessage{Content: ""}, 4},            // 0 content + 4 overhead
		{ChatMessage{Content: "1234"}, 5},        // 1 content + 4 overhead
		{ChatMessage{Content: "12345678"}, 6},    // 2 content + 4 overhead
		{ChatMessage{Content: "hello world"}, 6}, // 2 content + 4 overhead
		{
			ChatMessage{
				Role: MessageRoleAssistant,
				ToolCalls: []ChatMessageToolCall{
					{Name: "test_tool", Arguments: `{"key": "value"}`},
				},
			},
			10, // Name(2) + Args(4) + Overhead(4) = 10
		},
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.expected {
			t.Errorf("EstimateTokens(%q) = %d; want %d", tt.input.Content, got, tt.expected)
		}
	}
}

func TestEstimateTextTokens(t *testing.T) {
	for text, want := range map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2} {
		if got := EstimateTextTokens(text); got != want {
			t.Errorf("EstimateTextTokens(%q) = %d; want %d", text, got, want)
		}
	}
}

func TestTokenUsageMetadata(t *testing.T) {
	var msg ChatMessage
	if !msg.TokenUsage().IsZero() {
		t.Fatal("empty message reports usage")
	}

	msg.SetTokenUsage(12, 3)
	msg.Metadata[MetadataKeyOutputTokens] = float64(3)
	got := msg.TokenUsage().Add(TokenUsage{InputTokens: 1, OutputTokens: 1})
	if got != (TokenUsage{InputTokens: 13, OutputTokens: 4}) {
		t.Errorf("TokenUsage().Add() = %+v", got)
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	msg := ErrorMessage(cause)
	if msg.StopReason != StopReasonError {
		t.Errorf("StopReason = %q, want %q", msg.StopReason, StopReasonError)
	}
	if !errors.Is(msg.Err(), cause) {
		t.Errorf("Err() = %v, want %v", msg.Err(), cause)
	}
	if (&ChatMessage{}).Err() != nil {
		t.Error("plain message carries an error")
	}
}
