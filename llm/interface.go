package llm

import (
	"context"
	"time"

	"github.com/alexschlessinger/pollyd/messages"
	"github.com/alexschlessinger/pollyd/tools"
)

// LLM interface defines the contract for language model implementations
type LLM interface {
	// Event-based streaming method
	ChatCompletionStream(context.Context, *CompletionRequest, EventStreamProcessor) <-chan *messages.StreamEvent
}

// EventStreamProcessor processes message streams into events
type EventStreamProcessor interface {
	ProcessMessagesToEvents(<-chan messages.ChatMessage) <-chan *messages.StreamEvent
}

// CompletionRequest contains all parameters for a completion request
type CompletionRequest struct {
	Timeout     time.Duration
	Temperature float32
	Model       string
	MaxTokens   int
	Messages    []messages.ChatMessage // Message history
	Tools       []tools.Tool           // Available tools
}

// timeout returns the request timeout, falling back to DefaultRequestTimeout.
func (r *CompletionRequest) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultRequestTimeout
	}
	return r.Timeout
}
