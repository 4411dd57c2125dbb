package streaming

import (
	"context"

	"github.com/alexschlessinger/pollyd/messages"
	"go.uber.org/zap"
)

// bufferSize is the capacity of the message channel between a provider
// stream and the processor.
const bufferSize = 16

// Adapter interprets one provider's stream chunks.
type Adapter interface {
	// Observe folds a chunk into the turn. Text and reasoning are emitted by
	// the client; adapters record tool calls, usage and stop reasons.
	Observe(chunk any, t *Turn) error
	// Finalize adds provider metadata to the final message.
	Finalize(msg *messages.ChatMessage, t *Turn)
}

// Emitter writes a provider stream to a message channel.
type Emitter struct {
	ctx     context.Context
	out     chan<- messages.ChatMessage
	adapter Adapter
	turn    Turn
	sent    int
}

// Start runs fn on a new goroutine with an Emitter and returns the channel it
// writes to. When fn returns nil the final message is sent; when it returns an
// error an error message is sent instead. The channel is closed afterwards.
func Start(ctx context.Context, provider string, adapter Adapter, fn func(*Emitter) error) <-chan messages.ChatMessage {
	ch := make(chan messages.ChatMessage, bufferSize)
	go func() {
		defer close(ch)
		e := &Emitter{ctx: ctx, out: ch, adapter: adapter}
		if err := fn(e); err != nil {
			zap.S().Debugw("model_stream_failed", "provider", provider, "error", err)
			e.send(messages.ErrorMessage(err))
			return
		}
		e.finish(provider)
	}()
	return ch
}

// Turn exposes the accumulated state to the client.
func (e *Emitter) Turn() *Turn { return &e.turn }

// Observe passes a chunk to the adapter.
func (e *Emitter) Observe(chunk any) error {
	return e.adapter.Observe(chunk, &e.turn)
}

// Text streams a content chunk.
func (e *Emitter) Text(s string) {
	if s == "" {
		return
	}
	if e.send(messages.ChatMessage{Role: messages.MessageRoleAssistant, Content: s}) {
		e.turn.text.WriteString(s)
	}
}

// Reasoning streams a thinking chunk.
func (e *Emitter) Reasoning(s string) {
	if s == "" {
		return
	}
	if e.send(messages.ChatMessage{Role: messages.MessageRoleAssistant, Reasoning: s}) {
		e.turn.reasoning.WriteString(s)
	}
}

func (e *Emitter) send(msg messages.ChatMessage) bool {
	select {
	case <-e.ctx.Done():
		return false
	case e.out <- msg:
		e.sent++
		return true
	}
}

func (e *Emitter) finish(provider string) {
	msg := e.turn.message()
	e.adapter.Finalize(&msg, &e.turn)
	if !e.send(msg) {
		return
	}

	fields := []any{
		"provider", provider,
		"chunks", e.sent,
		"content_length", e.turn.text.Len(),
		"stop_reason", msg.StopReason,
		"input_tokens", e.turn.usage.InputTokens,
		"output_tokens", e.turn.usage.OutputTokens,
	}
	if e.turn.reasoning.Len() > 0 {
		fields = append(fields, "reasoning_length", e.turn.reasoning.Len())
	}
	if len(msg.ToolCalls) > 0 {
		names := make([]string, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			names[i] = tc.Name
		}
		fields = append(fields, "tool_calls", names)
	}
	zap.S().Debugw("model_stream_finished", fields...)
}
