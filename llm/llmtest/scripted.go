// Package llmtest provides a scripted model client for tests of code built
// on llm.Agent.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/alexschlessinger/pollyd/llm"
	"github.com/alexschlessinger/pollyd/messages"
)

// Scripted replays one scripted message stream per completion call through
// the caller's stream processor. Calls beyond the script fail.
type Scripted struct {
	mu       sync.Mutex
	turns    [][]messages.ChatMessage
	requests []*llm.CompletionRequest
}

// NewScripted creates a client that answers with turns in order.
func NewScripted(turns ...[]messages.ChatMessage) *Scripted {
	return &Scripted{turns: turns}
}

// Push appends turns to the script.
func (s *Scripted) Push(turns ...[]messages.ChatMessage) {
	s.mu.Lock()
	s.turns = append(s.turns, turns...)
	s.mu.Unlock()
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []*llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.CompletionRequest(nil), s.requests...)
}

func (s *Scripted) ChatCompletionStream(ctx context.Context, req *llm.CompletionRequest, processor llm.EventStreamProcessor) <-chan *messages.StreamEvent {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var turn []messages.ChatMessage
	if len(s.turns) > 0 {
		turn, s.turns = s.turns[0], s.turns[1:]
	} else {
		turn = []messages.ChatMessage{messages.ErrorMessage(errors.New("script exhausted"))}
	}
	s.mu.Unlock()

	ch := make(chan messages.ChatMessage, len(turn))
	for _, m := range turn {
		ch <- m
	}
	close(ch)
	return processor.ProcessMessagesToEvents(ch)
}

// Chunk is a streamed content fragment.
func Chunk(text string) messages.ChatMessage {
	return messages.ChatMessage{Role: messages.MessageRoleAssistant, Content: text}
}

// Final is the closing message of a completion with input/output counters.
func Final(stop messages.StopReason, in, out int, calls ...messages.ChatMessageToolCall) messages.ChatMessage {
	msg := messages.ChatMessage{Role: messages.MessageRoleAssistant, StopReason: stop, ToolCalls: calls}
	if in != 0 || out != 0 {
		msg.SetTokenUsage(in, out)
	}
	return msg
}

// Reply is a whole completion: text then an end_turn final message.
func Reply(text string, in, out int) []messages.ChatMessage {
	return []messages.ChatMessage{Chunk(text), Final(messages.StopReasonEndTurn, in, out)}
}

// Fail is a completion that errors.
func Fail(err error) []messages.ChatMessage {
	return []messages.ChatMessage{messages.ErrorMessage(err)}
}
