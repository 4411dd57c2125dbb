// Package adapters maps each provider's stream chunks onto a streaming.Turn.
package adapters

import (
	"github.com/alexschlessinger/pollyd/llm/streaming"
	"github.com/alexschlessinger/pollyd/messages"
	ai "github.com/sashabaranov/go-openai"
)

// OpenAI reads chat completion chunks. Tool calls arrive in pieces keyed by
// their index in the response; usage arrives on the last chunk when the
// request asked for it.
type OpenAI struct{}

func (OpenAI) Observe(chunk any, t *streaming.Turn) error {
	resp, ok := chunk.(*ai.ChatCompletionStreamResponse)
	if !ok {
		return nil
	}

	if u := resp.Usage; u != nil {
		t.SetUsage(u.PromptTokens, u.CompletionTokens, map[string]any{
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
			"total_tokens":      u.TotalTokens,
		})
	}
	if len(resp.Choices) == 0 {
		return nil
	}

	choice := resp.Choices[0]
	if choice.FinishReason != "" {
		t.Stop(openAIStopReason(choice.FinishReason))
	}
	for _, tc := range choice.Delta.ToolCalls {
		if tc.Index == nil {
			continue
		}
		call := t.Call(*tc.Index)
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if tc.Function.Name != "" {
			call.Name = tc.Function.Name
		}
		call.Arguments += tc.Function.Arguments
	}
	return nil
}

func (OpenAI) Finalize(*messages.ChatMessage, *streaming.Turn) {}

func openAIStopReason(fr ai.FinishReason) messages.StopReason {
	switch fr {
	case ai.FinishReasonToolCalls, ai.FinishReasonFunctionCall:
		return messages.StopReasonToolUse
	case ai.FinishReasonLength:
		return messages.StopReasonMaxTokens
	case ai.FinishReasonContentFilter:
		return messages.StopReasonContentFilter
	default:
		return messages.StopReasonEndTurn
	}
}
