package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/alexschlessinger/pollyd/llm/streaming"
	"github.com/alexschlessinger/pollyd/messages"
	ollamaapi "github.com/ollama/ollama/api"
)

// Ollama reads chat responses. Every chunk carrying tool calls repeats the
// full list, and counters are only reported on the final chunk.
type Ollama struct{}

func (Ollama) Observe(chunk any, t *streaming.Turn) error {
	resp, ok := chunk.(*ollamaapi.ChatResponse)
	if !ok {
		return nil
	}

	if calls := resp.Message.ToolCalls; len(calls) > 0 {
		converted := make([]messages.ChatMessageToolCall, len(calls))
		for i, tc := range calls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			converted[i] = messages.ChatMessageToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      tc.Function.Name,
				Arguments: string(args),
			}
		}
		t.ReplaceCalls(converted)
	}

	if resp.Done {
		t.SetUsage(resp.PromptEvalCount, resp.EvalCount, map[string]any{
			"prompt_tokens":     resp.PromptEvalCount,
			"completion_tokens": resp.EvalCount,
		})
		if resp.DoneReason == "length" {
			t.Stop(messages.StopReasonMaxTokens)
		} else {
			t.Stop(messages.StopReasonEndTurn)
		}
	}
	return nil
}

func (Ollama) Finalize(*messages.ChatMessage, *streaming.Turn) {}
