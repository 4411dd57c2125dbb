package adapters

import (
	"github.com/alexschlessinger/pollyd/llm/streaming"
	"github.com/alexschlessinger/pollyd/messages"
	"github.com/anthropics/anthropic-sdk-go"
)

// Anthropic reads message stream events. A tool_use block opens a call whose
// input then streams as partial JSON until the block stops. Input tokens are
// reported on message_start and output tokens on message_delta.
type Anthropic struct {
	open int
}

// NewAnthropic returns an adapter with no tool block open.
func NewAnthropic() *Anthropic {
	return &Anthropic{open: -1}
}

func (a *Anthropic) Observe(chunk any, t *streaming.Turn) error {
	event, ok := chunk.(anthropic.MessageStreamEventUnion)
	if !ok {
		return nil
	}

	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		t.SetUsage(int(ev.Message.Usage.InputTokens), -1, nil)

	case anthropic.ContentBlockStartEvent:
		a.open = -1
		if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			a.open = t.AddCall(messages.ChatMessageToolCall{ID: block.ID, Name: block.Name})
		}

	case anthropic.ContentBlockDeltaEvent:
		if a.open >= 0 && ev.Delta.PartialJSON != "" {
			t.Call(a.open).Arguments += ev.Delta.PartialJSON
		}

	case anthropic.ContentBlockStopEvent:
		a.open = -1

	case anthropic.MessageDeltaEvent:
		t.Stop(anthropicStopReason(ev.Delta.StopReason))
		in := t.Usage().InputTokens
		out := int(ev.Usage.OutputTokens)
		t.SetUsage(in, out, map[string]any{
			"input_tokens":  in,
			"output_tokens": out,
		})
	}
	return nil
}

func (a *Anthropic) Finalize(*messages.ChatMessage, *streaming.Turn) {}

func anthropicStopReason(sr anthropic.StopReason) messages.StopReason {
	switch sr {
	case anthropic.StopReasonToolUse:
		return messages.StopReasonToolUse
	case anthropic.StopReasonMaxTokens:
		return messages.StopReasonMaxTokens
	case anthropic.StopReasonRefusal:
		return messages.StopReasonContentFilter
	default:
		return messages.StopReasonEndTurn
	}
}
