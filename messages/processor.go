package messages

import (
	"fmt"

	"go.uber.org/zap"
)

// StreamProcessor converts a provider's message stream into typed events.
type StreamProcessor struct{}

// NewStreamProcessor creates a new stream processor
func NewStreamProcessor() *StreamProcessor {
	return &StreamProcessor{}
}

// ProcessMessagesToEvents converts a stream of ChatMessages into StreamEvents.
// Content and reasoning chunks are forwarded as they arrive; the last event is
// either a complete event carrying the accumulated message or an error event.
// The input channel is always drained so the producer never blocks.
func (p *StreamProcessor) ProcessMessagesToEvents(msgChan <-chan ChatMessage) <-chan *StreamEvent {
	eventChan := make(chan *StreamEvent, 10)

	processorID := fmt.Sprintf("%p", p)

	go func() {
		defer close(eventChan)

		var content, reasoning string
		var toolCalls []ChatMessageToolCall
		var metadata map[string]any
		var stopReason StopReason

		for msg := range msgChan {
			if err := msg.Err(); err != nil {
				zap.S().Debugw("processor_error_received", "processor_id", processorID, "error", err)
				eventChan <- &StreamEvent{Type: EventTypeError, Error: err}
				for range msgChan {
				}
				return
			}

			if msg.StopReason != "" {
				stopReason = msg.StopReason
			}

			if msg.Reasoning != "" {
				reasoning += msg.Reasoning
				eventChan <- &StreamEvent{Type: EventTypeReasoning, Content: msg.Reasoning}
			}

			if msg.Content != "" {
				content += msg.Content
				eventChan <- &StreamEvent{Type: EventTypeContent, Content: msg.Content}
			}

			if len(msg.Metadata) > 0 {
				metadata = msg.Metadata
			}

			if len(msg.ToolCalls) > 0 {
				toolCalls = msg.ToolCalls
				for i := range msg.ToolCalls {
					eventChan <- &StreamEvent{Type: EventTypeToolCall, ToolCall: &msg.ToolCalls[i]}
				}
			}
		}

		zap.S().Debugw("processor_stream_complete",
			"processor_id", processorID,
			"content_len", len(content),
			"reasoning_len", len(reasoning),
			"tool_calls", len(toolCalls),
			"stop_reason", stopReason,
		)

		eventChan <- &StreamEvent{
			Type: EventTypeComplete,
			Message: &ChatMessage{
				Role:       MessageRoleAssistant,
				Content:    content,
				Reasoning:  reasoning,
				ToolCalls:  toolCalls,
				Metadata:   metadata,
				StopReason: stopReason,
			},
		}
	}()

	return eventChan
}
