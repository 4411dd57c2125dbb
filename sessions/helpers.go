package sessions

import (
	"slices"

	"github.com/alexschlessinger/pollyd/messages"
)

// TrimHistory keeps a leading system prompt (if any) and the most recent
// maxHistory messages. A tool response left at the head of the window is
// dropped because providers reject tool results without their tool call.
func TrimHistory(history []messages.ChatMessage, maxHistory int) []messages.ChatMessage {
	head := 0
	if len(history) > 0 && history[0].Role == messages.MessageRoleSystem {
		head = 1
	}

	trimmed := history
	if maxHistory > 0 && len(history) > maxHistory+head {
		trimmed = append(slices.Clone(history[:head]), history[len(history)-maxHistory:]...)
	}

	orphans := 0
	for head+orphans < len(trimmed) && trimmed[head+orphans].Role == messages.MessageRoleTool {
		orphans++
	}
	if orphans > 0 {
		trimmed = slices.Concat(trimmed[:head], trimmed[head+orphans:])
	}
	return trimmed
}

// TrimFIFO drops the oldest entries so that at most capacity remain. The
// whole excess is removed in one slice operation.
func TrimFIFO[T any](items []T, capacity int) []T {
	if capacity <= 0 || len(items) <= capacity {
		return items
	}
	excess := len(items) - capacity
	return slices.Clone(items[excess:])
}

// CopyHistory returns a copy of the history slice
func CopyHistory(history []messages.ChatMessage) []messages.ChatMessage {
	return slices.Clone(history)
}
