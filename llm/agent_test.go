package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexschlessinger/pollyd/messages"
	"github.com/alexschlessinger/pollyd/tools"
	"github.com/google/jsonschema-go/jsonschema"
)

// scriptedLLM replays one scripted message stream per completion call
// through the real stream processor.
type scriptedLLM struct {
	mu       sync.Mutex
	turns    [][]messages.ChatMessage
	requests []*CompletionRequest
}

func (s *scriptedLLM) ChatCompletionStream(ctx context.Context, req *CompletionRequest, processor EventStreamProcessor) <-chan *messages.StreamEvent {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var turn []messages.ChatMessage
	if len(s.turns) > 0 {
		turn, s.turns = s.turns[0], s.turns[1:]
	}
	s.mu.Unlock()

	ch := make(chan messages.ChatMessage, len(turn))
	for _, m := range turn {
		ch <- m
	}
	close(ch)
	return processor.ProcessMessagesToEvents(ch)
}

func final(stop messages.StopReason, in, out int, calls ...messages.ChatMessageToolCall) messages.ChatMessage {
	msg := messages.ChatMessage{Role: messages.MessageRoleAssistant, StopReason: stop, ToolCalls: calls}
	msg.SetTokenUsage(in, out)
	return msg
}

func chunk(text string) messages.ChatMessage {
	return messages.ChatMessage{Role: messages.MessageRoleAssistant, Content: text}
}

type upperTool struct{}

func (upperTool) GetSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Title: "upper", Type: "object"}
}

func (upperTool) Execute(_ context.Context, args map[string]any) (string, error) {
	s, _ := args["s"].(string)
	return strings.ToUpper(s), nil
}

type failingTool struct{}

func (failingTool) GetSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Title: "broken", Type: "object"}
}

func (failingTool) Execute(context.Context, map[string]any) (string, error) {
	return "", errors.New("no luck")
}

func collect(t *testing.T, ch <-chan *messages.StreamEvent) []*messages.StreamEvent {
	t.Helper()
	var events []*messages.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("agent stream did not close")
		}
	}
}

func types(events []*messages.StreamEvent) []messages.StreamEventType {
	out := make([]messages.StreamEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func newTestAgent(client LLM, streaming bool, ts ...tools.Tool) *Agent {
	cfg := Config{Provider: ProviderOpenAI, Model: "gpt-test", Streaming: streaming}.WithDefaults()
	return NewAgent(client, tools.NewSet(ts), cfg, AgentConfig{})
}

func TestAgentStreamsContentThenUsageThenComplete(t *testing.T) {
	client := &scriptedLLM{turns: [][]messages.ChatMessage{{
		chunk("Hel"), chunk("lo"), final(messages.StopReasonEndTurn, 12, 3),
	}}}

	events := collect(t, newTestAgent(client, true).Stream(context.Background(), []messages.ChatMessage{
		{Role: messages.MessageRoleUser, Content: "hi"},
	}))

	got := types(events)
	want := []messages.StreamEventType{
		messages.EventTypeContent, messages.EventTypeContent,
		messages.EventTypeUsage, messages.EventTypeComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}

	usage := events[2].Usage
	if usage.InputTokens != 12 || usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
	done := events[3]
	if done.Message.Content != "Hello" {
		t.Errorf("final content = %q, want Hello", done.Message.Content)
	}
	if len(done.Generated) != 1 {
		t.Errorf("generated = %d messages, want 1", len(done.Generated))
	}
}

func TestAgentBuffersContentWhenNotStreaming(t *testing.T) {
	client := &scriptedLLM{turns: [][]messages.ChatMessage{{
		chunk("a"), chunk("b"), chunk("c"), final(messages.StopReasonEndTurn, 0, 0),
	}}}

	events := collect(t, newTestAgent(client, false).Stream(context.Background(), nil))

	if len(events) != 2 {
		t.Fatalf("got %d events (%v), want content+complete", len(events), types(events))
	}
	if events[0].Type != messages.EventTypeContent || events[0].Content != "abc" {
		t.Errorf("first event = %+v, want one buffered content event", events[0])
	}
	if events[1].Type != messages.EventTypeComplete {
		t.Errorf("last event = %s, want complete", events[1].Type)
	}
}

func TestAgentExecutesToolsAndAggregatesUsage(t *testing.T) {
	call := messages.ChatMessageToolCall{ID: "c1", Name: "upper", Arguments: `{"s":"shout"}`}
	client := &scriptedLLM{turns: [][]messages.ChatMessage{
		{final(messages.StopReasonToolUse, 10, 2, call)},
		{chunk("done"), final(messages.StopReasonEndTurn, 15, 4)},
	}}

	events := collect(t, newTestAgent(client, true, upperTool{}).Stream(context.Background(), nil))

	var start, end, usage, complete *messages.StreamEvent
	toolCalls := 0
	for _, ev := range events {
		switch ev.Type {
		case messages.EventTypeToolCall:
			toolCalls++
		case messages.EventTypeToolStart:
			start = ev
		case messages.EventTypeToolEnd:
			end = ev
		case messages.EventTypeUsage:
			usage = ev
		case messages.EventTypeComplete:
			complete = ev
		}
	}

	if toolCalls != 1 || start == nil || end == nil {
		t.Fatalf("tool events missing: %v", types(events))
	}
	if end.ToolResult.Content != "SHOUT" || end.ToolResult.Err != nil {
		t.Errorf("tool result = %+v", end.ToolResult)
	}
	if usage == nil || usage.Usage.InputTokens != 25 || usage.Usage.OutputTokens != 6 {
		t.Errorf("aggregate usage = %+v, want 25/6", usage)
	}
	if complete == nil || len(complete.Generated) != 3 {
		t.Fatalf("complete event = %+v, want assistant, tool, assistant", complete)
	}
	if complete.Generated[1].Role != messages.MessageRoleTool || complete.Generated[1].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", complete.Generated[1])
	}

	// second request carries the tool result back to the model
	second := client.requests[1].Messages
	if last := second[len(second)-1]; last.Content != "SHOUT" {
		t.Errorf("second request ended with %+v", last)
	}
}

func TestAgentToolFailureIsReportedToModel(t *testing.T) {
	call := messages.ChatMessageToolCall{ID: "c1", Name: "broken", Arguments: `{}`}
	client := &scriptedLLM{turns: [][]messages.ChatMessage{
		{final(messages.StopReasonToolUse, 1, 1, call)},
		{final(messages.StopReasonEndTurn, 1, 1)},
	}}

	events := collect(t, newTestAgent(client, true, failingTool{}).Stream(context.Background(), nil))

	last := events[len(events)-1]
	if last.Type != messages.EventTypeComplete {
		t.Fatalf("last event = %s, want complete", last.Type)
	}
	tool := last.Generated[1]
	if !strings.Contains(tool.Content, "no luck") {
		t.Errorf("tool message content = %q", tool.Content)
	}
}

func TestAgentOmitsUsageWhenProviderReportsNone(t *testing.T) {
	client := &scriptedLLM{turns: [][]messages.ChatMessage{{
		chunk("x"), final(messages.StopReasonEndTurn, 0, 0),
	}}}

	for _, ev := range collect(t, newTestAgent(client, true).Stream(context.Background(), nil)) {
		if ev.Type == messages.EventTypeUsage {
			t.Fatal("unexpected usage event")
		}
	}
}

func TestAgentProviderErrorEndsStream(t *testing.T) {
	client := &scriptedLLM{turns: [][]messages.ChatMessage{{
		chunk("partial"), messages.ErrorMessage(errors.New("overloaded")),
	}}}

	events := collect(t, newTestAgent(client, true).Stream(context.Background(), nil))

	last := events[len(events)-1]
	if last.Type != messages.EventTypeError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if !strings.Contains(last.Error.Error(), "overloaded") {
		t.Errorf("error = %v", last.Error)
	}
	for _, ev := range events {
		if ev.Type == messages.EventTypeComplete {
			t.Fatal("complete emitted after error")
		}
	}
}

func TestAgentMaxIterations(t *testing.T) {
	call := messages.ChatMessageToolCall{ID: "c", Name: "upper", Arguments: `{}`}
	var turns [][]messages.ChatMessage
	for range 3 {
		turns = append(turns, []messages.ChatMessage{final(messages.StopReasonToolUse, 0, 0, call)})
	}
	client := &scriptedLLM{turns: turns}
	cfg := Config{Provider: ProviderOpenAI, Model: "m"}.WithDefaults()
	agent := NewAgent(client, tools.NewSet([]tools.Tool{upperTool{}}), cfg, AgentConfig{MaxIterations: 2})

	events := collect(t, agent.Stream(context.Background(), nil))
	last := events[len(events)-1]
	if last.Type != messages.EventTypeError || !strings.Contains(last.Error.Error(), "max iterations") {
		t.Fatalf("last event = %+v", last)
	}
}

func TestAgentCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := collect(t, newTestAgent(&scriptedLLM{}, true).Stream(ctx, nil))
	for _, ev := range events {
		if ev.Type == messages.EventTypeComplete {
			t.Fatal("complete emitted for a cancelled context")
		}
	}
}
