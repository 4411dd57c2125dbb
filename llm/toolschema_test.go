package llm

import (
	"reflect"
	"testing"

	"github.com/alexschlessinger/pollyd/messages"
	"github.com/google/jsonschema-go/jsonschema"
)

func TestDeclareToolFillsProviderRequirements(t *testing.T) {
	schema := &jsonschema.Schema{
		Title:       "search",
		Description: "Search the index",
		Type:        "object",
		Required:    []string{"query"},
		Properties: map[string]*jsonschema.Schema{
			"query": {Type: "string", Description: "terms"},
			"tags":  {Type: "array"},
			"limit": {Types: []string{"null", "integer"}},
			"opts":  {Type: "object"},
			"mode":  {Enum: []any{"fast", "exact"}},
		},
	}

	d := declareTool(schema)
	if d.Name != "search" || d.Description != "Search the index" {
		t.Fatalf("unexpected declaration header: %+v", d)
	}
	if !reflect.DeepEqual(d.Required, []string{"query"}) {
		t.Errorf("required = %v", d.Required)
	}

	props := d.Parameters["properties"].(map[string]any)
	tags := props["tags"].(map[string]any)
	if items, ok := tags["items"].(map[string]any); !ok || items["type"] != "string" {
		t.Errorf("array without items should default to string items, got %v", tags)
	}
	if got := props["limit"].(map[string]any)["type"]; got != "integer" {
		t.Errorf("nullable type collapsed to %v, want integer", got)
	}
	if _, ok := props["opts"].(map[string]any)["properties"].(map[string]any); !ok {
		t.Error("object without properties should get an empty properties map")
	}
	mode := props["mode"].(map[string]any)
	if mode["type"] != "string" {
		t.Errorf("untyped schema became %v, want string", mode["type"])
	}
	if got := stringEnum(mode["enum"].([]any)); !reflect.DeepEqual(got, []string{"fast", "exact"}) {
		t.Errorf("enum = %v", got)
	}
}

func TestDeclareToolNilSchema(t *testing.T) {
	d := declareTool(nil)
	if d.Parameters["type"] != "object" {
		t.Fatalf("parameters = %v", d.Parameters)
	}
	if _, ok := d.Parameters["required"]; ok {
		t.Error("nil schema should not declare required fields")
	}
}

func TestAnthropicMessagesMergesToolResults(t *testing.T) {
	thread := []messages.ChatMessage{
		{Role: messages.MessageRoleSystem, Content: "be brief"},
		{Role: messages.MessageRoleUser, Content: "weather in two cities"},
		{Role: messages.MessageRoleAssistant, ToolCalls: []messages.ChatMessageToolCall{
			{ID: "a", Name: "weather", Arguments: `{"city":"Oslo"}`},
			{ID: "b", Name: "weather", Arguments: ""},
		}},
		{Role: messages.MessageRoleTool, ToolCallID: "a", Content: "rain"},
		{Role: messages.MessageRoleTool, ToolCallID: "b", Content: "sun"},
		{Role: messages.MessageRoleAssistant, Content: "Rain in Oslo, sun elsewhere."},
	}

	msgs, system := anthropicMessages(thread)
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if len(msgs[1].Content) != 2 {
		t.Errorf("assistant turn has %d blocks, want 2 tool uses", len(msgs[1].Content))
	}
	results := msgs[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("tool results not merged: role=%s blocks=%d", results.Role, len(results.Content))
	}
	for i, id := range []string{"a", "b"} {
		block := results.Content[i].OfToolResult
		if block == nil || block.ToolUseID != id {
			t.Errorf("block %d is not the result for %s", i, id)
		}
	}
}

func TestToolInputDefaultsToObject(t *testing.T) {
	for _, args := range []string{"", "null", "not json"} {
		if got, ok := toolInput(args).(map[string]any); !ok || len(got) != 0 {
			t.Errorf("toolInput(%q) = %v", args, got)
		}
	}
}

func TestGeminiContentsResolvesToolNames(t *testing.T) {
	thread := []messages.ChatMessage{
		{Role: messages.MessageRoleUser, Content: "hi"},
		{Role: messages.MessageRoleAssistant, ToolCalls: []messages.ChatMessageToolCall{
			{ID: "gemini-0", Name: "clock", Arguments: `{}`},
		}},
		{Role: messages.MessageRoleTool, ToolCallID: "gemini-0", Content: `"12:00"`},
	}

	contents, _ := geminiContents(thread)
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Name != "clock" {
		t.Fatalf("function response = %+v", resp)
	}
	if resp.Response["result"] != "12:00" {
		t.Errorf("non-object result should be wrapped, got %v", resp.Response)
	}
}
