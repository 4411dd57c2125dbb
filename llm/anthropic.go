package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alexschlessinger/pollyd/llm/adapters"
	"github.com/alexschlessinger/pollyd/llm/streaming"
	"github.com/alexschlessinger/pollyd/messages"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

var _ LLM = (*AnthropicClient)(nil)

type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client; baseURL overrides the API endpoint when set.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

func (a *AnthropicClient) ChatCompletionStream(ctx context.Context, req *CompletionRequest, processor EventStreamProcessor) <-chan *messages.StreamEvent {
	ch := streaming.Start(ctx, ProviderAnthropic, adapters.NewAnthropic(), func(e *streaming.Emitter) error {
		return a.stream(ctx, req, e)
	})
	return processor.ProcessMessagesToEvents(ch)
}

func (a *AnthropicClient) stream(ctx context.Context, req *CompletionRequest, e *streaming.Emitter) error {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	params := a.params(req)
	zap.S().Debugw("model_stream_started", "provider", ProviderAnthropic, "model", req.Model, "messages", len(params.Messages), "tools", len(params.Tools))

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		if err := e.Observe(event); err != nil {
			return err
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			e.Reasoning(delta.Delta.Thinking)
			e.Text(delta.Delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}

func (a *AnthropicClient) params(req *CompletionRequest) anthropic.MessageNewParams {
	msgs, system := anthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
		Messages:    msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, d := range declareTools(req.Tools) {
		tool := anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: d.Parameters["properties"],
				Required:   d.Required,
			},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params
}

// anthropicMessages converts a thread to Anthropic messages and pulls out the
// system prompt. Consecutive tool results are sent as one user message, which
// is how the API expects the answers to a multi-call turn.
func anthropicMessages(msgs []messages.ChatMessage) ([]anthropic.MessageParam, string) {
	var (
		out     []anthropic.MessageParam
		system  string
		results []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range msgs {
		if msg.Role == messages.MessageRoleTool && msg.ToolCallID != "" {
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			continue
		}
		flush()

		switch msg.Role {
		case messages.MessageRoleSystem:
			system = msg.Content

		case messages.MessageRoleUser, messages.MessageRoleTool:
			if strings.TrimSpace(msg.Content) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}

		case messages.MessageRoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()
	return out, system
}

// toolInput decodes call arguments. The API requires an input object even
// for calls without arguments.
func toolInput(args string) any {
	var input map[string]any
	if err := json.Unmarshal([]byte(args), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}
