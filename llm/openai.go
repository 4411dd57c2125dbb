package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alexschlessinger/pollyd/llm/adapters"
	"github.com/alexschlessinger/pollyd/llm/streaming"
	"github.com/alexschlessinger/pollyd/messages"
	ai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var _ LLM = (*OpenAIClient)(nil)

// OpenAIClient talks to the chat completions API or any compatible endpoint.
type OpenAIClient struct {
	client *ai.Client
}

func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := ai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: ai.NewClientWithConfig(cfg)}
}

func (o *OpenAIClient) ChatCompletionStream(ctx context.Context, req *CompletionRequest, processor EventStreamProcessor) <-chan *messages.StreamEvent {
	ch := streaming.Start(ctx, ProviderOpenAI, adapters.OpenAI{}, func(e *streaming.Emitter) error {
		return o.stream(ctx, req, e)
	})
	return processor.ProcessMessagesToEvents(ch)
}

func (o *OpenAIClient) stream(ctx context.Context, req *CompletionRequest, e *streaming.Emitter) error {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	ccr := ai.ChatCompletionRequest{
		Model:               req.Model,
		Messages:            openAIMessages(req.Messages),
		Temperature:         req.Temperature,
		MaxCompletionTokens: req.MaxTokens,
		Stream:              true,
		StreamOptions:       &ai.StreamOptions{IncludeUsage: true},
	}
	for _, d := range declareTools(req.Tools) {
		ccr.Tools = append(ccr.Tools, ai.Tool{
			Type: ai.ToolTypeFunction,
			Function: &ai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	zap.S().Debugw("model_stream_started", "provider", ProviderOpenAI, "model", req.Model, "messages", len(req.Messages), "tools", len(ccr.Tools))

	stream, err := o.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return fmt.Errorf("openai: create stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai: %w", err)
		}
		if err := e.Observe(&resp); err != nil {
			return err
		}
		if len(resp.Choices) > 0 {
			e.Reasoning(resp.Choices[0].Delta.ReasoningContent)
			e.Text(resp.Choices[0].Delta.Content)
		}
	}
}

func openAIMessages(msgs []messages.ChatMessage) []ai.ChatCompletionMessage {
	out := make([]ai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		m := ai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, ai.ToolCall{
				ID:       tc.ID,
				Type:     ai.ToolTypeFunction,
				Function: ai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, m)
	}
	return out
}
