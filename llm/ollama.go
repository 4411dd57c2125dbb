package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alexschlessinger/pollyd/llm/adapters"
	"github.com/alexschlessinger/pollyd/llm/streaming"
	"github.com/alexschlessinger/pollyd/messages"
	ollamaapi "github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

var _ LLM = (*OllamaClient)(nil)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

type OllamaClient struct {
	client *ollamaapi.Client
}

// bearerTransport authenticates requests to hosted Ollama endpoints.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// NewOllamaClient creates a client for baseURL. An unparsable URL falls back
// to DefaultOllamaURL; apiKey, when set, is sent as a bearer token.
func NewOllamaClient(baseURL, apiKey string) *OllamaClient {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		zap.S().Warnw("ollama_invalid_url", "url", baseURL, "error", err)
		u, _ = url.Parse(DefaultOllamaURL)
	}
	httpClient := http.DefaultClient
	if apiKey != "" {
		httpClient = &http.Client{Transport: &bearerTransport{token: apiKey, base: http.DefaultTransport}}
	}
	return &OllamaClient{client: ollamaapi.NewClient(u, httpClient)}
}

func (o *OllamaClient) ChatCompletionStream(ctx context.Context, req *CompletionRequest, processor EventStreamProcessor) <-chan *messages.StreamEvent {
	ch := streaming.Start(ctx, ProviderOllama, adapters.Ollama{}, func(e *streaming.Emitter) error {
		return o.stream(ctx, req, e)
	})
	return processor.ProcessMessagesToEvents(ch)
}

func (o *OllamaClient) stream(ctx context.Context, req *CompletionRequest, e *streaming.Emitter) error {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	msgs, err := ollamaMessages(req.Messages)
	if err != nil {
		return err
	}
	chatReq := &ollamaapi.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}
	for _, d := range declareTools(req.Tools) {
		var tool ollamaapi.Tool
		if err := convertJSON(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		}, &tool); err != nil {
			return fmt.Errorf("ollama: tool %s: %w", d.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, tool)
	}
	zap.S().Debugw("model_stream_started", "provider", ProviderOllama, "model", req.Model, "messages", len(msgs), "tools", len(chatReq.Tools))

	err = o.client.Chat(ctx, chatReq, func(resp ollamaapi.ChatResponse) error {
		if err := e.Observe(&resp); err != nil {
			return err
		}
		e.Reasoning(resp.Message.Thinking)
		e.Text(resp.Message.Content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	return nil
}

func ollamaMessages(msgs []messages.ChatMessage) ([]ollamaapi.Message, error) {
	out := make([]ollamaapi.Message, 0, len(msgs))
	for _, msg := range msgs {
		m := ollamaapi.Message{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			args := json.RawMessage(tc.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			var call ollamaapi.ToolCall
			if err := convertJSON(map[string]any{
				"function": map[string]any{"name": tc.Name, "arguments": args},
			}, &call); err != nil {
				return nil, fmt.Errorf("ollama: tool call %s: %w", tc.Name, err)
			}
			m.ToolCalls = append(m.ToolCalls, call)
		}
		out = append(out, m)
	}
	return out, nil
}

// convertJSON fills dst, an SDK type with unexported structure, from a plain value.
func convertJSON(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
