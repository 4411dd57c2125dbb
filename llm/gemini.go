package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/alexschlessinger/pollyd/llm/adapters"
	"github.com/alexschlessinger/pollyd/llm/streaming"
	"github.com/alexschlessinger/pollyd/messages"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

var _ LLM = (*GeminiClient)(nil)

// GeminiClient talks to the Gemini API. The SDK client is created on first use.
type GeminiClient struct {
	apiKey  string
	baseURL string

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiClient(apiKey, baseURL string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, baseURL: baseURL}
}

func (g *GeminiClient) ChatCompletionStream(ctx context.Context, req *CompletionRequest, processor EventStreamProcessor) <-chan *messages.StreamEvent {
	ch := streaming.Start(ctx, ProviderGemini, adapters.NewGemini(), func(e *streaming.Emitter) error {
		return g.stream(ctx, req, e)
	})
	return processor.ProcessMessagesToEvents(ch)
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	if g.apiKey == "" {
		return nil, errors.New("gemini: API key not configured")
	}
	cfg := &genai.ClientConfig{APIKey: g.apiKey, Backend: genai.BackendGeminiAPI}
	if g.baseURL != "" {
		cfg.HTTPOptions.BaseURL = g.baseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	g.client = client
	return client, nil
}

func (g *GeminiClient) stream(ctx context.Context, req *CompletionRequest, e *streaming.Emitter) error {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	client, err := g.sdk(ctx)
	if err != nil {
		return err
	}

	contents, system := geminiContents(req.Messages)
	temperature := req.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if decls := declareTools(req.Tools); len(decls) > 0 {
		fns := make([]*genai.FunctionDeclaration, len(decls))
		for i, d := range decls {
			fns[i] = &genai.FunctionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  geminiSchema(d.Parameters),
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: fns}}
	}
	zap.S().Debugw("model_stream_started", "provider", ProviderGemini, "model", req.Model, "contents", len(contents), "tools", len(req.Tools))

	for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		if err := e.Observe(resp); err != nil {
			return err
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Thought {
				e.Reasoning(part.Text)
			} else {
				e.Text(part.Text)
			}
		}
	}
	return nil
}

// geminiSchema converts a declared parameter schema into the SDK's schema type.
func geminiSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := m["enum"].([]any); ok {
		s.Enum = stringEnum(enum)
	}

	switch m["type"] {
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if items, ok := m["items"].(map[string]any); ok {
			s.Items = geminiSchema(items)
		}
	case "object":
		s.Type = genai.TypeObject
		s.Properties = map[string]*genai.Schema{}
		if props, ok := m["properties"].(map[string]any); ok {
			for name, p := range props {
				if pm, ok := p.(map[string]any); ok {
					s.Properties[name] = geminiSchema(pm)
				}
			}
		}
		if required, ok := m["required"].([]string); ok {
			s.Required = required
		}
	default:
		s.Type = genai.TypeString
	}
	return s
}

// geminiContents converts a thread to Gemini contents and pulls out the
// system instruction. Tool results are matched back to function names
// through the calls that produced them.
func geminiContents(msgs []messages.ChatMessage) ([]*genai.Content, string) {
	var (
		contents []*genai.Content
		system   string
	)
	names := make(map[string]string)

	for _, msg := range msgs {
		switch msg.Role {
		case messages.MessageRoleSystem:
			system = msg.Content

		case messages.MessageRoleUser:
			if msg.Content != "" {
				contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
			}

		case messages.MessageRoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			sigs, _ := msg.Metadata[adapters.GeminiSignaturesKey].(map[string]string)
			for _, tc := range msg.ToolCalls {
				names[tc.ID] = tc.Name
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					continue
				}
				part := genai.NewPartFromFunctionCall(tc.Name, args)
				if raw, err := base64.StdEncoding.DecodeString(sigs[tc.ID]); err == nil && len(raw) > 0 {
					part.ThoughtSignature = raw
				}
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}

		case messages.MessageRoleTool:
			name := msg.ToolName
			if name == "" {
				name = names[msg.ToolCallID]
			}
			contents = append(contents, genai.NewContentFromParts(
				[]*genai.Part{genai.NewPartFromFunctionResponse(name, functionResponse(msg.Content))},
				genai.RoleUser,
			))
		}
	}
	return contents, system
}

// functionResponse wraps a tool result as the object Gemini requires.
func functionResponse(content string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		v = content
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": v}
}
