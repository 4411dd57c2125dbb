// Package usage normalizes token usage reported by model providers, prices
// it and records it in a ledger.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/alexschlessinger/pollyd/messages"
)

// Shape names the payload variant a usage figure came from.
type Shape string

const (
	ShapeStreamAggregate Shape = "stream_aggregate"
	ShapeSnakeCase       Shape = "snake_case"
	ShapeCamelCase       Shape = "camel_case"
	ShapeInputOutput     Shape = "input_output"
	ShapeEstimated       Shape = "estimated"
)

// ErrUnknownShape is returned by ParsePayload when no known token fields are present.
var ErrUnknownShape = errors.New("unrecognized usage payload")

// Payload is one of SnakeCase, CamelCase, InputOutput, StreamAggregate or Estimated.
type Payload interface {
	Shape() Shape
}

// SnakeCase is the OpenAI-style usage object.
type SnakeCase struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// CamelCase is the same figures as emitted by JavaScript-flavoured gateways.
type CamelCase struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// InputOutput is the Anthropic-style usage object, also used for the
// normalized counters stored on messages.
type InputOutput struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamAggregate is the usage summed by the agent across a whole turn.
type StreamAggregate struct {
	InputTokens  int
	OutputTokens int
}

// Estimated derives token counts from text length when nothing else is known.
type Estimated struct {
	InputText  string
	OutputText string
}

func (SnakeCase) Shape() Shape       { return ShapeSnakeCase }
func (CamelCase) Shape() Shape       { return ShapeCamelCase }
func (InputOutput) Shape() Shape     { return ShapeInputOutput }
func (StreamAggregate) Shape() Shape { return ShapeStreamAggregate }
func (Estimated) Shape() Shape       { return ShapeEstimated }

// Counts is the normalized form of every payload.
type Counts struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// IsZero reports whether nothing was counted.
func (c Counts) IsZero() bool {
	return c.PromptTokens == 0 && c.CompletionTokens == 0 && c.TotalTokens == 0
}

// Normalize converts any payload into Counts. The total is always
// prompt + completion unless the payload only carried a total.
func Normalize(p Payload) Counts {
	var c Counts
	switch v := p.(type) {
	case SnakeCase:
		c = counts(v.PromptTokens, v.CompletionTokens, v.TotalTokens)
	case CamelCase:
		c = counts(v.PromptTokens, v.CompletionTokens, v.TotalTokens)
	case InputOutput:
		c = counts(v.InputTokens, v.OutputTokens, 0)
	case StreamAggregate:
		c = counts(v.InputTokens, v.OutputTokens, 0)
	case Estimated:
		c = counts(messages.EstimateTextTokens(v.InputText), messages.EstimateTextTokens(v.OutputText), 0)
	}
	return c
}

func counts(prompt, completion, total int) Counts {
	prompt, completion = max(prompt, 0), max(completion, 0)
	if sum := prompt + completion; sum > 0 || total <= 0 {
		total = sum
	}
	return Counts{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// ParsePayload detects the shape of a raw usage payload. It accepts a
// decoded JSON object, JSON bytes or string, a usage object nested under
// "usage", or an already typed Payload.
func ParsePayload(raw any) (Payload, error) {
	switch v := raw.(type) {
	case nil:
		return nil, ErrUnknownShape
	case Payload:
		return v, nil
	case messages.TokenUsage:
		return StreamAggregate{InputTokens: v.InputTokens, OutputTokens: v.OutputTokens}, nil
	case []byte:
		return parseJSON(v)
	case json.RawMessage:
		return parseJSON(v)
	case string:
		return parseJSON([]byte(v))
	case map[string]any:
		return parseMap(v)
	case map[string]int:
		m := make(map[string]any, len(v))
		for k, n := range v {
			m[k] = n
		}
		return parseMap(m)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %T", ErrUnknownShape, raw)
		}
		return parseJSON(b)
	}
}

func parseJSON(b []byte) (Payload, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}
	return parseMap(m)
}

func parseMap(m map[string]any) (Payload, error) {
	if nested, ok := m["usage"].(map[string]any); ok {
		return parseMap(nested)
	}

	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := m[k]; ok {
				return true
			}
		}
		return false
	}

	switch {
	case has("prompt_tokens", "completion_tokens"):
		return SnakeCase{
			PromptTokens:     toInt(m["prompt_tokens"]),
			CompletionTokens: toInt(m["completion_tokens"]),
			TotalTokens:      toInt(m["total_tokens"]),
		}, nil
	case has("promptTokens", "completionTokens"):
		return CamelCase{
			PromptTokens:     toInt(m["promptTokens"]),
			CompletionTokens: toInt(m["completionTokens"]),
			TotalTokens:      toInt(m["totalTokens"]),
		}, nil
	case has("input_tokens", "output_tokens"):
		return InputOutput{
			InputTokens:  toInt(m["input_tokens"]),
			OutputTokens: toInt(m["output_tokens"]),
		}, nil
	case has("inputTokens", "outputTokens"):
		return InputOutput{
			InputTokens:  toInt(m["inputTokens"]),
			OutputTokens: toInt(m["outputTokens"]),
		}, nil
	case has("total_tokens"):
		return SnakeCase{TotalTokens: toInt(m["total_tokens"])}, nil
	case has("totalTokens"):
		return CamelCase{TotalTokens: toInt(m["totalTokens"])}, nil
	}
	return nil, ErrUnknownShape
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// FromMessage extracts the usage reported on one model message: the raw
// provider payload first, then the normalized input/output counters.
func FromMessage(msg *messages.ChatMessage) (Payload, bool) {
	if msg == nil {
		return nil, false
	}
	if raw, ok := msg.Metadata[messages.MetadataKeyUsage]; ok {
		if p, err := ParsePayload(raw); err == nil && !Normalize(p).IsZero() {
			return p, true
		}
	}
	if u := msg.TokenUsage(); !u.IsZero() {
		return InputOutput{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}, true
	}
	return nil, false
}

// Resolve picks the best usage signal for a turn: the stream aggregate,
// then per-message usage summed across the generated messages, then an
// estimate from the input and output text. It never returns nil.
func Resolve(aggregate *messages.TokenUsage, generated []messages.ChatMessage, input, output string) Payload {
	if aggregate != nil && !aggregate.IsZero() {
		return StreamAggregate{InputTokens: aggregate.InputTokens, OutputTokens: aggregate.OutputTokens}
	}

	var found []Payload
	for i := range generated {
		if p, ok := FromMessage(&generated[i]); ok {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return Estimated{InputText: input, OutputText: output}
	case 1:
		return found[0]
	}

	var sum Counts
	for _, p := range found {
		c := Normalize(p)
		sum.PromptTokens += c.PromptTokens
		sum.CompletionTokens += c.CompletionTokens
	}
	return StreamAggregate{InputTokens: sum.PromptTokens, OutputTokens: sum.CompletionTokens}
}
