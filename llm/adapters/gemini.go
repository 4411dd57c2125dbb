package adapters

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/alexschlessinger/pollyd/llm/streaming"
	"github.com/alexschlessinger/pollyd/messages"
	"google.golang.org/genai"
)

// GeminiSignaturesKey is the metadata key holding thought signatures by tool call ID.
const GeminiSignaturesKey = "gemini_thought_signatures"

// Gemini reads GenerateContent chunks. Function calls arrive whole and
// without IDs, so IDs are assigned here; their thought signatures must be
// sent back with the call on the next request.
type Gemini struct {
	signatures map[string]string
}

func NewGemini() *Gemini {
	return &Gemini{signatures: make(map[string]string)}
}

func (g *Gemini) Observe(chunk any, t *streaming.Turn) error {
	resp, ok := chunk.(*genai.GenerateContentResponse)
	if !ok {
		return nil
	}

	if u := resp.UsageMetadata; u != nil {
		t.SetUsage(int(u.PromptTokenCount), int(u.CandidatesTokenCount), map[string]any{
			"promptTokens":     int(u.PromptTokenCount),
			"completionTokens": int(u.CandidatesTokenCount),
			"totalTokens":      int(u.TotalTokenCount),
		})
	}
	if len(resp.Candidates) == 0 {
		return nil
	}

	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		t.Stop(geminiStopReason(cand.FinishReason))
	}
	if cand.Content == nil {
		return nil
	}
	for _, part := range cand.Content.Parts {
		if part.FunctionCall == nil {
			continue
		}
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil {
			args = []byte("{}")
		}
		id := fmt.Sprintf("gemini-%d", len(t.Calls()))
		t.AddCall(messages.ChatMessageToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)})
		if len(part.ThoughtSignature) > 0 {
			g.signatures[id] = base64.StdEncoding.EncodeToString(part.ThoughtSignature)
		}
	}
	return nil
}

func (g *Gemini) Finalize(msg *messages.ChatMessage, _ *streaming.Turn) {
	if len(g.signatures) > 0 {
		msg.Metadata[GeminiSignaturesKey] = g.signatures
	}
}

func geminiStopReason(fr genai.FinishReason) messages.StopReason {
	switch fr {
	case genai.FinishReasonMaxTokens:
		return messages.StopReasonMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation,
		genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent,
		genai.FinishReasonSPII, genai.FinishReasonImageSafety,
		genai.FinishReasonImageProhibitedContent:
		return messages.StopReasonContentFilter
	case genai.FinishReasonMalformedFunctionCall:
		return messages.StopReasonError
	default:
		return messages.StopReasonEndTurn
	}
}
