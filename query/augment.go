package query

import (
	"context"
	"slices"
	"strings"

	"github.com/alexschlessinger/pollyd/knowledge"
	"github.com/alexschlessinger/pollyd/memory"
	"go.uber.org/zap"
)

const (
	// KnowledgeBudget caps retrieved knowledge, in characters.
	KnowledgeBudget = 2000
	// TruncatedMarker ends knowledge that was cut to the budget.
	TruncatedMarker = "[...truncated]"
	// MemoryTokenBudget caps recalled memory, in estimated tokens.
	MemoryTokenBudget = 300
	charsPerToken     = 4
)

// Augmenter prefixes a query with retrieved knowledge and recent memory.
// Either source may be nil; failing or empty sources are skipped.
type Augmenter struct {
	Knowledge knowledge.Retriever
	Memory    memory.Store
}

// Augment builds the prompt sent to the agent for raw.
func (a *Augmenter) Augment(ctx context.Context, scope Scope, raw string) string {
	var sections []string

	if kb := a.knowledgeContext(ctx, scope, raw); kb != "" {
		sections = append(sections, "Relevant knowledge:\n"+kb)
	}
	if mem := a.memoryContext(ctx, scope.TenantKey); mem != "" {
		sections = append(sections, "Recent conversation:\n"+mem)
	}
	if len(sections) == 0 {
		return raw
	}
	return strings.Join(append(sections, raw), "\n\n")
}

func (a *Augmenter) knowledgeContext(ctx context.Context, scope Scope, raw string) string {
	if a == nil || a.Knowledge == nil {
		return ""
	}
	scopeID := scope.KnowledgeScope
	if scopeID == "" {
		scopeID = scope.TenantKey
	}
	res := a.Knowledge.Query(ctx, raw, scopeID)
	if !res.Success {
		zap.S().Debugw("knowledge_skipped", "tenant", scope.TenantKey, "error", res.Err)
		return ""
	}
	return TruncateKnowledge(strings.TrimSpace(res.Context))
}

func (a *Augmenter) memoryContext(ctx context.Context, tenantKey string) string {
	if a == nil || a.Memory == nil {
		return ""
	}
	entries, err := a.Memory.Recall(ctx, tenantKey)
	if err != nil {
		zap.S().Debugw("memory_skipped", "tenant", tenantKey, "error", err)
		return ""
	}
	return FormatMemory(entries, MemoryTokenBudget)
}

// TruncateKnowledge cuts text to KnowledgeBudget characters and appends
// TruncatedMarker when anything was removed.
func TruncateKnowledge(text string) string {
	runes := []rune(text)
	if len(runes) <= KnowledgeBudget {
		return text
	}
	return string(runes[:KnowledgeBudget]) + "\n" + TruncatedMarker
}

// FormatMemory renders entries (newest first) oldest first, keeping the
// newest ones that fit in tokenBudget.
func FormatMemory(entries []memory.Entry, tokenBudget int) string {
	budget := tokenBudget * charsPerToken
	var kept []string
	for _, e := range entries {
		line := "User: " + e.User + "\nAssistant: " + e.Assistant
		if len(line) > budget {
			break
		}
		budget -= len(line)
		kept = append(kept, line)
	}
	slices.Reverse(kept)
	return strings.Join(kept, "\n")
}
