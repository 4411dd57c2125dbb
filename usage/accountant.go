package usage

import (
	"context"
	"time"

	"github.com/alexschlessinger/pollyd/internal/metrics"
	"github.com/alexschlessinger/pollyd/llm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scope identifies who a usage record is billed to.
type Scope struct {
	TenantKey      string
	ConversationID string
	// ContextType is the session class, "interactive" or "embedded".
	ContextType string
}

// Record is one completed query's usage. It is never mutated after creation.
type Record struct {
	ID               string    `json:"id" bson:"_id"`
	TenantKey        string    `json:"tenantKey" bson:"tenantKey"`
	ConversationID   string    `json:"conversationId" bson:"conversationId"`
	Provider         string    `json:"provider" bson:"provider"`
	Model            string    `json:"model" bson:"model"`
	PromptTokens     int       `json:"promptTokens" bson:"promptTokens"`
	CompletionTokens int       `json:"completionTokens" bson:"completionTokens"`
	TotalTokens      int       `json:"totalTokens" bson:"totalTokens"`
	PromptCost       float64   `json:"promptCost" bson:"promptCost"`
	CompletionCost   float64   `json:"completionCost" bson:"completionCost"`
	TotalCost        float64   `json:"totalCost" bson:"totalCost"`
	ContextType      string    `json:"contextType" bson:"contextType"`
	Source           Shape     `json:"source" bson:"source"`
	Timestamp        time.Time `json:"timestamp" bson:"timestamp"`
}

// Ledger persists usage records.
type Ledger interface {
	Insert(ctx context.Context, rec Record) error
}

// Accountant prices usage and writes it to a ledger.
type Accountant struct {
	Prices PriceTable
	Ledger Ledger
	// InsertTimeout bounds one ledger write; zero means 5s.
	InsertTimeout time.Duration

	now func() time.Time
}

// NewAccountant creates an accountant. A nil ledger discards records.
func NewAccountant(prices PriceTable, ledger Ledger) *Accountant {
	if prices == nil {
		prices = DefaultPrices
	}
	return &Accountant{Prices: prices, Ledger: ledger, now: time.Now}
}

// Record normalizes payload, prices it for cfg's model and persists the
// result. Ledger failures are logged and counted, never returned.
func (a *Accountant) Record(ctx context.Context, payload Payload, cfg llm.Config, scope Scope) Record {
	counts := Normalize(payload)

	var source Shape
	if payload != nil {
		source = payload.Shape()
	}

	now := time.Now
	if a.now != nil {
		now = a.now
	}

	rec := Record{
		ID:               uuid.NewString(),
		TenantKey:        scope.TenantKey,
		ConversationID:   scope.ConversationID,
		Provider:         cfg.Provider,
		Model:            cfg.Model,
		PromptTokens:     counts.PromptTokens,
		CompletionTokens: counts.CompletionTokens,
		TotalTokens:      counts.TotalTokens,
		ContextType:      scope.ContextType,
		Source:           source,
		Timestamp:        now().UTC(),
	}

	if price, ok := a.Prices.Lookup(cfg.Provider, cfg.Model); ok {
		cost := price.Estimate(counts)
		rec.PromptCost, rec.CompletionCost, rec.TotalCost = cost.Prompt, cost.Completion, cost.Total
	} else {
		zap.S().Debugw("usage_price_unknown", "provider", cfg.Provider, "model", cfg.Model)
	}

	metrics.Tokens.WithLabelValues(cfg.Provider, cfg.Model, "prompt").Add(float64(rec.PromptTokens))
	metrics.Tokens.WithLabelValues(cfg.Provider, cfg.Model, "completion").Add(float64(rec.CompletionTokens))

	if a.Ledger == nil {
		return rec
	}

	timeout := a.InsertTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// the ledger write outlives a cancelled request
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := a.Ledger.Insert(insertCtx, rec); err != nil {
		metrics.LedgerFailures.Inc()
		zap.S().Warnw("usage_ledger_insert_failed",
			"tenant", rec.TenantKey,
			"conversation", rec.ConversationID,
			"error", err,
		)
	}
	return rec
}
