package usage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexschlessinger/pollyd/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceLookup(t *testing.T) {
	p, ok := DefaultPrices.Lookup("Anthropic", "claude-sonnet-4-20250514")
	require.True(t, ok)
	assert.Equal(t, 3.0, p.InputPer1M)

	p, ok = DefaultPrices.Lookup("openai", "gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.Equal(t, 0.15, p.InputPer1M, "longest prefix wins")

	_, ok = DefaultPrices.Lookup("openai", "unknown-model")
	assert.False(t, ok)
	_, ok = DefaultPrices.Lookup("", "gpt-4o")
	assert.False(t, ok)
}

func TestPriceEstimate(t *testing.T) {
	cost := Price{InputPer1M: 2, OutputPer1M: 10}.Estimate(Counts{PromptTokens: 500_000, CompletionTokens: 100_000})
	assert.InDelta(t, 1.0, cost.Prompt, 1e-9)
	assert.InDelta(t, 1.0, cost.Completion, 1e-9)
	assert.InDelta(t, 2.0, cost.Total, 1e-9)
}

func TestLoadPriceTableOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
openai:
  gpt-4o:
    input_per_1m: 1
    output_per_1m: 2
acme:
  rocket-1:
    input_per_1m: 9
    output_per_1m: 9
`), 0o600))

	table, err := LoadPriceTable(path)
	require.NoError(t, err)

	p, ok := table.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, Price{InputPer1M: 1, OutputPer1M: 2}, p)

	_, ok = table.Lookup("acme", "rocket-1")
	assert.True(t, ok)

	// defaults untouched
	p, _ = DefaultPrices.Lookup("openai", "gpt-4o")
	assert.Equal(t, 2.5, p.InputPer1M)

	_, err = LoadPriceTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type failingLedger struct{ calls int }

func (f *failingLedger) Insert(context.Context, Record) error {
	f.calls++
	return errors.New("disk full")
}

func TestAccountantRecordsSnakeCaseTotal(t *testing.T) {
	ledger := NewMemoryLedger(0)
	acct := NewAccountant(nil, ledger)
	acct.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	payload, err := ParsePayload(map[string]any{"prompt_tokens": 1000, "completion_tokens": 200})
	require.NoError(t, err)

	cfg := llm.Config{Provider: "openai", Model: "gpt-4o"}
	rec := acct.Record(context.Background(), payload, cfg, Scope{TenantKey: "t1", ConversationID: "c1", ContextType: "interactive"})

	assert.Equal(t, 1200, rec.TotalTokens)
	assert.Equal(t, ShapeSnakeCase, rec.Source)
	assert.InDelta(t, 0.0025, rec.PromptCost, 1e-12)
	assert.InDelta(t, 0.002, rec.CompletionCost, 1e-12)
	assert.InDelta(t, 0.0045, rec.TotalCost, 1e-12)
	assert.NotEmpty(t, rec.ID)

	stored := ledger.ByTenant("t1")
	require.Len(t, stored, 1)
	assert.Equal(t, rec, stored[0])
}

func TestAccountantSwallowsLedgerFailure(t *testing.T) {
	ledger := &failingLedger{}
	acct := NewAccountant(nil, ledger)

	rec := acct.Record(context.Background(), StreamAggregate{InputTokens: 3, OutputTokens: 4}, llm.Config{Provider: "acme", Model: "x"}, Scope{TenantKey: "t"})

	assert.Equal(t, 1, ledger.calls)
	assert.Equal(t, 7, rec.TotalTokens)
	assert.Zero(t, rec.TotalCost, "unknown model is unpriced")
}

func TestAccountantWritesAfterCancel(t *testing.T) {
	ledger := NewMemoryLedger(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewAccountant(nil, ledger).Record(ctx, InputOutput{InputTokens: 1}, llm.Config{}, Scope{TenantKey: "t"})
	assert.Len(t, ledger.Records(), 1)
}

func TestMemoryLedgerBounded(t *testing.T) {
	ledger := NewMemoryLedger(2)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ledger.Insert(context.Background(), Record{ID: id}))
	}
	recs := ledger.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, "c", recs[1].ID)
}

func TestSQLiteLedger(t *testing.T) {
	ledger, err := OpenSQLiteLedger(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	acct := NewAccountant(nil, ledger)
	cfg := llm.Config{Provider: "anthropic", Model: "claude-sonnet-4-20250514"}
	first := acct.Record(context.Background(), InputOutput{InputTokens: 10, OutputTokens: 5}, cfg, Scope{TenantKey: "w1", ContextType: "embedded"})
	acct.Record(context.Background(), InputOutput{InputTokens: 1, OutputTokens: 1}, cfg, Scope{TenantKey: "other"})

	recs, err := ledger.ByTenant(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, first.ID, recs[0].ID)
	assert.Equal(t, 15, recs[0].TotalTokens)
	assert.Equal(t, ShapeInputOutput, recs[0].Source)
	assert.Equal(t, "embedded", recs[0].ContextType)
	assert.True(t, first.Timestamp.Equal(recs[0].Timestamp))

	// duplicate ids are rejected
	assert.Error(t, ledger.Insert(context.Background(), first))
}
