package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteLedger stores records in a local SQLite file.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens (creating if needed) the ledger at path.
// ":memory:" is accepted for throwaway ledgers.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	// :memory: databases exist per connection
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			tenant_key TEXT NOT NULL,
			conversation_id TEXT,
			provider TEXT,
			model TEXT,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			prompt_cost REAL NOT NULL,
			completion_cost REAL NOT NULL,
			total_cost REAL NOT NULL,
			context_type TEXT,
			source TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create usage_records table: %w", err)
	}
	if _, err := l.db.Exec("CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_key, created_at)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Insert(ctx context.Context, rec Record) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, tenant_key, conversation_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			prompt_cost, completion_cost, total_cost, context_type, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.TenantKey, rec.ConversationID, rec.Provider, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.PromptCost, rec.CompletionCost, rec.TotalCost,
		rec.ContextType, string(rec.Source), rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// ByTenant returns a tenant's records, oldest first.
func (l *SQLiteLedger) ByTenant(ctx context.Context, tenantKey string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tenant_key, conversation_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			prompt_cost, completion_cost, total_cost, context_type, source, created_at
		FROM usage_records WHERE tenant_key = ? ORDER BY created_at
	`, tenantKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			source string
			ts     int64
		)
		if err := rows.Scan(&r.ID, &r.TenantKey, &r.ConversationID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.PromptCost, &r.CompletionCost, &r.TotalCost, &r.ContextType, &source, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Source = Shape(source)
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
