// Package memory keeps a short rolling record of each tenant's recent turns.
package memory

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the turns remembered per tenant.
const DefaultMaxEntries = 20

// Entry is one remembered exchange.
type Entry struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// Store remembers recent turns per tenant. Recall returns entries newest first.
type Store interface {
	Recall(ctx context.Context, tenantKey string) ([]Entry, error)
	Remember(ctx context.Context, tenantKey string, e Entry) error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	max int

	mu      sync.Mutex
	entries map[string][]Entry
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{max: maxEntries, entries: make(map[string][]Entry)}
}

func (m *MemoryStore) Recall(_ context.Context, tenantKey string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.entries[tenantKey]
	out := make([]Entry, len(stored))
	for i, e := range stored {
		out[len(stored)-1-i] = e
	}
	return out, nil
}

func (m *MemoryStore) Remember(_ context.Context, tenantKey string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := append(m.entries[tenantKey], e)
	if len(stored) > m.max {
		stored = stored[len(stored)-m.max:]
	}
	m.entries[tenantKey] = stored
	return nil
}
