package usage

import (
	"context"
	"slices"
	"sync"
)

// MemoryLedger keeps records in process. It backs tests and runs without a database.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
	max     int
}

// NewMemoryLedger creates a ledger holding at most max records (0 = unbounded).
func NewMemoryLedger(max int) *MemoryLedger {
	return &MemoryLedger{max: max}
}

func (l *MemoryLedger) Insert(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if l.max > 0 && len(l.records) > l.max {
		excess := len(l.records) - l.max
		l.records = l.records[excess:]
	}
	return nil
}

// Records returns a copy of the stored records, oldest first.
func (l *MemoryLedger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.records)
}

// ByTenant returns the records billed to tenantKey.
func (l *MemoryLedger) ByTenant(tenantKey string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.records {
		if r.TenantKey == tenantKey {
			out = append(out, r)
		}
	}
	return out
}
