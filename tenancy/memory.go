package tenancy

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an OwnershipStore held in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	widgets  map[string]Widget
	projects map[string]Project
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		widgets:  make(map[string]Widget),
		projects: make(map[string]Project),
	}
}

// PutWidget adds or replaces a widget.
func (m *MemoryStore) PutWidget(w Widget) {
	m.mu.Lock()
	m.widgets[w.ID] = w
	m.mu.Unlock()
}

// PutProject adds or replaces a project.
func (m *MemoryStore) PutProject(p Project) {
	m.mu.Lock()
	m.projects[p.ID] = p
	m.mu.Unlock()
}

func (m *MemoryStore) Widget(_ context.Context, id string) (Widget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.widgets[id]
	if !ok {
		return Widget{}, fmt.Errorf("widget %s: %w", id, ErrNotFound)
	}
	return w, nil
}

func (m *MemoryStore) Project(_ context.Context, id string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, nil
}
