package history

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// MemoryStore is an in-process Store, used by tests and by the worker
// when DATABASE_URL is not set. Not durable across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[model.HistoryKey][]model.HistoryEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[model.HistoryKey][]model.HistoryEntry)}
}

func (m *MemoryStore) ReadHistory(_ context.Context, key model.HistoryKey, opts ReadOptions) ([]model.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.entries[key]
	out := make([]model.HistoryEntry, len(src))
	copy(out, src)
	return trimToBudget(out, opts), nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, key model.HistoryKey, entry model.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append(m.entries[key], entry)
	return nil
}

var _ Store = (*MemoryStore)(nil)
