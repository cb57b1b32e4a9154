package adapter

import (
	"context"
	"sync"
)

// MemoryAdapter records every reply sent through it, for tests (spec §8
// scenarios reference "the adapter received ...").
type MemoryAdapter struct {
	mu      sync.Mutex
	Replies []Reply
}

// NewMemoryAdapter creates an empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{}
}

func (m *MemoryAdapter) SendReply(_ context.Context, reply Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = append(m.Replies, reply)
	return nil
}

// Last returns the most recently sent reply's text, or "" if none.
func (m *MemoryAdapter) Last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Replies) == 0 {
		return ""
	}
	return m.Replies[len(m.Replies)-1].Text
}

var _ Adapter = (*MemoryAdapter)(nil)
