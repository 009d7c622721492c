package access

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory whitelist.
type MemoryStore struct {
	entries map[common.Address]Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty whitelist.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[common.Address]Entry)}
}

func (m *MemoryStore) Get(ctx context.Context, account common.Address) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[account]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) Put(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Account] = *e
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.Hex() < out[j].Account.Hex() })
	return out, nil
}
