package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryStore is an in-memory ledger store for tests and development mode.
type MemoryStore struct {
	accounts    map[common.Address]*Account
	settlements []*Settlement
	settleIDs   map[string]bool
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[common.Address]*Account),
		settleIDs: make(map[string]bool),
	}
}

func (m *MemoryStore) Get(ctx context.Context, addr common.Address) (*Account, error) {
	defer timed("memory", "get")()
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, acct *Account) error {
	defer timed("memory", "upsert")()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(acct)
}

func (m *MemoryStore) upsertLocked(acct *Account) error {
	if existing, ok := m.accounts[acct.Address]; ok && existing.LastSettledEpoch > acct.LastSettledEpoch {
		epochRegressions.Inc()
		return ErrEpochRegression
	}
	m.accounts[acct.Address] = acct.Clone()
	return nil
}

func (m *MemoryStore) Apply(ctx context.Context, prev, next *Account, s *Settlement) error {
	defer timed("memory", "apply")()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settleIDs[s.ID] {
		return ErrDuplicateSettle
	}
	stored, ok := m.accounts[next.Address]
	switch {
	case prev == nil && ok, prev != nil && !ok:
		return ErrStaleAccount
	case prev != nil && !sameState(stored, prev):
		return ErrStaleAccount
	}
	if err := m.upsertLocked(next); err != nil {
		return err
	}
	m.settlements = append(m.settlements, s.Clone())
	m.settleIDs[s.ID] = true
	return nil
}

func (m *MemoryStore) Revert(ctx context.Context, addr common.Address, prev *Account, settlementID string) error {
	defer timed("memory", "revert")()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settleIDs[settlementID] {
		return ErrSettlementNotFound
	}
	for i := len(m.settlements) - 1; i >= 0; i-- {
		if m.settlements[i].ID == settlementID {
			m.settlements = append(m.settlements[:i], m.settlements[i+1:]...)
			break
		}
	}
	delete(m.settleIDs, settlementID)

	if prev == nil {
		delete(m.accounts, addr)
	} else {
		m.accounts[addr] = prev.Clone()
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address.Hex() < out[j].Address.Hex()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts), nil
}

func (m *MemoryStore) TotalPrincipal(ctx context.Context) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := new(uint256.Int)
	for _, a := range m.accounts {
		total.Add(total, a.Principal)
	}
	return total, nil
}

func (m *MemoryStore) History(ctx context.Context, addr common.Address, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Settlement
	for i := len(m.settlements) - 1; i >= 0; i-- {
		s := m.settlements[i]
		if s.Account != addr {
			continue
		}
		out = append(out, s.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
