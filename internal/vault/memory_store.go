package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/amount"
)

// MemoryStore is an in-memory vault store for tests and development mode.
type MemoryStore struct {
	state    *State
	holds    map[string]*Hold
	fundings map[string]bool
	mu       sync.Mutex
}

// NewMemoryStore creates an empty in-memory vault.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:    NewState(),
		holds:    make(map[string]*Hold),
		fundings: make(map[string]bool),
	}
}

func (m *MemoryStore) State(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *MemoryStore) Fund(ctx context.Context, amt *uint256.Int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fundings[ref] {
		return ErrDuplicateReference
	}
	balance, overflow := new(uint256.Int).AddOverflow(m.state.Balance, amt)
	if overflow {
		return ErrOverflow
	}
	funded, overflow := new(uint256.Int).AddOverflow(m.state.TotalFunded, amt)
	if overflow {
		return ErrOverflow
	}
	m.state.Balance = balance
	m.state.TotalFunded = funded
	m.state.UpdatedAt = time.Now()
	m.fundings[ref] = true
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, amt *uint256.Int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[ref]; ok {
		return ErrDuplicateReference
	}
	if m.state.Available().Lt(amt) {
		return ErrInsufficientVaultFunds
	}
	m.state.Held = new(uint256.Int).Add(m.state.Held, amt)
	m.state.UpdatedAt = time.Now()
	m.holds[ref] = &Hold{
		Reference: ref,
		Amount:    amount.OrZero(amt),
		Status:    HoldStatusHeld,
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) ConfirmHold(ctx context.Context, ref string) error {
	return m.resolve(ref, HoldStatusConfirmed)
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, ref string) error {
	return m.resolve(ref, HoldStatusReleased)
}

func (m *MemoryStore) resolve(ref string, to HoldStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[ref]
	if !ok || h.Status != HoldStatusHeld {
		return ErrHoldNotFound
	}

	m.state.Held = new(uint256.Int).Sub(m.state.Held, h.Amount)
	if to == HoldStatusConfirmed {
		m.state.Balance = new(uint256.Int).Sub(m.state.Balance, h.Amount)
		m.state.TotalPaid = new(uint256.Int).Add(m.state.TotalPaid, h.Amount)
	}
	now := time.Now()
	m.state.UpdatedAt = now
	h.Status = to
	h.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) GetHold(ctx context.Context, ref string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[ref]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	cp.Amount = amount.OrZero(h.Amount)
	return &cp, nil
}

func (m *MemoryStore) OpenHolds(ctx context.Context) ([]*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Hold
	for _, h := range m.holds {
		if h.Status != HoldStatusHeld {
			continue
		}
		cp := *h
		cp.Amount = amount.OrZero(h.Amount)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
