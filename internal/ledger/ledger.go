// Package ledger records per-account staking state.
//
// The ledger is a plain key/value store keyed by account address. It holds
// deposited principal, the last epoch the account was settled at, and an
// append-only history of settlements. Business rules live in the staking
// engine; the ledger only guarantees that a settlement and its account update
// land together (Apply) and can be undone together (Revert) before the
// surrounding deposit completes.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/amount"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrEpochRegression    = errors.New("last settled epoch cannot move backwards")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrDuplicateSettle    = errors.New("settlement already recorded")
	ErrStaleAccount       = errors.New("account changed since it was read")
)

// Account is the per-account staking state.
type Account struct {
	Address          common.Address
	Principal        *uint256.Int
	LastSettledEpoch uint64
	// AccruedUnpaid is reward computed but not yet transferred. Settlement
	// pays everything it computes, so this stays zero for engine-managed
	// accounts.
	AccruedUnpaid   *uint256.Int
	TotalRewardPaid *uint256.Int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewAccount returns a zero-principal account anchored at epoch.
func NewAccount(addr common.Address, epoch uint64, now time.Time) *Account {
	return &Account{
		Address:          addr,
		Principal:        new(uint256.Int),
		LastSettledEpoch: epoch,
		AccruedUnpaid:    new(uint256.Int),
		TotalRewardPaid:  new(uint256.Int),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone returns a deep copy so callers never share amount pointers with a store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Principal = amount.OrZero(a.Principal)
	cp.AccruedUnpaid = amount.OrZero(a.AccruedUnpaid)
	cp.TotalRewardPaid = amount.OrZero(a.TotalRewardPaid)
	return &cp
}

// sameState reports whether stored still carries the settlement-relevant
// state of expected.
func sameState(stored, expected *Account) bool {
	return stored.LastSettledEpoch == expected.LastSettledEpoch &&
		amount.OrZero(stored.Principal).Eq(amount.OrZero(expected.Principal)) &&
		amount.OrZero(stored.TotalRewardPaid).Eq(amount.OrZero(expected.TotalRewardPaid))
}

// Settlement is the audit record of one successful deposit call.
type Settlement struct {
	ID             string
	Account        common.Address
	FromEpoch      uint64
	ToEpoch        uint64
	Reward         *uint256.Int
	Amount         *uint256.Int
	PrincipalAfter *uint256.Int
	CreatedAt      time.Time
}

// Elapsed is the number of epochs the settlement paid for.
func (s *Settlement) Elapsed() uint64 {
	return s.ToEpoch - s.FromEpoch
}

// Clone returns a deep copy.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Reward = amount.OrZero(s.Reward)
	cp.Amount = amount.OrZero(s.Amount)
	cp.PrincipalAfter = amount.OrZero(s.PrincipalAfter)
	return &cp
}

// Store persists account state and settlement history.
type Store interface {
	// Get returns a copy of the account or ErrAccountNotFound.
	Get(ctx context.Context, addr common.Address) (*Account, error)
	// Upsert writes the account. The stored LastSettledEpoch may never
	// decrease (ErrEpochRegression).
	Upsert(ctx context.Context, acct *Account) error
	// Apply atomically replaces prev with next and appends the settlement.
	// The stored row must still match prev (nil: the account must not exist
	// yet), otherwise nothing is written and ErrStaleAccount is returned.
	Apply(ctx context.Context, prev, next *Account, s *Settlement) error
	// Revert undoes an Apply that has not been acknowledged to the caller:
	// it removes the settlement and restores prev (nil removes the account
	// created by that Apply).
	Revert(ctx context.Context, addr common.Address, prev *Account, settlementID string) error
	List(ctx context.Context, limit int) ([]*Account, error)
	Count(ctx context.Context) (int, error)
	TotalPrincipal(ctx context.Context) (*uint256.Int, error)
	// History returns settlements for the account, newest first.
	History(ctx context.Context, addr common.Address, limit int) ([]*Settlement, error)
}
