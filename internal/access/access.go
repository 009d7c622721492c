// Package access implements the deposit whitelist.
//
// Only the configured admin may change an account's entry. Unknown accounts
// are not allowed.
package access

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotAdmin     = errors.New("access: caller is not the admin")
	ErrInvalidEntry = errors.New("access: invalid account")
)

// Entry is one whitelist row.
type Entry struct {
	Account   common.Address
	Allowed   bool
	UpdatedBy common.Address
	UpdatedAt time.Time
}

// Store persists the whitelist.
type Store interface {
	Get(ctx context.Context, account common.Address) (*Entry, error) // nil, nil when absent
	Put(ctx context.Context, e *Entry) error
	List(ctx context.Context) ([]*Entry, error)
}

// Gate answers whether an account may deposit.
type Gate struct {
	store  Store
	admin  common.Address
	logger *slog.Logger
}

// NewGate creates a gate administered by admin.
func NewGate(store Store, admin common.Address, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, admin: admin, logger: logger}
}

// Admin returns the administering address.
func (g *Gate) Admin() common.Address {
	return g.admin
}

// IsAllowed reports whether account is whitelisted.
func (g *Gate) IsAllowed(ctx context.Context, account common.Address) (bool, error) {
	e, err := g.store.Get(ctx, account)
	if err != nil {
		return false, err
	}
	return e != nil && e.Allowed, nil
}

// SetAllowed adds or removes account. caller must be the admin.
func (g *Gate) SetAllowed(ctx context.Context, caller, account common.Address, allowed bool) error {
	if caller != g.admin {
		return ErrNotAdmin
	}
	if account == (common.Address{}) {
		return ErrInvalidEntry
	}
	if err := g.store.Put(ctx, &Entry{
		Account:   account,
		Allowed:   allowed,
		UpdatedBy: caller,
		UpdatedAt: time.Now(),
	}); err != nil {
		return err
	}
	g.logger.Info("whitelist updated", "account", account.Hex(), "allowed", allowed)
	return nil
}

// List returns every entry, allowed or not.
func (g *Gate) List(ctx context.Context) ([]*Entry, error) {
	return g.store.List(ctx)
}
