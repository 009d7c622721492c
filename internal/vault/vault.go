// Package vault holds the reward token reserve that settlements pay out of.
//
// Payouts are two-phase: Hold reserves reward against the available balance,
// then Settle transfers it and confirms the hold, or Release returns it. The
// staking engine uses the phases directly so a reward reservation can be
// unwound if a later step of the same deposit fails.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/amount"
	"github.com/mbd888/epochstake/internal/idgen"
	"github.com/mbd888/epochstake/internal/token"
	"github.com/mbd888/epochstake/internal/traces"
)

var (
	ErrInsufficientVaultFunds = errors.New("vault: insufficient funds")
	ErrDuplicateReference     = errors.New("vault: duplicate reference")
	ErrHoldNotFound           = errors.New("vault: hold not found")
	ErrInvalidAmount          = errors.New("vault: invalid amount")
	ErrOverflow               = errors.New("vault: amount overflow")
)

// HoldStatus is the lifecycle state of a hold.
type HoldStatus string

const (
	HoldStatusHeld      HoldStatus = "held"
	HoldStatusConfirmed HoldStatus = "confirmed"
	HoldStatusReleased  HoldStatus = "released"
)

// State is a snapshot of the vault's books.
type State struct {
	Balance     *uint256.Int
	Held        *uint256.Int
	TotalFunded *uint256.Int
	TotalPaid   *uint256.Int
	UpdatedAt   time.Time
}

// NewState returns an empty vault.
func NewState() *State {
	return &State{
		Balance:     new(uint256.Int),
		Held:        new(uint256.Int),
		TotalFunded: new(uint256.Int),
		TotalPaid:   new(uint256.Int),
	}
}

// Available is the balance not reserved by open holds.
func (s *State) Available() *uint256.Int {
	if s.Held.Gt(s.Balance) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(s.Balance, s.Held)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return &State{
		Balance:     amount.OrZero(s.Balance),
		Held:        amount.OrZero(s.Held),
		TotalFunded: amount.OrZero(s.TotalFunded),
		TotalPaid:   amount.OrZero(s.TotalPaid),
		UpdatedAt:   s.UpdatedAt,
	}
}

// Hold is one reward reservation.
type Hold struct {
	Reference  string
	Amount     *uint256.Int
	Status     HoldStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Store persists the vault's books.
type Store interface {
	State(ctx context.Context) (*State, error)
	// Fund adds amount to the balance. Refs are unique across fundings.
	Fund(ctx context.Context, amt *uint256.Int, ref string) error
	// Hold reserves amount from the available balance, all or nothing.
	Hold(ctx context.Context, amt *uint256.Int, ref string) error
	// ConfirmHold marks the hold paid: balance and held drop, totalPaid rises.
	ConfirmHold(ctx context.Context, ref string) error
	// ReleaseHold returns the held amount to the available balance.
	ReleaseHold(ctx context.Context, ref string) error
	GetHold(ctx context.Context, ref string) (*Hold, error)
	// OpenHolds lists holds still in the held state, oldest first.
	OpenHolds(ctx context.Context) ([]*Hold, error)
}

// FundingHook runs before a funding is recorded. Development mode uses it to
// mint the matching reward tokens to the vault's address.
type FundingHook func(ctx context.Context, amt *uint256.Int) error

// Option configures a Vault.
type Option func(*Vault)

// WithFundingHook sets the hook run by Fund.
func WithFundingHook(h FundingHook) Option {
	return func(v *Vault) { v.onFund = h }
}

// Vault pays reward out of the reserve it books in Store.
type Vault struct {
	store  Store
	payer  token.Transferer
	onFund FundingHook
	logger *slog.Logger
}

// New creates a vault paying through payer, which must be bound to the
// vault's token holder.
func New(store Store, payer token.Transferer, logger *slog.Logger, opts ...Option) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{store: store, payer: payer, logger: logger}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Store returns the underlying store.
func (v *Vault) Store() Store {
	return v.store
}

// State returns a snapshot of the books.
func (v *Vault) State(ctx context.Context) (*State, error) {
	return v.store.State(ctx)
}

// Fund adds reward to the reserve and returns the funding reference.
func (v *Vault) Fund(ctx context.Context, amt *uint256.Int) (string, error) {
	if amt == nil || amt.IsZero() {
		return "", fmt.Errorf("%w: funding must be positive", ErrInvalidAmount)
	}
	if v.onFund != nil {
		if err := v.onFund(ctx, amt); err != nil {
			return "", fmt.Errorf("funding hook: %w", err)
		}
	}
	ref := idgen.WithPrefix("fund_")
	if err := v.store.Fund(ctx, amt, ref); err != nil {
		return "", err
	}
	vaultOpsTotal.WithLabelValues("fund").Inc()
	v.logger.Info("vault funded", "amount", amount.Format(amt), "reference", ref)
	return ref, nil
}

// Hold reserves amt under ref.
func (v *Vault) Hold(ctx context.Context, amt *uint256.Int, ref string) error {
	if err := v.store.Hold(ctx, amt, ref); err != nil {
		return err
	}
	vaultOpsTotal.WithLabelValues("hold").Inc()
	return nil
}

// Settle transfers the held reward to to and confirms the hold. A transfer
// failure leaves the hold open for the caller to Release.
func (v *Vault) Settle(ctx context.Context, to common.Address, ref string) error {
	ctx, span := traces.StartSpan(ctx, "vault.Settle", traces.Reference(ref), traces.Account(to.Hex()))
	defer span.End()

	hold, err := v.store.GetHold(ctx, ref)
	if err != nil {
		return err
	}
	if hold.Status != HoldStatusHeld {
		return fmt.Errorf("%w: %s is %s", ErrHoldNotFound, ref, hold.Status)
	}

	if !hold.Amount.IsZero() {
		if err := v.payer.Transfer(ctx, to, hold.Amount); err != nil {
			vaultOpsTotal.WithLabelValues("payout_failed").Inc()
			traces.Fail(span, err, "payout_failed")
			return fmt.Errorf("reward transfer: %w", err)
		}
	}

	if err := v.store.ConfirmHold(ctx, ref); err != nil {
		// Tokens already moved; the open hold is surfaced by reconciliation.
		v.logger.Error("CRITICAL: reward paid but hold confirmation failed",
			"reference", ref, "to", to.Hex(), "amount", amount.Format(hold.Amount), "error", err)
		return nil
	}
	vaultOpsTotal.WithLabelValues("settle").Inc()
	vaultPaidTotal.Add(hold.Amount.Float64())
	return nil
}

// Release returns the held reward to the available balance.
func (v *Vault) Release(ctx context.Context, ref string) error {
	if err := v.store.ReleaseHold(ctx, ref); err != nil {
		return err
	}
	vaultOpsTotal.WithLabelValues("release").Inc()
	return nil
}

// PayOut transfers amt to to, all or nothing.
func (v *Vault) PayOut(ctx context.Context, to common.Address, amt *uint256.Int) (string, error) {
	ref := idgen.WithPrefix("pay_")
	if err := v.Hold(ctx, amt, ref); err != nil {
		return "", err
	}
	if err := v.Settle(ctx, to, ref); err != nil {
		if relErr := v.Release(ctx, ref); relErr != nil {
			v.logger.Error("CRITICAL: payout failed and hold release failed",
				"reference", ref, "error", relErr)
		}
		return "", err
	}
	return ref, nil
}
