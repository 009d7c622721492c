// Package staking implements epoch-gated reward accrual for staked deposits.
//
// Flow of a deposit(amount) call:
//  1. The access gate must allow the account
//  2. Elapsed epochs since the account's last settlement are measured
//  3. Reward for every elapsed epoch is computed at that epoch's rate
//  4. The reward is reserved in the vault, the ledger is updated, the
//     collateral is pulled, and the reserved reward is paid
//  5. Any failure unwinds the steps already taken
//
// Reward accrues only at settlement. An account settled twice in the same
// epoch earns nothing the second time, and a k-epoch gap pays exactly what
// k single-epoch settlements would have paid.
package staking

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/token"
	"github.com/mbd888/epochstake/internal/vault"
)

// Errors
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrUnauthorized             = errors.New("account is not whitelisted")
	ErrInsufficientVaultFunds   = errors.New("reward vault cannot cover the accrued reward")
	ErrOverflow                 = errors.New("arithmetic overflow")
	ErrCollateralTransferFailed = errors.New("collateral transfer failed")
	ErrRewardTransferFailed     = errors.New("reward transfer failed")
	ErrInvalidTime              = errors.New("current epoch precedes last settlement")
	ErrReentrantCall            = errors.New("deposit already in progress")
	ErrAccountNotFound          = errors.New("account not found")
	ErrConcurrentUpdate         = errors.New("account was settled by another writer")
)

// RateDenominator is the fixed-point base of reward rates: a rate of
// RateDenominator pays 100% of principal per epoch.
const RateDenominator = 10_000

// Receipt describes one completed deposit.
type Receipt struct {
	SettlementID string
	Account      common.Address
	Amount       *uint256.Int
	Principal    *uint256.Int
	RewardPaid   *uint256.Int
	FromEpoch    uint64
	ToEpoch      uint64
	Elapsed      uint64
	SettledAt    time.Time
}

// AccessGate answers whether an account may deposit.
type AccessGate interface {
	IsAllowed(ctx context.Context, account common.Address) (bool, error)
}

// EpochSource reports the current epoch.
type EpochSource interface {
	Current() (uint64, error)
}

// RewardVault is the two-phase payout surface of the vault.
type RewardVault interface {
	Hold(ctx context.Context, amt *uint256.Int, ref string) error
	Settle(ctx context.Context, to common.Address, ref string) error
	Release(ctx context.Context, ref string) error
	State(ctx context.Context) (*vault.State, error)
}

// Collateral is the principal token as seen by the custody account: it pulls
// deposits in and can send them back when a deposit is unwound.
type Collateral interface {
	token.Puller
	token.Transferer
}

// ErrorCode maps engine errors to the stable codes used in API responses and
// the deposits_total metric.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientVaultFunds):
		return "insufficient_vault_funds"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrCollateralTransferFailed):
		return "collateral_transfer_failed"
	case errors.Is(err, ErrRewardTransferFailed):
		return "reward_transfer_failed"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant_call"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrentUpdate):
		return "concurrent_update"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal_error"
	}
}
