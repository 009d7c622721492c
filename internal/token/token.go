// Package token defines the external asset collaborators of the staking
// engine: the collateral token deposits are pulled from and the reward token
// the vault pays out in.
//
// Two implementations exist. MemoryToken is an in-process ERC20 used by tests,
// the simulator and development mode. ERC20 drives a deployed contract over
// JSON-RPC.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrTransferFailed        = errors.New("token: transfer failed")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAddress        = errors.New("token: invalid address")
	ErrInvalidPrivateKey     = errors.New("token: invalid private key")
	ErrTimeout               = errors.New("token: operation timed out")
	ErrRPCConnection         = errors.New("token: RPC connection failed")
)

// TransferError wraps transfer failures with context. It always unwraps to
// ErrTransferFailed in addition to the underlying cause.
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("token: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("token: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() []error { return []error{ErrTransferFailed, e.Err} }

// Transferer moves tokens out of the bound holder's balance.
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Puller moves tokens between two holders using an allowance granted to the
// bound spender (ERC20 transferFrom).
type Puller interface {
	TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

// BalanceReader reads a holder's balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error)
}
