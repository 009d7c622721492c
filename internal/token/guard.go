package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Asset is a token handle that can transfer, pull and read balances.
type Asset interface {
	Transferer
	Puller
	BalanceReader
}

// Breaker runs fn for key unless key's circuit is open.
// *circuitbreaker.Breaker satisfies it.
type Breaker interface {
	Do(key string, fn func() error) error
}

// Guarded sends token calls through a Breaker so an unreachable RPC endpoint
// fails deposits fast instead of waiting out every confirmation timeout.
type Guarded struct {
	inner   Asset
	breaker Breaker
	name    string
	// bypassTransfer lets Transfer skip the breaker. Collateral refunds
	// unwind a failed deposit and must always be attempted.
	bypassTransfer bool
}

var _ Asset = (*Guarded)(nil)

// GuardCollateral guards pulls and balance reads. Transfer, used only to
// refund, is never rejected by the breaker.
func GuardCollateral(inner Asset, b Breaker, name string) *Guarded {
	return &Guarded{inner: inner, breaker: b, name: name, bypassTransfer: true}
}

// GuardReward guards payouts and balance reads.
func GuardReward(inner Asset, b Breaker, name string) *Guarded {
	return &Guarded{inner: inner, breaker: b, name: name}
}

func (g *Guarded) key(op string) string { return g.name + "." + op }

// Transfer forwards to the wrapped token.
func (g *Guarded) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if g.bypassTransfer {
		return g.inner.Transfer(ctx, to, amount)
	}
	key := g.key("transfer")
	return g.wrap(key, g.breaker.Do(key, func() error {
		return g.inner.Transfer(ctx, to, amount)
	}))
}

// TransferFrom forwards to the wrapped token.
func (g *Guarded) TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	key := g.key("transferFrom")
	return g.wrap(key, g.breaker.Do(key, func() error {
		return g.inner.TransferFrom(ctx, from, to, amount)
	}))
}

// BalanceOf forwards to the wrapped token.
func (g *Guarded) BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	var bal *uint256.Int
	key := g.key("balanceOf")
	err := g.breaker.Do(key, func() error {
		var err error
		bal, err = g.inner.BalanceOf(ctx, holder)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return bal, nil
}

// wrap turns a breaker rejection into a TransferError. Errors from the
// wrapped token pass through unchanged.
func (g *Guarded) wrap(key string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return &TransferError{Op: key, Err: err}
}
