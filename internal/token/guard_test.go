package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/epochstake/internal/circuitbreaker"
	"github.com/mbd888/epochstake/internal/logging"
)

// boundAsset pairs a signer with its token's balance reads.
type boundAsset struct {
	*Signer
	tok *MemoryToken
}

func (b boundAsset) BalanceOf(ctx context.Context, h common.Address) (*uint256.Int, error) {
	return b.tok.BalanceOf(ctx, h)
}

func newGuardFixture(t *testing.T) (*MemoryToken, Asset, *circuitbreaker.Breaker) {
	t.Helper()
	tok := NewMemoryToken("STK")
	require.NoError(t, tok.Mint(holder, uint256.NewInt(100)))
	tok.Approve(holder, spender, uint256.NewInt(100))
	return tok, boundAsset{Signer: tok.As(spender), tok: tok}, circuitbreaker.New(1, time.Hour, logging.Discard())
}

func TestGuardCollateral_OpensOnPullFailures(t *testing.T) {
	tok, asset, b := newGuardFixture(t)
	g := GuardCollateral(asset, b, "collateral")
	ctx := context.Background()

	// exceeds allowance: real failure, trips the breaker at threshold 1
	err := g.TransferFrom(ctx, holder, sink, uint256.NewInt(500))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFailed)

	err = g.TransferFrom(ctx, holder, sink, uint256.NewInt(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, uint64(100), balance(t, tok, holder), "rejected pull must not move tokens")
}

func TestGuardCollateral_RefundsBypassBreaker(t *testing.T) {
	tok, asset, b := newGuardFixture(t)
	g := GuardCollateral(asset, b, "collateral")
	ctx := context.Background()

	require.NoError(t, g.TransferFrom(ctx, holder, spender, uint256.NewInt(50)))
	_ = g.TransferFrom(ctx, holder, sink, uint256.NewInt(500))
	require.Equal(t, circuitbreaker.StateOpen, b.State("collateral.transferFrom"))

	require.NoError(t, g.Transfer(ctx, holder, uint256.NewInt(50)))
	assert.Equal(t, uint64(100), balance(t, tok, holder))
}

func TestGuardReward_GuardsPayouts(t *testing.T) {
	tok := NewMemoryToken("RWD")
	require.NoError(t, tok.Mint(spender, uint256.NewInt(10)))
	b := circuitbreaker.New(1, time.Hour, logging.Discard())
	g := GuardReward(boundAsset{Signer: tok.As(spender), tok: tok}, b, "reward")
	ctx := context.Background()

	require.NoError(t, g.Transfer(ctx, sink, uint256.NewInt(4)))
	require.Error(t, g.Transfer(ctx, sink, uint256.NewInt(40)))

	err := g.Transfer(ctx, sink, uint256.NewInt(1))
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	assert.Equal(t, uint64(4), balance(t, tok, sink))

	bal, err := g.BalanceOf(ctx, spender)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), bal.Uint64())
}
