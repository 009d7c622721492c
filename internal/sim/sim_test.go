package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/epochstake/internal/logging"
	"github.com/mbd888/epochstake/internal/staking"
)

func run(t *testing.T, schedule staking.Schedule, fund uint64, script []Step) *Result {
	t.Helper()
	ctx := context.Background()
	r, err := NewRunner(ctx, Config{Schedule: schedule, Fund: uint256.NewInt(fund), Logger: logging.Discard()})
	require.NoError(t, err)
	res, err := r.Run(ctx, script)
	require.NoError(t, err)
	return res
}

func TestDriverScript_Payouts(t *testing.T) {
	res := run(t, staking.Flat(25), 90_000_000, DriverScript(10_000_000, 30))

	// 1 + 4 + 1 + 1 + 8 + 1 + 14 deposits
	require.Len(t, res.Records, 30)

	first := res.Records[0]
	assert.Equal(t, uint64(0), first.Epoch)
	assert.True(t, first.RewardPaid.IsZero())

	for i := 1; i <= 4; i++ {
		assert.Equal(t, uint64(1), res.Records[i].Elapsed, "record %d", i)
		assert.Equal(t, uint64(25_000), res.Records[i].RewardPaid.Uint64(), "record %d", i)
	}

	second := res.Records[5]
	assert.Equal(t, uint64(25_000), second.RewardPaid.Uint64())
	assert.Equal(t, uint64(20_000_000), second.Principal.Uint64())

	gap := res.Records[6]
	assert.Equal(t, uint64(30), gap.Elapsed)
	assert.Equal(t, uint64(30*50_000), gap.RewardPaid.Uint64())
	assert.Equal(t, uint64(35), gap.Epoch)

	// first deposit(0) lands in the same epoch as the gap deposit
	assert.True(t, res.Records[7].RewardPaid.IsZero())
	assert.Equal(t, uint64(75_000), res.Records[8].RewardPaid.Uint64())

	assert.Equal(t, uint64(3_525_000), res.TotalPaid.Uint64())
	assert.Equal(t, uint64(90_000_000-3_525_000), res.Vault.Balance.Uint64())
	assert.Equal(t, res.TotalPaid.Uint64(), res.Records[len(res.Records)-1].Reward.Uint64())

	require.NotNil(t, res.Report)
	assert.True(t, res.Report.Healthy, "checks: %+v", res.Report.Checks)
}

func TestDriverScript_GapIsSumOfSingles(t *testing.T) {
	dense := []Step{Deposit(10_000_000), Wait(1)}
	dense = append(dense, Repeat(30, Deposit(0), Wait(1))...)
	sparse := []Step{Deposit(10_000_000), Wait(30), Deposit(0)}

	a := run(t, staking.Flat(25), 1_000_000, dense)
	b := run(t, staking.Flat(25), 1_000_000, sparse)

	assert.Equal(t, a.TotalPaid, b.TotalPaid)
	assert.Equal(t, uint64(750_000), b.TotalPaid.Uint64())
}

func TestRun_StopsOnFailure(t *testing.T) {
	ctx := context.Background()
	r, err := NewRunner(ctx, Config{Schedule: staking.Flat(25), Fund: uint256.NewInt(10), Logger: logging.Discard()})
	require.NoError(t, err)

	res, err := r.Run(ctx, []Step{Deposit(10_000_000), Wait(1), Deposit(0), Deposit(5)})
	require.Error(t, err)
	assert.ErrorIs(t, err, staking.ErrInsufficientVaultFunds)
	assert.Len(t, res.Records, 1)
}

func TestRepeat(t *testing.T) {
	steps := Repeat(3, Deposit(0), Wait(2))
	require.Len(t, steps, 6)
	assert.Equal(t, uint64(2), steps[5].Wait)
	assert.Empty(t, Repeat(0, Wait(1)))
}

type failingBalances struct{ err error }

func (f failingBalances) BalanceOf(context.Context, common.Address) (*uint256.Int, error) {
	return nil, f.err
}

func TestRun_ReturnsBalanceReadError(t *testing.T) {
	ctx := context.Background()
	r, err := NewRunner(ctx, Config{Schedule: staking.Flat(25), Fund: uint256.NewInt(1_000_000), Logger: logging.Discard()})
	require.NoError(t, err)
	rpcDown := errors.New("rpc unavailable")
	r.reward = failingBalances{err: rpcDown}

	res, err := r.Run(ctx, []Step{Deposit(1_000)})
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcDown)
	assert.Contains(t, err.Error(), "reward balance")
	assert.Empty(t, res.Records)
}
