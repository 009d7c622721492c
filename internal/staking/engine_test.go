package staking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/epochstake/internal/access"
	"github.com/mbd888/epochstake/internal/epoch"
	"github.com/mbd888/epochstake/internal/ledger"
	"github.com/mbd888/epochstake/internal/token"
	"github.com/mbd888/epochstake/internal/vault"
)

var (
	adminAddr   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	custodyAddr = common.HexToAddress("0x000000000000000000000000000000000000c057")
	vaultAddr   = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	alice       = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob         = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	origin = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

type harness struct {
	cfg        Config
	engine     *Engine
	clock      *epoch.ManualClock
	ledger     *ledger.MemoryStore
	vault      *vault.Vault
	gate       *access.Gate
	collateral *token.MemoryToken
	reward     *token.MemoryToken
}

func newHarness(t *testing.T, schedule Schedule) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	clock := epoch.NewManualClock(origin)
	epochs, err := epoch.New(origin, time.Second, clock)
	require.NoError(t, err)

	reward := token.NewMemoryToken("RWD")
	collateral := token.NewMemoryToken("STK")
	store := ledger.NewMemoryStore()
	v := vault.New(vault.NewMemoryStore(), reward.As(vaultAddr), logger,
		vault.WithFundingHook(func(_ context.Context, amt *uint256.Int) error {
			return reward.Mint(vaultAddr, amt)
		}))
	gate := access.NewGate(access.NewMemoryStore(), adminAddr, logger)

	cfg := Config{
		Ledger:     store,
		Vault:      v,
		Gate:       gate,
		Epochs:     epochs,
		Schedule:   schedule,
		Collateral: collateral.As(custodyAddr),
		Custody:    custodyAddr,
		Logger:     logger,
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	return &harness{
		cfg:        cfg,
		engine:     engine,
		clock:      clock,
		ledger:     store,
		vault:      v,
		gate:       gate,
		collateral: collateral,
		reward:     reward,
	}
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func (h *harness) fund(t *testing.T, amt uint64) {
	t.Helper()
	_, err := h.vault.Fund(context.Background(), u(amt))
	require.NoError(t, err)
}

func (h *harness) allow(t *testing.T, account common.Address) {
	t.Helper()
	require.NoError(t, h.gate.SetAllowed(context.Background(), adminAddr, account, true))
}

// stake mints collateral to account and approves custody to pull it.
func (h *harness) stake(t *testing.T, account common.Address, amt *uint256.Int) {
	t.Helper()
	require.NoError(t, h.collateral.Mint(account, amt))
	allowance := h.collateral.Allowance(account, custodyAddr)
	h.collateral.Approve(account, custodyAddr, allowance.Add(allowance, amt))
}

func (h *harness) advance(epochs int) {
	h.clock.Advance(time.Duration(epochs) * time.Second)
}

func (h *harness) rewardBalance(t *testing.T, account common.Address) uint64 {
	t.Helper()
	b, err := h.reward.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	return b.Uint64()
}

func (h *harness) vaultState(t *testing.T) *vault.State {
	t.Helper()
	st, err := h.vault.State(context.Background())
	require.NoError(t, err)
	return st
}

func TestDeposit_DriverScenario(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()

	h.fund(t, 90_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(20_000_000))

	r, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	assert.True(t, r.RewardPaid.IsZero(), "first deposit earns nothing")
	assert.Equal(t, uint64(10_000_000), r.Principal.Uint64())
	assert.Equal(t, uint64(0), r.ToEpoch)

	for i := 0; i < 4; i++ {
		h.advance(1)
		r, err := h.engine.Deposit(ctx, alice, u(0))
		require.NoError(t, err)
		assert.Equal(t, uint64(25_000), r.RewardPaid.Uint64(), "deposit(0) #%d", i+1)
		assert.Equal(t, uint64(1), r.Elapsed)
		assert.Equal(t, uint64(10_000_000), r.Principal.Uint64())
	}

	h.advance(30)
	r, err = h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(30), r.Elapsed)
	assert.Equal(t, uint64(30*25_000), r.RewardPaid.Uint64())
	assert.Equal(t, uint64(20_000_000), r.Principal.Uint64())

	// Doubled principal doubles the per-epoch reward.
	h.advance(1)
	r, err = h.engine.Deposit(ctx, alice, u(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), r.RewardPaid.Uint64())

	const paid = 4*25_000 + 30*25_000 + 50_000
	assert.Equal(t, uint64(paid), h.rewardBalance(t, alice))

	st := h.vaultState(t)
	assert.Equal(t, uint64(90_000_000-paid), st.Balance.Uint64())
	assert.Equal(t, uint64(paid), st.TotalPaid.Uint64())
	assert.True(t, st.Held.IsZero())

	custody, _ := h.collateral.BalanceOf(ctx, custodyAddr)
	assert.Equal(t, uint64(20_000_000), custody.Uint64())

	bal, err := h.engine.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000), bal.Uint64())

	history, err := h.engine.History(ctx, alice, 0)
	require.NoError(t, err)
	assert.Len(t, history, 7)
}

func TestDeposit_SameEpochPaysOnce(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_000))

	_, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	h.advance(2)

	first, err := h.engine.Deposit(ctx, alice, u(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), first.RewardPaid.Uint64())

	second, err := h.engine.Deposit(ctx, alice, u(0))
	require.NoError(t, err)
	assert.True(t, second.RewardPaid.IsZero())
	assert.Equal(t, uint64(0), second.Elapsed)
	assert.Equal(t, uint64(50_000), h.rewardBalance(t, alice))
}

func TestDeposit_GapEqualsSumOfSingleEpochs(t *testing.T) {
	// 12,345 * 25 / 10,000 = 30.86, so the per-epoch floor matters.
	const principal = 12_345
	const gap = 7

	stepwise := newHarness(t, Flat(25))
	lump := newHarness(t, Flat(25))
	ctx := context.Background()

	for _, h := range []*harness{stepwise, lump} {
		h.fund(t, 1_000_000)
		h.allow(t, alice)
		h.stake(t, alice, u(principal))
		_, err := h.engine.Deposit(ctx, alice, u(principal))
		require.NoError(t, err)
	}

	for i := 0; i < gap; i++ {
		stepwise.advance(1)
		_, err := stepwise.engine.Deposit(ctx, alice, u(0))
		require.NoError(t, err)
	}

	lump.advance(gap)
	r, err := lump.engine.Deposit(ctx, alice, u(0))
	require.NoError(t, err)

	assert.Equal(t, uint64(gap*30), r.RewardPaid.Uint64())
	assert.Equal(t, stepwise.rewardBalance(t, alice), lump.rewardBalance(t, alice))
}

func TestDeposit_RateChangeMidGap(t *testing.T) {
	schedule, err := ParseSchedule("steps:0=25,10=10")
	require.NoError(t, err)
	h := newHarness(t, schedule)
	ctx := context.Background()

	h.fund(t, 10_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_000))

	_, err = h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)

	h.advance(15)
	r, err := h.engine.Deposit(ctx, alice, u(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(10*25_000+5*10_000), r.RewardPaid.Uint64())
}

func TestDeposit_Unauthorized(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000)
	h.stake(t, bob, u(100))

	_, err := h.engine.Deposit(ctx, bob, u(100))
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "unauthorized", ErrorCode(err))

	_, err = h.engine.Account(ctx, bob)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	bal, _ := h.collateral.BalanceOf(ctx, bob)
	assert.Equal(t, uint64(100), bal.Uint64())
}

func TestDeposit_RevokedAccountCannotSettle(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_000))

	_, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	require.NoError(t, h.gate.SetAllowed(ctx, adminAddr, alice, false))

	h.advance(3)
	_, err = h.engine.Deposit(ctx, alice, u(0))
	require.ErrorIs(t, err, ErrUnauthorized)

	acct, err := h.engine.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), acct.LastSettledEpoch)
}

func TestDeposit_InsufficientVaultFundsChangesNothing(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 10_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_005))

	_, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)

	h.advance(1)
	_, err = h.engine.Deposit(ctx, alice, u(5))
	require.ErrorIs(t, err, ErrInsufficientVaultFunds)

	acct, err := h.engine.Account(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), acct.LastSettledEpoch)
	assert.Equal(t, uint64(10_000_000), acct.Principal.Uint64())

	st := h.vaultState(t)
	assert.Equal(t, uint64(10_000), st.Balance.Uint64())
	assert.True(t, st.Held.IsZero())
	assert.Equal(t, uint64(0), h.rewardBalance(t, alice))

	bal, _ := h.collateral.BalanceOf(ctx, alice)
	assert.Equal(t, uint64(5), bal.Uint64())

	history, _ := h.engine.History(ctx, alice, 0)
	assert.Len(t, history, 1)

	// Topping up the vault lets the same settlement through, still for one epoch.
	h.fund(t, 15_000)
	r, err := h.engine.Deposit(ctx, alice, u(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(25_000), r.RewardPaid.Uint64())
}

func TestDeposit_CollateralFailureUnwinds(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_000))

	_, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	h.advance(2)

	// No balance or allowance left for another 1,000.
	_, err = h.engine.Deposit(ctx, alice, u(1_000))
	require.ErrorIs(t, err, ErrCollateralTransferFailed)
	assert.Equal(t, "collateral_transfer_failed", ErrorCode(err))

	acct, _ := h.engine.Account(ctx, alice)
	assert.Equal(t, uint64(0), acct.LastSettledEpoch)
	assert.Equal(t, uint64(10_000_000), acct.Principal.Uint64())
	assert.True(t, acct.TotalRewardPaid.IsZero())

	st := h.vaultState(t)
	assert.True(t, st.Held.IsZero())
	assert.Equal(t, uint64(1_000_000), st.Balance.Uint64())

	open, err := h.vault.Store().OpenHolds(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	history, _ := h.engine.History(ctx, alice, 0)
	assert.Len(t, history, 1)
}

func TestDeposit_FirstDepositCollateralFailureLeavesNoAccount(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.allow(t, alice)

	_, err := h.engine.Deposit(ctx, alice, u(1))
	require.ErrorIs(t, err, ErrCollateralTransferFailed)

	_, err = h.engine.Account(ctx, alice)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestDeposit_RewardTransferFailureRefundsCollateral(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_100))

	_, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	h.advance(1)

	h.reward.SetHook(func(context.Context, common.Address, common.Address, *uint256.Int) error {
		return errors.New("reward token paused")
	})

	_, err = h.engine.Deposit(ctx, alice, u(100))
	require.ErrorIs(t, err, ErrRewardTransferFailed)

	bal, _ := h.collateral.BalanceOf(ctx, alice)
	assert.Equal(t, uint64(100), bal.Uint64(), "collateral refunded")
	custody, _ := h.collateral.BalanceOf(ctx, custodyAddr)
	assert.Equal(t, uint64(10_000_000), custody.Uint64())

	acct, _ := h.engine.Account(ctx, alice)
	assert.Equal(t, uint64(0), acct.LastSettledEpoch)
	assert.Equal(t, uint64(10_000_000), acct.Principal.Uint64())

	st := h.vaultState(t)
	assert.True(t, st.Held.IsZero())
	assert.True(t, st.TotalPaid.IsZero())
}

func TestDeposit_InvalidTime(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(100))

	h.advance(5)
	_, err := h.engine.Deposit(ctx, alice, u(100))
	require.NoError(t, err)

	h.clock.Set(origin.Add(3 * time.Second))
	_, err = h.engine.Deposit(ctx, alice, u(0))
	require.ErrorIs(t, err, ErrInvalidTime)

	acct, _ := h.engine.Account(ctx, alice)
	assert.Equal(t, uint64(5), acct.LastSettledEpoch)

	h.clock.Set(origin.Add(-time.Second))
	_, err = h.engine.Deposit(ctx, alice, u(0))
	require.ErrorIs(t, err, ErrInvalidTime)
	assert.Equal(t, "invalid_time", ErrorCode(err))
}

func TestDeposit_Overflow(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.allow(t, alice)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	h.stake(t, alice, huge)

	_, err := h.engine.Deposit(ctx, alice, huge)
	require.NoError(t, err)

	// Principal + amount overflows 256 bits.
	_, err = h.engine.Deposit(ctx, alice, huge)
	require.ErrorIs(t, err, ErrOverflow)

	// principal * rate overflows.
	h.advance(1)
	_, err = h.engine.Deposit(ctx, alice, u(0))
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, "overflow", ErrorCode(err))

	acct, _ := h.engine.Account(ctx, alice)
	assert.Equal(t, uint64(0), acct.LastSettledEpoch)
	assert.Equal(t, huge, acct.Principal)
}

func TestDeposit_ReentrantCallRejected(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_100))

	_, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	h.advance(1)

	var (
		nestedErr     error
		nestedPending *Pending
		calls         int
	)
	h.collateral.SetHook(func(hookCtx context.Context, _, _ common.Address, _ *uint256.Int) error {
		calls++
		_, nestedErr = h.engine.Deposit(hookCtx, alice, u(0))
		nestedPending, _ = h.engine.PendingReward(hookCtx, alice)
		return nil
	})

	r, err := h.engine.Deposit(ctx, alice, u(100))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, nestedErr, ErrReentrantCall)
	require.NotNil(t, nestedPending)
	assert.True(t, nestedPending.Reward.IsZero(), "ledger already settled when the token calls back")

	assert.Equal(t, uint64(25_000), r.RewardPaid.Uint64())
	assert.Equal(t, uint64(25_000), h.rewardBalance(t, alice))
}

func TestDeposit_ConcurrentSettlementsPayOnce(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.allow(t, bob)
	h.stake(t, alice, u(10_000_000))
	h.stake(t, bob, u(10_000_000))

	_, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	_, err = h.engine.Deposit(ctx, bob, u(10_000_000))
	require.NoError(t, err)
	h.advance(1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		account := alice
		if i%2 == 1 {
			account = bob
		}
		go func() {
			defer wg.Done()
			_, err := h.engine.Deposit(ctx, account, u(0))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(25_000), h.rewardBalance(t, alice))
	assert.Equal(t, uint64(25_000), h.rewardBalance(t, bob))

	st := h.vaultState(t)
	assert.Equal(t, st.TotalFunded, new(uint256.Int).Add(st.Balance, st.TotalPaid))
}

// interleavedLedger runs beforeApply once, just before the first Apply reaches
// the store, standing in for another process writing the same row.
type interleavedLedger struct {
	ledger.Store
	once        sync.Once
	beforeApply func()
}

func (l *interleavedLedger) Apply(ctx context.Context, prev, next *ledger.Account, s *ledger.Settlement) error {
	l.once.Do(l.beforeApply)
	return l.Store.Apply(ctx, prev, next, s)
}

func TestDeposit_StaleSnapshotFromOtherEngineRejected(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_000))

	_, err := h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	h.advance(3)

	// A second engine on the same ledger has its own account locks.
	other, err := NewEngine(h.cfg)
	require.NoError(t, err)

	racing := &interleavedLedger{Store: h.ledger}
	racing.beforeApply = func() {
		_, err := other.Deposit(context.Background(), alice, u(0))
		assert.NoError(t, err)
	}
	cfg := h.cfg
	cfg.Ledger = racing
	first, err := NewEngine(cfg)
	require.NoError(t, err)

	_, err = first.Deposit(ctx, alice, u(0))
	require.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.Equal(t, "concurrent_update", ErrorCode(err))

	// Only the winning settlement paid the three elapsed epochs.
	assert.Equal(t, uint64(75_000), h.rewardBalance(t, alice))
	acct, err := h.ledger.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000), acct.Principal.Uint64())
	assert.Equal(t, uint64(3), acct.LastSettledEpoch)

	st := h.vaultState(t)
	assert.True(t, st.Held.IsZero(), "losing writer's hold released")
	assert.Equal(t, uint64(75_000), st.TotalPaid.Uint64())
}

func TestDeposit_InvalidInputs(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.allow(t, alice)

	_, err := h.engine.Deposit(ctx, alice, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.engine.Deposit(ctx, common.Address{}, u(1))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPendingReward(t *testing.T) {
	h := newHarness(t, Flat(25))
	ctx := context.Background()
	h.fund(t, 1_000_000)
	h.allow(t, alice)
	h.stake(t, alice, u(10_000_000))

	p, err := h.engine.PendingReward(ctx, alice)
	require.NoError(t, err)
	assert.True(t, p.Reward.IsZero())

	_, err = h.engine.Deposit(ctx, alice, u(10_000_000))
	require.NoError(t, err)
	h.advance(3)

	p, err = h.engine.PendingReward(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(75_000), p.Reward.Uint64())
	assert.Equal(t, uint64(3), p.Elapsed)

	// Reading does not settle.
	again, _ := h.engine.PendingReward(ctx, alice)
	assert.Equal(t, p.Reward, again.Reward)
	acct, _ := h.engine.Account(ctx, alice)
	assert.Equal(t, uint64(0), acct.LastSettledEpoch)
}

func TestBalanceOf_UnknownAccountIsZero(t *testing.T) {
	h := newHarness(t, Flat(25))
	bal, err := h.engine.BalanceOf(context.Background(), bob)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.Error(t, err)

	h := newHarness(t, Flat(25))
	_, err = NewEngine(Config{
		Ledger:     h.ledger,
		Vault:      h.vault,
		Gate:       h.gate,
		Epochs:     epochFunc(func() (uint64, error) { return 0, nil }),
		Schedule:   Flat(1),
		Collateral: h.collateral.As(custodyAddr),
	})
	assert.Error(t, err, "custody address is required")
}

type epochFunc func() (uint64, error)

func (f epochFunc) Current() (uint64, error) { return f() }

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrInvalidAmount, "invalid_amount"},
		{ErrUnauthorized, "unauthorized"},
		{ErrInsufficientVaultFunds, "insufficient_vault_funds"},
		{ErrOverflow, "overflow"},
		{ErrCollateralTransferFailed, "collateral_transfer_failed"},
		{ErrRewardTransferFailed, "reward_transfer_failed"},
		{ErrInvalidTime, "invalid_time"},
		{ErrReentrantCall, "reentrant_call"},
		{ErrConcurrentUpdate, "concurrent_update"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err))
	}
}
