// Package sim replays deposit scripts against an in-process engine on a
// manual clock, so multi-epoch gaps run instantly and exactly.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/access"
	"github.com/mbd888/epochstake/internal/amount"
	"github.com/mbd888/epochstake/internal/epoch"
	"github.com/mbd888/epochstake/internal/ledger"
	"github.com/mbd888/epochstake/internal/reconciliation"
	"github.com/mbd888/epochstake/internal/staking"
	"github.com/mbd888/epochstake/internal/token"
	"github.com/mbd888/epochstake/internal/vault"
)

// Fixed holders for the in-process tokens.
var (
	Admin   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	Custody = common.HexToAddress("0x000000000000000000000000000000000000c057")
	Vault   = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	Staker  = common.HexToAddress("0x5a4e500000000000000000000000000000000001")
)

// Step is one instruction of a script: wait Wait epochs, or deposit Amount.
type Step struct {
	Wait    uint64
	Deposit *uint256.Int
}

// Wait advances the clock by n epochs.
func Wait(n uint64) Step { return Step{Wait: n} }

// Deposit deposits amt (zero settles without adding principal).
func Deposit(amt uint64) Step { return Step{Deposit: uint256.NewInt(amt)} }

// Repeat returns steps n times over.
func Repeat(n int, steps ...Step) []Step {
	out := make([]Step, 0, n*len(steps))
	for i := 0; i < n; i++ {
		out = append(out, steps...)
	}
	return out
}

// DriverScript is the epoch-skip integration run: a first deposit, four
// single-epoch settlements, a 30-epoch gap, then two more stretches of
// settlements after further deposits.
func DriverScript(principal uint64, gap uint64) []Step {
	var s []Step
	s = append(s, Deposit(principal), Wait(1))
	s = append(s, Repeat(4, Deposit(0), Wait(1))...)
	s = append(s, Deposit(principal), Wait(gap))
	s = append(s, Deposit(principal))
	s = append(s, Repeat(8, Deposit(0), Wait(1))...)
	s = append(s, Deposit(principal))
	s = append(s, Repeat(14, Deposit(0), Wait(1))...)
	return s
}

// Config sets up a run.
type Config struct {
	Schedule staking.Schedule
	Fund     *uint256.Int
	Logger   *slog.Logger
}

// Record is the outcome of one deposit.
type Record struct {
	Step       int
	Epoch      uint64
	Amount     *uint256.Int
	Elapsed    uint64
	RewardPaid *uint256.Int
	Principal  *uint256.Int
	Collateral *uint256.Int // staker's collateral balance after the call
	Reward     *uint256.Int // staker's reward balance after the call
}

// Result is a finished run.
type Result struct {
	Records   []Record
	TotalPaid *uint256.Int
	Vault     *vault.State
	Report    *reconciliation.Report
}

// Runner owns the in-process engine a script is replayed against.
type Runner struct {
	engine     *staking.Engine
	clock      *epoch.ManualClock
	length     time.Duration
	vault      *vault.Vault
	collateral *token.MemoryToken
	reward     token.BalanceReader
	recon      *reconciliation.Runner
}

// NewRunner funds the vault and whitelists Staker.
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	const length = time.Second
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	clock := epoch.NewManualClock(start)
	epochs, err := epoch.New(start, length, clock)
	if err != nil {
		return nil, err
	}

	collateral := token.NewMemoryToken("STK")
	reward := token.NewMemoryToken("RWD")
	store := ledger.NewMemoryStore()
	vaultStore := vault.NewMemoryStore()
	v := vault.New(vaultStore, reward.As(Vault), logger,
		vault.WithFundingHook(func(_ context.Context, amt *uint256.Int) error {
			return reward.Mint(Vault, amt)
		}))
	gate := access.NewGate(access.NewMemoryStore(), Admin, logger)

	engine, err := staking.NewEngine(staking.Config{
		Ledger:     store,
		Vault:      v,
		Gate:       gate,
		Epochs:     epochs,
		Schedule:   cfg.Schedule,
		Collateral: collateral.As(Custody),
		Custody:    Custody,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Fund != nil && !cfg.Fund.IsZero() {
		if _, err := v.Fund(ctx, cfg.Fund); err != nil {
			return nil, fmt.Errorf("fund vault: %w", err)
		}
	}
	if err := gate.SetAllowed(ctx, Admin, Staker, true); err != nil {
		return nil, fmt.Errorf("whitelist staker: %w", err)
	}

	return &Runner{
		engine:     engine,
		clock:      clock,
		length:     length,
		vault:      v,
		collateral: collateral,
		reward:     reward,
		recon: reconciliation.NewRunner(vaultStore, store, logger).
			WithCollateral(collateral, Custody).
			WithRewardToken(reward, Vault),
	}, nil
}

// Run replays script. Collateral for each deposit is minted and approved
// just before the call. Run stops at the first failed deposit.
func (r *Runner) Run(ctx context.Context, script []Step) (*Result, error) {
	res := &Result{TotalPaid: new(uint256.Int)}

	for i, step := range script {
		if step.Deposit == nil {
			r.clock.Advance(time.Duration(step.Wait) * r.length)
			continue
		}

		if !step.Deposit.IsZero() {
			if err := r.collateral.Mint(Staker, step.Deposit); err != nil {
				return res, fmt.Errorf("step %d: mint collateral: %w", i, err)
			}
			allowance := r.collateral.Allowance(Staker, Custody)
			r.collateral.Approve(Staker, Custody, allowance.Add(allowance, step.Deposit))
		}

		receipt, err := r.engine.Deposit(ctx, Staker, step.Deposit)
		if err != nil {
			return res, fmt.Errorf("step %d: deposit %s: %w", i, amount.Format(step.Deposit), err)
		}
		res.TotalPaid.Add(res.TotalPaid, receipt.RewardPaid)

		coll, err := r.collateral.BalanceOf(ctx, Staker)
		if err != nil {
			return res, fmt.Errorf("step %d: collateral balance: %w", i, err)
		}
		rew, err := r.reward.BalanceOf(ctx, Staker)
		if err != nil {
			return res, fmt.Errorf("step %d: reward balance: %w", i, err)
		}
		res.Records = append(res.Records, Record{
			Step:       i,
			Epoch:      receipt.ToEpoch,
			Amount:     receipt.Amount,
			Elapsed:    receipt.Elapsed,
			RewardPaid: receipt.RewardPaid,
			Principal:  receipt.Principal,
			Collateral: coll,
			Reward:     rew,
		})
	}

	st, err := r.vault.State(ctx)
	if err != nil {
		return res, err
	}
	res.Vault = st

	report, err := r.recon.RunAll(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	res.Report = report
	return res, nil
}
