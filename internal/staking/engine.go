package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/amount"
	"github.com/mbd888/epochstake/internal/epoch"
	"github.com/mbd888/epochstake/internal/idgen"
	"github.com/mbd888/epochstake/internal/ledger"
	"github.com/mbd888/epochstake/internal/logging"
	"github.com/mbd888/epochstake/internal/syncutil"
	"github.com/mbd888/epochstake/internal/traces"
	"github.com/mbd888/epochstake/internal/vault"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Ledger     ledger.Store
	Vault      RewardVault
	Gate       AccessGate
	Epochs     EpochSource
	Schedule   Schedule
	Collateral Collateral
	// Custody receives pulled collateral. Collateral must be able to spend
	// from it to refund an unwound deposit.
	Custody common.Address
	Logger  *slog.Logger
}

// Engine settles deposits against the ledger and the reward vault.
type Engine struct {
	ledger     ledger.Store
	vault      RewardVault
	gate       AccessGate
	epochs     EpochSource
	schedule   Schedule
	collateral Collateral
	custody    common.Address
	locks      *syncutil.AccountLocks
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, errors.New("staking: ledger store required")
	case cfg.Vault == nil:
		return nil, errors.New("staking: reward vault required")
	case cfg.Gate == nil:
		return nil, errors.New("staking: access gate required")
	case cfg.Epochs == nil:
		return nil, errors.New("staking: epoch source required")
	case cfg.Schedule == nil:
		return nil, errors.New("staking: rate schedule required")
	case cfg.Collateral == nil:
		return nil, errors.New("staking: collateral token required")
	case cfg.Custody == (common.Address{}):
		return nil, errors.New("staking: custody address required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:     cfg.Ledger,
		vault:      cfg.Vault,
		gate:       cfg.Gate,
		epochs:     cfg.Epochs,
		schedule:   cfg.Schedule,
		collateral: cfg.Collateral,
		custody:    cfg.Custody,
		locks:      syncutil.NewAccountLocks(0),
		logger:     logger,
		now:        time.Now,
	}, nil
}

type depositKey struct{}

// inDeposit reports whether ctx descends from a Deposit call. Collaborators
// receive the deposit's context, so a token that calls back into the engine
// is caught here rather than deadlocking on the account lock.
func inDeposit(ctx context.Context) bool {
	_, ok := ctx.Value(depositKey{}).(common.Address)
	return ok
}

// Deposit settles accrued reward for account and adds amt to its principal.
// A zero amount settles reward only. On error nothing has changed.
func (e *Engine) Deposit(ctx context.Context, account common.Address, amt *uint256.Int) (*Receipt, error) {
	if inDeposit(ctx) {
		depositsTotal.WithLabelValues(ErrorCode(ErrReentrantCall)).Inc()
		return nil, ErrReentrantCall
	}
	ctx = context.WithValue(ctx, depositKey{}, account)

	ctx, span := traces.StartSpan(ctx, "staking.Deposit",
		traces.Account(account.Hex()), traces.Amount(amount.Format(amt)))
	defer span.End()

	start := time.Now()
	receipt, err := e.deposit(ctx, account, amt)
	depositDuration.Observe(time.Since(start).Seconds())
	depositsTotal.WithLabelValues(ErrorCode(err)).Inc()

	if err != nil {
		traces.Fail(span, err, ErrorCode(err))
		return nil, err
	}

	span.SetAttributes(traces.SettlementID(receipt.SettlementID), traces.Epoch(receipt.ToEpoch),
		traces.Elapsed(receipt.Elapsed))
	rewardPaidTotal.Add(receipt.RewardPaid.Float64())
	elapsedEpochs.Observe(float64(receipt.Elapsed))
	return receipt, nil
}

func (e *Engine) deposit(ctx context.Context, account common.Address, amt *uint256.Int) (*Receipt, error) {
	if amt == nil {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	if account == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero account", ErrUnauthorized)
	}

	allowed, err := e.gate.IsAllowed(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to check whitelist: %w", err)
	}
	if !allowed {
		return nil, ErrUnauthorized
	}

	unlock, err := e.locks.Lock(ctx, account)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.currentEpoch()
	if err != nil {
		return nil, err
	}

	prev, err := e.ledger.Get(ctx, account)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	from, reward, err := e.accrued(prev, current)
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := prev.Clone()
	if next == nil {
		next = ledger.NewAccount(account, current, now)
	}
	if _, overflow := next.Principal.AddOverflow(next.Principal, amt); overflow {
		return nil, fmt.Errorf("%w: principal", ErrOverflow)
	}
	if _, overflow := next.TotalRewardPaid.AddOverflow(next.TotalRewardPaid, reward); overflow {
		return nil, fmt.Errorf("%w: lifetime reward", ErrOverflow)
	}
	next.LastSettledEpoch = current
	next.UpdatedAt = now

	settlement := &ledger.Settlement{
		ID:             idgen.WithPrefix("stl_"),
		Account:        account,
		FromEpoch:      from,
		ToEpoch:        current,
		Reward:         reward,
		Amount:         amount.OrZero(amt),
		PrincipalAfter: amount.OrZero(next.Principal),
		CreatedAt:      now,
	}
	ctx = logging.WithAttrs(ctx, slog.String("account", account.Hex()), slog.String("settlement", settlement.ID))
	log := logging.L(ctx)

	// Reserve reward first: a short vault fails before any state changes.
	if err := e.vault.Hold(ctx, reward, settlement.ID); err != nil {
		if errors.Is(err, vault.ErrInsufficientVaultFunds) {
			return nil, fmt.Errorf("%w: need %s", ErrInsufficientVaultFunds, reward.Dec())
		}
		return nil, fmt.Errorf("failed to reserve reward: %w", err)
	}

	// Effects before interactions: the ledger reflects this settlement before
	// any token call can observe it.
	if err := e.ledger.Apply(ctx, prev, next, settlement); err != nil {
		e.releaseHold(ctx, log, settlement.ID)
		if errors.Is(err, ledger.ErrStaleAccount) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
		}
		return nil, fmt.Errorf("failed to update ledger: %w", err)
	}

	if !amt.IsZero() {
		if err := e.collateral.TransferFrom(ctx, account, e.custody, amt); err != nil {
			e.revertLedger(ctx, log, account, prev, settlement.ID)
			e.releaseHold(ctx, log, settlement.ID)
			return nil, fmt.Errorf("%w: %v", ErrCollateralTransferFailed, err)
		}
	}

	if err := e.vault.Settle(ctx, account, settlement.ID); err != nil {
		if !amt.IsZero() {
			if refundErr := e.collateral.Transfer(ctx, account, amt); refundErr != nil {
				log.Error("CRITICAL: reward payout failed and collateral refund failed",
					"amount", amount.Format(amt), "error", refundErr)
			}
		}
		e.revertLedger(ctx, log, account, prev, settlement.ID)
		e.releaseHold(ctx, log, settlement.ID)
		return nil, fmt.Errorf("%w: %v", ErrRewardTransferFailed, err)
	}

	log.Info("deposit settled",
		"amount", amount.Format(amt),
		"reward", reward.Dec(),
		"fromEpoch", from,
		"toEpoch", current,
		"principal", next.Principal.Dec(),
	)

	return &Receipt{
		SettlementID: settlement.ID,
		Account:      account,
		Amount:       amount.OrZero(amt),
		Principal:    amount.OrZero(next.Principal),
		RewardPaid:   reward,
		FromEpoch:    from,
		ToEpoch:      current,
		Elapsed:      current - from,
		SettledAt:    now,
	}, nil
}

// accrued returns the settlement's start epoch and the reward owed for the
// epochs since. A new account starts at current with nothing owed.
func (e *Engine) accrued(acct *ledger.Account, current uint64) (uint64, *uint256.Int, error) {
	if acct == nil {
		return current, new(uint256.Int), nil
	}
	if current < acct.LastSettledEpoch {
		return 0, nil, fmt.Errorf("%w: epoch %d, last settled %d", ErrInvalidTime, current, acct.LastSettledEpoch)
	}
	reward, err := AccruedReward(acct.Principal, acct.LastSettledEpoch, current, e.schedule)
	if err != nil {
		return 0, nil, err
	}
	return acct.LastSettledEpoch, reward, nil
}

func (e *Engine) currentEpoch() (uint64, error) {
	current, err := e.epochs.Current()
	if errors.Is(err, epoch.ErrInvalidTime) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTime, err)
	}
	return current, err
}

func (e *Engine) releaseHold(ctx context.Context, log *slog.Logger, ref string) {
	if err := e.vault.Release(ctx, ref); err != nil {
		log.Error("CRITICAL: failed to release reward hold", "reference", ref, "error", err)
	}
}

func (e *Engine) revertLedger(ctx context.Context, log *slog.Logger, account common.Address, prev *ledger.Account, settlementID string) {
	if err := e.ledger.Revert(ctx, account, prev, settlementID); err != nil {
		log.Error("CRITICAL: failed to revert ledger after aborted deposit", "error", err)
	}
}

// BalanceOf returns account's principal, zero for unknown accounts.
func (e *Engine) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	acct, err := e.ledger.Get(ctx, account)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return acct.Principal, nil
}

// Pending is the reward a deposit made now would pay.
type Pending struct {
	Account      common.Address
	Principal    *uint256.Int
	Reward       *uint256.Int
	FromEpoch    uint64
	CurrentEpoch uint64
	Elapsed      uint64
}

// PendingReward computes what a deposit at the current epoch would pay,
// without changing anything.
func (e *Engine) PendingReward(ctx context.Context, account common.Address) (*Pending, error) {
	current, err := e.currentEpoch()
	if err != nil {
		return nil, err
	}
	acct, err := e.ledger.Get(ctx, account)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return &Pending{
			Account:      account,
			Principal:    new(uint256.Int),
			Reward:       new(uint256.Int),
			FromEpoch:    current,
			CurrentEpoch: current,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	from, reward, err := e.accrued(acct, current)
	if err != nil {
		return nil, err
	}
	return &Pending{
		Account:      account,
		Principal:    acct.Principal,
		Reward:       reward,
		FromEpoch:    from,
		CurrentEpoch: current,
		Elapsed:      current - from,
	}, nil
}

// Account returns the ledger state of account.
func (e *Engine) Account(ctx context.Context, account common.Address) (*ledger.Account, error) {
	acct, err := e.ledger.Get(ctx, account)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

// History returns account's settlements, newest first.
func (e *Engine) History(ctx context.Context, account common.Address, limit int) ([]*ledger.Settlement, error) {
	return e.ledger.History(ctx, account, limit)
}

// CurrentEpoch returns the epoch deposits would settle at now.
func (e *Engine) CurrentEpoch() (uint64, error) {
	return e.currentEpoch()
}

// VaultState returns a snapshot of the reward vault.
func (e *Engine) VaultState(ctx context.Context) (*vault.State, error) {
	return e.vault.State(ctx)
}

// Schedule returns the rate schedule.
func (e *Engine) Schedule() Schedule {
	return e.schedule
}
