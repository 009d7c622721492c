// Package reconciliation checks that the vault's books, the ledger and the
// token balances backing them agree.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/amount"
	"github.com/mbd888/epochstake/internal/token"
	"github.com/mbd888/epochstake/internal/vault"
)

// VaultBooks is the read side of the vault store.
type VaultBooks interface {
	State(ctx context.Context) (*vault.State, error)
	OpenHolds(ctx context.Context) ([]*vault.Hold, error)
}

// PrincipalSummer returns the principal recorded across all accounts.
type PrincipalSummer interface {
	TotalPrincipal(ctx context.Context) (*uint256.Int, error)
}

// Check is the outcome of one conservation check.
type Check struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Report summarizes one reconciliation run.
type Report struct {
	Checks     []Check       `json:"checks"`
	Mismatches int           `json:"mismatches"`
	OpenHolds  int           `json:"openHolds"`
	StaleHolds int           `json:"staleHolds"`
	Healthy    bool          `json:"healthy"`
	Duration   time.Duration `json:"durationMs"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Runner performs reconciliation runs.
type Runner struct {
	books     VaultBooks
	principal PrincipalSummer
	logger    *slog.Logger
	holdGrace time.Duration

	collateral token.BalanceReader
	custody    common.Address
	reward     token.BalanceReader
	vaultAddr  common.Address

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a runner over the vault books and the ledger.
func NewRunner(books VaultBooks, principal PrincipalSummer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		books:     books,
		principal: principal,
		logger:    logger,
		holdGrace: 5 * time.Minute,
	}
}

// WithCollateral enables the custody check: the custody account must hold at
// least the ledger's total principal.
func (r *Runner) WithCollateral(reader token.BalanceReader, custody common.Address) *Runner {
	r.collateral = reader
	r.custody = custody
	return r
}

// WithRewardToken enables the vault backing check: the vault's token balance
// must cover its booked balance.
func (r *Runner) WithRewardToken(reader token.BalanceReader, vaultAddr common.Address) *Runner {
	r.reward = reader
	r.vaultAddr = vaultAddr
	return r
}

// WithHoldGrace sets how long a hold may stay open before it is reported stale.
func (r *Runner) WithHoldGrace(d time.Duration) *Runner {
	r.holdGrace = d
	return r
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunAll runs every configured check.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report, err := r.run(ctx, start)
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	reconcileMismatches.Set(float64(report.Mismatches))
	reconcileOpenHolds.Set(float64(report.OpenHolds))
	reconcileStaleHolds.Set(float64(report.StaleHolds))

	if report.Healthy {
		r.logger.Info("reconciliation passed", "checks", len(report.Checks), "openHolds", report.OpenHolds)
	} else {
		for _, c := range report.Checks {
			if !c.OK {
				r.logger.Error("reconciliation mismatch", "check", c.Name, "expected", c.Expected, "actual", c.Actual)
			}
		}
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

func (r *Runner) run(ctx context.Context, start time.Time) (*Report, error) {
	state, err := r.books.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault state: %w", err)
	}
	holds, err := r.books.OpenHolds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open holds: %w", err)
	}
	principal, err := r.principal.TotalPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum principal: %w", err)
	}

	report := &Report{Timestamp: start, OpenHolds: len(holds)}
	add := func(name string, ok bool, expected, actual *uint256.Int) {
		c := Check{Name: name, OK: ok}
		if !ok {
			c.Expected, c.Actual = amount.Format(expected), amount.Format(actual)
			report.Mismatches++
		}
		report.Checks = append(report.Checks, c)
	}

	add("paid_within_funded", !state.TotalPaid.Gt(state.TotalFunded), state.TotalFunded, state.TotalPaid)

	// Balance == TotalFunded - TotalPaid. Compared as a sum so an overpaid
	// vault cannot wrap.
	booked := new(uint256.Int).Add(state.Balance, state.TotalPaid)
	add("balance_equation", booked.Eq(state.TotalFunded), state.TotalFunded, booked)

	add("held_within_balance", !state.Held.Gt(state.Balance), state.Balance, state.Held)

	heldSum := new(uint256.Int)
	for _, h := range holds {
		heldSum.Add(heldSum, h.Amount)
		if r.holdGrace > 0 && start.Sub(h.CreatedAt) > r.holdGrace {
			report.StaleHolds++
		}
	}
	add("held_matches_open_holds", heldSum.Eq(state.Held), state.Held, heldSum)
	add("no_stale_holds", report.StaleHolds == 0,
		new(uint256.Int), uint256.NewInt(uint64(report.StaleHolds)))

	if r.collateral != nil {
		custody, err := r.collateral.BalanceOf(ctx, r.custody)
		if err != nil {
			return nil, fmt.Errorf("failed to read custody balance: %w", err)
		}
		add("custody_covers_principal", !custody.Lt(principal), principal, custody)
	}

	if r.reward != nil {
		held, err := r.reward.BalanceOf(ctx, r.vaultAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read vault token balance: %w", err)
		}
		add("tokens_cover_vault", !held.Lt(state.Balance), state.Balance, held)
	}

	report.Healthy = report.Mismatches == 0
	report.Duration = time.Since(start)
	return report, nil
}
