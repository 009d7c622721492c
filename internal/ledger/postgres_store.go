package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lib/pq"

	"github.com/mbd888/epochstake/internal/amount"
)

// PostgresStore persists ledger data in PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `address, principal::TEXT, last_settled_epoch, accrued_unpaid::TEXT,
	total_reward_paid::TEXT, created_at, updated_at`

// upsertAccountSQL refuses to move last_settled_epoch backwards: the
// conflicting row is left untouched and zero rows are reported.
const upsertAccountSQL = `
	INSERT INTO stake_accounts (address, principal, last_settled_epoch, accrued_unpaid,
		total_reward_paid, created_at, updated_at)
	VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
	ON CONFLICT (address) DO UPDATE SET
		principal          = EXCLUDED.principal,
		last_settled_epoch = EXCLUDED.last_settled_epoch,
		accrued_unpaid     = EXCLUDED.accrued_unpaid,
		total_reward_paid  = EXCLUDED.total_reward_paid,
		updated_at         = EXCLUDED.updated_at
	WHERE stake_accounts.last_settled_epoch <= EXCLUDED.last_settled_epoch`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertAccount(ctx context.Context, ex execer, a *Account) error {
	result, err := ex.ExecContext(ctx, upsertAccountSQL,
		addrKey(a.Address), amount.Format(a.Principal), int64(a.LastSettledEpoch),
		amount.Format(a.AccruedUnpaid), amount.Format(a.TotalRewardPaid),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		epochRegressions.Inc()
		return ErrEpochRegression
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, addr common.Address) (*Account, error) {
	defer timed("postgres", "get")()
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM stake_accounts WHERE address = $1`, addrKey(addr))
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

func (p *PostgresStore) Upsert(ctx context.Context, acct *Account) error {
	defer timed("postgres", "upsert")()
	return upsertAccount(ctx, p.db, acct)
}

// insertAccountSQL creates the row only if no other writer created it first.
const insertAccountSQL = `
	INSERT INTO stake_accounts (address, principal, last_settled_epoch, accrued_unpaid,
		total_reward_paid, created_at, updated_at)
	VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
	ON CONFLICT (address) DO NOTHING`

// swapAccountSQL updates the row only while it still holds the state the
// caller settled from ($7..$9).
const swapAccountSQL = `
	UPDATE stake_accounts SET
		principal          = $2::NUMERIC,
		last_settled_epoch = $3,
		accrued_unpaid     = $4::NUMERIC,
		total_reward_paid  = $5::NUMERIC,
		updated_at         = $6
	WHERE address = $1
	  AND last_settled_epoch = $7
	  AND principal = $8::NUMERIC
	  AND total_reward_paid = $9::NUMERIC`

// swapAccount writes next only if the stored row still matches prev. A nil
// prev means the row must not exist yet.
func swapAccount(ctx context.Context, ex execer, prev, next *Account) error {
	var (
		result sql.Result
		err    error
	)
	if prev == nil {
		result, err = ex.ExecContext(ctx, insertAccountSQL,
			addrKey(next.Address), amount.Format(next.Principal), int64(next.LastSettledEpoch),
			amount.Format(next.AccruedUnpaid), amount.Format(next.TotalRewardPaid),
			next.CreatedAt, next.UpdatedAt,
		)
	} else {
		if next.LastSettledEpoch < prev.LastSettledEpoch {
			epochRegressions.Inc()
			return ErrEpochRegression
		}
		result, err = ex.ExecContext(ctx, swapAccountSQL,
			addrKey(next.Address), amount.Format(next.Principal), int64(next.LastSettledEpoch),
			amount.Format(next.AccruedUnpaid), amount.Format(next.TotalRewardPaid), next.UpdatedAt,
			int64(prev.LastSettledEpoch), amount.Format(prev.Principal), amount.Format(prev.TotalRewardPaid),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to write account: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrStaleAccount
	}
	return nil
}

// Apply swaps prev for next and records the settlement in one serializable
// transaction.
func (p *PostgresStore) Apply(ctx context.Context, prev, next *Account, s *Settlement) error {
	defer timed("postgres", "apply")()
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := swapAccount(ctx, tx, prev, next); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stake_settlements (id, address, from_epoch, to_epoch, reward, amount,
			principal_after, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		s.ID, addrKey(s.Account), int64(s.FromEpoch), int64(s.ToEpoch),
		amount.Format(s.Reward), amount.Format(s.Amount), amount.Format(s.PrincipalAfter),
		s.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSettle
		}
		return fmt.Errorf("failed to record settlement: %w", err)
	}

	return tx.Commit()
}

// Revert removes the settlement and restores the previous account row.
func (p *PostgresStore) Revert(ctx context.Context, addr common.Address, prev *Account, settlementID string) error {
	defer timed("postgres", "revert")()
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM stake_settlements WHERE id = $1`, settlementID)
	if err != nil {
		return fmt.Errorf("failed to delete settlement: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrSettlementNotFound
	}

	if prev == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM stake_accounts WHERE address = $1`, addrKey(addr))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE stake_accounts SET principal = $2::NUMERIC, last_settled_epoch = $3,
				accrued_unpaid = $4::NUMERIC, total_reward_paid = $5::NUMERIC, updated_at = $6
			WHERE address = $1`,
			addrKey(addr), amount.Format(prev.Principal), int64(prev.LastSettledEpoch),
			amount.Format(prev.AccruedUnpaid), amount.Format(prev.TotalRewardPaid), prev.UpdatedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to restore account: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM stake_accounts
		ORDER BY created_at ASC, address ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stake_accounts`).Scan(&n)
	return n, err
}

func (p *PostgresStore) TotalPrincipal(ctx context.Context) (*uint256.Int, error) {
	var total string
	if err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(principal), 0)::TEXT FROM stake_accounts`).Scan(&total); err != nil {
		return nil, err
	}
	return amount.Parse(total)
}

func (p *PostgresStore) History(ctx context.Context, addr common.Address, limit int) ([]*Settlement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, from_epoch, to_epoch, reward::TEXT, amount::TEXT,
			principal_after::TEXT, created_at
		FROM stake_settlements
		WHERE address = $1
		ORDER BY seq DESC
		LIMIT $2`, addrKey(addr), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Settlement
	for rows.Next() {
		var (
			s                        Settlement
			address                  string
			from, to                 int64
			reward, amt, principalAt string
		)
		if err := rows.Scan(&s.ID, &address, &from, &to, &reward, &amt, &principalAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Account = common.HexToAddress(address)
		s.FromEpoch, s.ToEpoch = uint64(from), uint64(to)
		if s.Reward, err = amount.Parse(reward); err != nil {
			return nil, err
		}
		if s.Amount, err = amount.Parse(amt); err != nil {
			return nil, err
		}
		if s.PrincipalAfter, err = amount.Parse(principalAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		a                          Account
		address                    string
		epoch                      int64
		principal, accrued, earned string
	)
	if err := row.Scan(&address, &principal, &epoch, &accrued, &earned, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Address = common.HexToAddress(address)
	a.LastSettledEpoch = uint64(epoch)

	var err error
	if a.Principal, err = amount.Parse(principal); err != nil {
		return nil, err
	}
	if a.AccruedUnpaid, err = amount.Parse(accrued); err != nil {
		return nil, err
	}
	if a.TotalRewardPaid, err = amount.Parse(earned); err != nil {
		return nil, err
	}
	return &a, nil
}

// addrKey is the canonical lower-case column value for an address.
func addrKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
