package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/lib/pq"

	"github.com/mbd888/epochstake/internal/amount"
)

// PostgresStore persists the vault in PostgreSQL. The vault_state row is a
// singleton created by the migrations; its CHECK constraints back the
// non-negative balance and conservation invariants.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed vault store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) State(ctx context.Context) (*State, error) {
	return scanState(p.db.QueryRowContext(ctx, selectStateSQL))
}

const selectStateSQL = `
	SELECT balance::TEXT, held::TEXT, total_funded::TEXT, total_paid::TEXT, updated_at
	FROM vault_state WHERE id = 1`

func (p *PostgresStore) Fund(ctx context.Context, amt *uint256.Int, ref string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vault_fundings (reference, amount) VALUES ($1, $2::NUMERIC)`,
		ref, amount.Format(amt)); err != nil {
		return mapUniqueViolation(err, "failed to record funding")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE vault_state SET
			balance = balance + $1::NUMERIC,
			total_funded = total_funded + $1::NUMERIC,
			updated_at = NOW()
		WHERE id = 1`, amount.Format(amt)); err != nil {
		return fmt.Errorf("failed to fund vault: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Hold(ctx context.Context, amt *uint256.Int, ref string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Guarded update: zero rows means the available balance is short.
	result, err := tx.ExecContext(ctx, `
		UPDATE vault_state SET held = held + $1::NUMERIC, updated_at = NOW()
		WHERE id = 1 AND balance - held >= $1::NUMERIC`, amount.Format(amt))
	if err != nil {
		return fmt.Errorf("failed to hold reward: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInsufficientVaultFunds
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vault_holds (reference, amount, status) VALUES ($1, $2::NUMERIC, 'held')`,
		ref, amount.Format(amt)); err != nil {
		return mapUniqueViolation(err, "failed to record hold")
	}

	return tx.Commit()
}

func (p *PostgresStore) ConfirmHold(ctx context.Context, ref string) error {
	return p.resolve(ctx, ref, HoldStatusConfirmed)
}

func (p *PostgresStore) ReleaseHold(ctx context.Context, ref string) error {
	return p.resolve(ctx, ref, HoldStatusReleased)
}

func (p *PostgresStore) resolve(ctx context.Context, ref string, to HoldStatus) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var amt string
	err = tx.QueryRowContext(ctx, `
		UPDATE vault_holds SET status = $2, resolved_at = NOW()
		WHERE reference = $1 AND status = 'held'
		RETURNING amount::TEXT`, ref, string(to)).Scan(&amt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrHoldNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve hold: %w", err)
	}

	stmt := `UPDATE vault_state SET held = held - $1::NUMERIC, updated_at = NOW() WHERE id = 1`
	if to == HoldStatusConfirmed {
		stmt = `UPDATE vault_state SET
			held = held - $1::NUMERIC,
			balance = balance - $1::NUMERIC,
			total_paid = total_paid + $1::NUMERIC,
			updated_at = NOW()
		WHERE id = 1`
	}
	if _, err := tx.ExecContext(ctx, stmt, amt); err != nil {
		return fmt.Errorf("failed to update vault state: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHold(ctx context.Context, ref string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT reference, amount::TEXT, status, created_at, resolved_at
		FROM vault_holds WHERE reference = $1`, ref)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, err
}

func (p *PostgresStore) OpenHolds(ctx context.Context) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT reference, amount::TEXT, status, created_at, resolved_at
		FROM vault_holds WHERE status = 'held'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*State, error) {
	var s State
	var balance, held, funded, paid string
	if err := row.Scan(&balance, &held, &funded, &paid, &s.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	for _, f := range []struct {
		dst **uint256.Int
		src string
	}{{&s.Balance, balance}, {&s.Held, held}, {&s.TotalFunded, funded}, {&s.TotalPaid, paid}} {
		if *f.dst, err = amount.Parse(f.src); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func scanHold(row scanner) (*Hold, error) {
	var (
		h        Hold
		amt      string
		status   string
		resolved sql.NullTime
	)
	if err := row.Scan(&h.Reference, &amt, &status, &h.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	var err error
	if h.Amount, err = amount.Parse(amt); err != nil {
		return nil, err
	}
	h.Status = HoldStatus(status)
	if resolved.Valid {
		h.ResolvedAt = &resolved.Time
	}
	return &h, nil
}

func mapUniqueViolation(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateReference
	}
	return fmt.Errorf("%s: %w", msg, err)
}
