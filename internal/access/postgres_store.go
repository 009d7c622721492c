package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresStore persists the whitelist in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed whitelist.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, account common.Address) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, allowed, updated_by, updated_at
		FROM access_whitelist WHERE address = $1`, addrKey(account))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *PostgresStore) Put(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO access_whitelist (address, allowed, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			allowed = EXCLUDED.allowed,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		addrKey(e.Account), e.Allowed, addrKey(e.UpdatedBy), e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update whitelist: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, allowed, updated_by, updated_at
		FROM access_whitelist ORDER BY address ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var account, updatedBy string
	if err := row.Scan(&account, &e.Allowed, &updatedBy, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Account = common.HexToAddress(account)
	e.UpdatedBy = common.HexToAddress(updatedBy)
	return &e, nil
}

func addrKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
