package remit

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists remittance records in a PostgreSQL table. Amounts
// are stored as decimal strings so 18-decimal base units survive untouched.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const remitTableSQL = `
CREATE TABLE IF NOT EXISTS remittances (
    id BIGINT PRIMARY KEY,
    kind SMALLINT NOT NULL,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    hkd_amount TEXT NOT NULL,
    php_amount TEXT NOT NULL,
    fee TEXT NOT NULL,
    locked_rate BIGINT NOT NULL,
    payment_ref TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    status SMALLINT NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, remitTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, rec *Remittance) (uint64, error) {
	row := p.pool.QueryRow(ctx, `
INSERT INTO remittances (id, kind, sender, recipient, hkd_amount, php_amount, fee, locked_rate, payment_ref, created_at, status)
SELECT COALESCE(MAX(id) + 1, 0), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10 FROM remittances
RETURNING id
`, rec.Kind, rec.Sender.Hex(), rec.Recipient.Hex(),
		rec.HKDAmount.String(), rec.PHPAmount.String(), rec.Fee.String(),
		int64(rec.LockedRate), rec.PaymentRef.Hex(), rec.CreatedAt, rec.Status)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	rec.ID = uint64(id)
	return rec.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Remittance, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, kind, sender, recipient, hkd_amount, php_amount, fee, locked_rate, payment_ref, created_at, status
FROM remittances
WHERE id = $1
`, int64(id))
	rec, err := scanRemittance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (p *PostgresStore) Update(ctx context.Context, rec *Remittance) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE remittances SET status = $2 WHERE id = $1
`, int64(rec.ID), rec.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRemittanceNotFound
	}
	return nil
}

func (p *PostgresStore) PendingIDs(ctx context.Context) ([]uint64, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id FROM remittances WHERE status = $1 ORDER BY id
`, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var next int64
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM remittances`).Scan(&next); err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func scanRemittance(row pgx.Row) (*Remittance, error) {
	var (
		rec                 Remittance
		id, lockedRate      int64
		kind, status        int16
		sender, recipient   string
		hkd, php, fee, pref string
	)
	if err := row.Scan(&id, &kind, &sender, &recipient, &hkd, &php, &fee, &lockedRate, &pref, &rec.CreatedAt, &status); err != nil {
		return nil, err
	}
	rec.ID = uint64(id)
	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	rec.Sender = common.HexToAddress(sender)
	rec.Recipient = common.HexToAddress(recipient)
	rec.LockedRate = uint64(lockedRate)
	rec.PaymentRef = common.HexToHash(pref)

	var ok bool
	if rec.HKDAmount, ok = new(big.Int).SetString(hkd, 10); !ok {
		return nil, fmt.Errorf("corrupt hkd_amount %q", hkd)
	}
	if rec.PHPAmount, ok = new(big.Int).SetString(php, 10); !ok {
		return nil, fmt.Errorf("corrupt php_amount %q", php)
	}
	if rec.Fee, ok = new(big.Int).SetString(fee, 10); !ok {
		return nil, fmt.Errorf("corrupt fee %q", fee)
	}
	return &rec, nil
}
