package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists schedule records in PostgreSQL. Big-integer amounts
// travel as decimal strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const scheduleTableSQL = `
CREATE TABLE IF NOT EXISTS schedules (
    id BIGINT PRIMARY KEY,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    hkd_amount TEXT NOT NULL,
    vault_shares TEXT NOT NULL,
    scheduled_date TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    is_recurring BOOLEAN NOT NULL,
    recurring_day SMALLINT NOT NULL,
    status SMALLINT NOT NULL
);
`

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
	if _, err := pool.Exec(ctx, scheduleTableSQL); err != nil {
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

func (p *PostgresStore) Create(ctx context.Context, s *Schedule) (uint64, error) {
	row := p.pool.QueryRow(ctx, `
INSERT INTO schedules (id, sender, recipient, hkd_amount, vault_shares, scheduled_date, created_at, is_recurring, recurring_day, status)
SELECT COALESCE(MAX(id) + 1, 0), $1, $2, $3, $4, $5, $6, $7, $8, $9 FROM schedules
RETURNING id
`, s.Sender.Hex(), s.Recipient.Hex(), s.HKDAmount.String(), s.VaultShares.String(),
		s.ScheduledDate, s.CreatedAt, s.IsRecurring, int16(s.RecurringDay), s.Status)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	s.ID = uint64(id)
	return s.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Schedule, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, sender, recipient, hkd_amount, vault_shares, scheduled_date, created_at, is_recurring, recurring_day, status
FROM schedules
WHERE id = $1
`, int64(id))
	s, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Schedule) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE schedules SET status = $2, vault_shares = $3 WHERE id = $1
`, int64(s.ID), s.Status, s.VaultShares.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (p *PostgresStore) DueIDs(ctx context.Context, now time.Time) ([]uint64, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id FROM schedules WHERE status = $1 AND scheduled_date <= $2 ORDER BY id
`, StatusScheduled, now)
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
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM schedules`).Scan(&next); err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		s                 Schedule
		id                int64
		recurringDay      int16
		status            int16
		sender, recipient string
		hkd, shares       string
	)
	if err := row.Scan(&id, &sender, &recipient, &hkd, &shares, &s.ScheduledDate, &s.CreatedAt, &s.IsRecurring, &recurringDay, &status); err != nil {
		return nil, err
	}
	s.ID = uint64(id)
	s.Sender = common.HexToAddress(sender)
	s.Recipient = common.HexToAddress(recipient)
	s.RecurringDay = uint8(recurringDay)
	s.Status = Status(status)

	var ok bool
	if s.HKDAmount, ok = new(big.Int).SetString(hkd, 10); !ok {
		return nil, fmt.Errorf("corrupt hkd_amount %q", hkd)
	}
	if s.VaultShares, ok = new(big.Int).SetString(shares, 10); !ok {
		return nil, fmt.Errorf("corrupt vault_shares %q", shares)
	}
	return &s, nil
}
