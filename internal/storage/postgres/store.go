// Package postgres implements the storage port on PostgreSQL via pgx.
// Every unit-of-work runs as a serializable transaction; allocation-order
// reads take row locks so concurrent reserve/finalize calls serialize per
// account.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/storage"
)

// Store is the PostgreSQL storage backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New returns a Store over the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithinTx runs fn inside one serializable transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer pgtx.Rollback(ctx)
	if err := fn(&tx{q: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, created_at FROM accounts WHERE id = $1
	`, id))
}

func (s *Store) GetAccountByEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, created_at FROM accounts
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID))
}

func (s *Store) GetLot(ctx context.Context, id uuid.UUID) (*models.Lot, error) {
	return scanLot(s.pool.QueryRow(ctx, lotSelect+` WHERE id = $1`, id))
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	return scanReservation(s.pool.QueryRow(ctx, reservationSelect+` WHERE id = $1`, id))
}

func (s *Store) GetBalance(ctx context.Context, accountID uuid.UUID, poolID string) (storage.Balance, error) {
	var avail, reserved string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(available_micro), 0)::text, COALESCE(SUM(reserved_micro), 0)::text
		FROM lots WHERE account_id = $1 AND pool_id = $2
	`, accountID, poolID).Scan(&avail, &reserved)
	if err != nil {
		return storage.Balance{}, err
	}
	b := storage.Balance{}
	if b.AvailableMicro, err = money.Parse(avail); err != nil {
		return storage.Balance{}, err
	}
	if b.ReservedMicro, err = money.Parse(reserved); err != nil {
		return storage.Balance{}, err
	}
	return b, nil
}

func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	return scanEntry(s.pool.QueryRow(ctx, entrySelect+` WHERE idempotency_key = $1`, key))
}

func (s *Store) ExpiredPendingReservations(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM reservations
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UnreplayedQuarantine(ctx context.Context, limit int) ([]*models.QuarantineEntry, error) {
	rows, err := s.pool.Query(ctx, quarantineSelect+`
		WHERE replayed_at IS NULL ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.QuarantineEntry
	for rows.Next() {
		q, err := scanQuarantine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Snapshot reads every table inside one repeatable-read transaction so the
// conservation checks see a consistent view.
func (s *Store) Snapshot(ctx context.Context) (*storage.Snapshot, error) {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer pgtx.Rollback(ctx)

	snap := &storage.Snapshot{TakenAt: time.Now().UTC()}

	rows, err := pgtx.Query(ctx, `SELECT id, entity_type, entity_id, created_at FROM accounts`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Accounts = append(snap.Accounts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pgtx.Query(ctx, lotSelect+` ORDER BY lot_seq`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Lots = append(snap.Lots, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pgtx.Query(ctx, reservationSelect)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Reservations = append(snap.Reservations, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pgtx.Query(ctx, `SELECT reservation_id, lot_id, amount_micro::text FROM reservation_allocations`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var a models.Allocation
		var amt string
		if err := rows.Scan(&a.ReservationID, &a.LotID, &amt); err != nil {
			rows.Close()
			return nil, err
		}
		if a.AmountMicro, err = money.Parse(amt); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Allocations = append(snap.Allocations, &a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pgtx.Query(ctx, entrySelect+` ORDER BY account_id, pool_id, entry_seq`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Entries = append(snap.Entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pgtx.Query(ctx, `SELECT id, account_id, pool_id, debt_micro::text, source_payment_id, created_at FROM debts`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var d models.Debt
		var amt string
		if err := rows.Scan(&d.ID, &d.AccountID, &d.PoolID, &amt, &d.SourcePaymentID, &d.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if d.DebtMicro, err = money.Parse(amt); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Debts = append(snap.Debts, &d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pgtx.Query(ctx, quarantineSelect)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		q, err := scanQuarantine(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Quarantine = append(snap.Quarantine, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snap, pgtx.Commit(ctx)
}

func (s *Store) SeenReportID(ctx context.Context, jti string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM usage_report_ids WHERE jti = $1)
	`, jti).Scan(&seen)
	if err != nil {
		return false, err
	}
	return seen, nil
}

func (s *Store) RecordReportID(ctx context.Context, jti string, reservationID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO usage_report_ids (jti, reservation_id) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, reservationID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
