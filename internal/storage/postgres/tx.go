package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/storage"
)

const (
	lotSelect = `SELECT id, account_id, pool_id, original_micro::text, available_micro::text,
		reserved_micro::text, consumed_micro::text, source_type, source_id, created_at FROM lots`
	reservationSelect = `SELECT id, account_id, pool_id, reserved_micro::text, status, created_at, expires_at FROM reservations`
	entrySelect       = `SELECT id, account_id, pool_id, entry_seq, entry_type, amount_micro::text,
		idempotency_key, description, causation_id, created_at FROM ledger_entries`
	quarantineSelect = `SELECT id, original_row_id, table_name, raw_value, context, error_code,
		source_fingerprint, replayed_at, replay_attempts, last_replay_error, created_at FROM quarantine_entries`
)

// row is satisfied by both pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...any) error
}

func scanAccount(r row) (*models.Account, error) {
	var a models.Account
	if err := r.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func scanLot(r row) (*models.Lot, error) {
	var l models.Lot
	var original, available, reserved, consumed string
	err := r.Scan(&l.ID, &l.AccountID, &l.PoolID, &original, &available, &reserved, &consumed,
		&l.SourceType, &l.SourceID, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if l.OriginalMicro, err = money.Parse(original); err != nil {
		return nil, err
	}
	if l.AvailableMicro, err = money.Parse(available); err != nil {
		return nil, err
	}
	if l.ReservedMicro, err = money.Parse(reserved); err != nil {
		return nil, err
	}
	if l.ConsumedMicro, err = money.Parse(consumed); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanReservation(r row) (*models.Reservation, error) {
	var res models.Reservation
	var reserved string
	err := r.Scan(&res.ID, &res.AccountID, &res.PoolID, &reserved, &res.Status, &res.CreatedAt, &res.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	if res.ReservedMicro, err = money.Parse(reserved); err != nil {
		return nil, err
	}
	return &res, nil
}

func scanEntry(r row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var amount string
	err := r.Scan(&e.ID, &e.AccountID, &e.PoolID, &e.EntrySeq, &e.EntryType, &amount,
		&e.IdempotencyKey, &e.Description, &e.CausationID, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if e.AmountMicro, err = money.Parse(amount); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanQuarantine(r row) (*models.QuarantineEntry, error) {
	var q models.QuarantineEntry
	err := r.Scan(&q.ID, &q.OriginalRowID, &q.TableName, &q.RawValue, &q.Context, &q.ErrorCode,
		&q.SourceFingerprint, &q.ReplayedAt, &q.ReplayAttempts, &q.LastReplayError, &q.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// tx implements storage.Tx over a pgx transaction.
type tx struct {
	q pgx.Tx
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) UpsertAccount(ctx context.Context, entityType models.EntityType, entityID string) (*models.Account, error) {
	a, err := scanAccount(t.q.QueryRow(ctx, `
		INSERT INTO accounts (id, entity_type, entity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, entity_id) DO NOTHING
		RETURNING id, entity_type, entity_id, created_at
	`, uuid.New(), entityType, entityID))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	// Conflict path: the account already exists.
	return scanAccount(t.q.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, created_at FROM accounts
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID))
}

func (t *tx) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(t.q.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, created_at FROM accounts WHERE id = $1
	`, id))
}

func (t *tx) InsertLot(ctx context.Context, lot *models.Lot) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO lots (id, account_id, pool_id, original_micro, available_micro, reserved_micro, consumed_micro, source_type, source_id, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)
	`, lot.ID, lot.AccountID, lot.PoolID, lot.OriginalMicro.String(), lot.AvailableMicro.String(),
		lot.ReservedMicro.String(), lot.ConsumedMicro.String(), lot.SourceType, lot.SourceID, lot.CreatedAt)
	return err
}

func (t *tx) UpdateLot(ctx context.Context, lot *models.Lot) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE lots SET original_micro = $2::numeric, available_micro = $3::numeric,
			reserved_micro = $4::numeric, consumed_micro = $5::numeric
		WHERE id = $1
	`, lot.ID, lot.OriginalMicro.String(), lot.AvailableMicro.String(),
		lot.ReservedMicro.String(), lot.ConsumedMicro.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *tx) GetLot(ctx context.Context, id uuid.UUID) (*models.Lot, error) {
	return scanLot(t.q.QueryRow(ctx, lotSelect+` WHERE id = $1`, id))
}

func (t *tx) lots(ctx context.Context, query string, args ...any) ([]*models.Lot, error) {
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *tx) LotsForUpdate(ctx context.Context, accountID uuid.UUID, poolID string) ([]*models.Lot, error) {
	return t.lots(ctx, lotSelect+`
		WHERE account_id = $1 AND pool_id = $2 ORDER BY lot_seq FOR UPDATE
	`, accountID, poolID)
}

func (t *tx) LotsBySourceForUpdate(ctx context.Context, accountID uuid.UUID, poolID, sourceID string) ([]*models.Lot, error) {
	return t.lots(ctx, lotSelect+`
		WHERE account_id = $1 AND pool_id = $2 AND source_id = $3 ORDER BY lot_seq FOR UPDATE
	`, accountID, poolID, sourceID)
}

func (t *tx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO reservations (id, account_id, pool_id, reserved_micro, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
	`, r.ID, r.AccountID, r.PoolID, r.ReservedMicro.String(), r.Status, r.CreatedAt, r.ExpiresAt)
	return err
}

func (t *tx) ReservationForUpdate(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	return scanReservation(t.q.QueryRow(ctx, reservationSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) TransitionReservation(ctx context.Context, id uuid.UUID, from, to models.ReservationStatus) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE reservations SET status = $3 WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrStaleTransition
}

func (t *tx) InsertAllocation(ctx context.Context, a *models.Allocation) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO reservation_allocations (reservation_id, lot_id, amount_micro)
		VALUES ($1, $2, $3::numeric)
	`, a.ReservationID, a.LotID, a.AmountMicro.String())
	return err
}

func (t *tx) Allocations(ctx context.Context, reservationID uuid.UUID) ([]*models.Allocation, error) {
	rows, err := t.q.Query(ctx, `
		SELECT ra.reservation_id, ra.lot_id, ra.amount_micro::text
		FROM reservation_allocations ra
		JOIN lots l ON l.id = ra.lot_id
		WHERE ra.reservation_id = $1
		ORDER BY l.lot_seq
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Allocation
	for rows.Next() {
		var a models.Allocation
		var amt string
		if err := rows.Scan(&a.ReservationID, &a.LotID, &amt); err != nil {
			return nil, err
		}
		if a.AmountMicro, err = money.Parse(amt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (t *tx) NextEntrySeq(ctx context.Context, accountID uuid.UUID, poolID string) (int64, error) {
	var next int64
	err := t.q.QueryRow(ctx, `
		SELECT COALESCE(MAX(entry_seq), 0) + 1 FROM ledger_entries
		WHERE account_id = $1 AND pool_id = $2
	`, accountID, poolID).Scan(&next)
	return next, err
}

func (t *tx) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, pool_id, entry_seq, entry_type, amount_micro, idempotency_key, description, causation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
	`, e.ID, e.AccountID, e.PoolID, e.EntrySeq, e.EntryType, e.AmountMicro.String(),
		e.IdempotencyKey, e.Description, e.CausationID, e.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "ledger_entries_idempotency_key_key" {
		return storage.ErrDuplicateIdempotencyKey
	}
	return err
}

func (t *tx) EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	return scanEntry(t.q.QueryRow(ctx, entrySelect+` WHERE idempotency_key = $1`, key))
}

func (t *tx) InsertDebt(ctx context.Context, d *models.Debt) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO debts (id, account_id, pool_id, debt_micro, source_payment_id, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`, d.ID, d.AccountID, d.PoolID, d.DebtMicro.String(), d.SourcePaymentID, d.CreatedAt)
	return err
}

func (t *tx) InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO audit_events (id, account_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.AccountID, ev.Kind, ev.Detail, ev.CreatedAt)
	return err
}

func (t *tx) InsertQuarantine(ctx context.Context, q *models.QuarantineEntry) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO quarantine_entries (id, original_row_id, table_name, raw_value, context, error_code, source_fingerprint, replay_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_fingerprint) DO NOTHING
	`, q.ID, q.OriginalRowID, q.TableName, q.RawValue, q.Context, q.ErrorCode,
		q.SourceFingerprint, q.ReplayAttempts, q.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE quarantine_entries SET replayed_at = $2 WHERE id = $1 AND replayed_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quarantine_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (t *tx) RecordReplayFailure(ctx context.Context, id uuid.UUID, replayErr string) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE quarantine_entries
		SET replay_attempts = replay_attempts + 1, last_replay_error = $2
		WHERE id = $1
	`, id, replayErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *tx) PurgeQuarantine(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := t.q.Exec(ctx, `
		DELETE FROM quarantine_entries WHERE replayed_at IS NOT NULL AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
