// Package storage defines the persistence port for the credit ledger.
//
// The ledger log and its materialized lot/reservation projection are updated
// through a single unit-of-work (Tx), so a multi-row mutation either fully
// applies or fully rolls back. Backends: postgres for production, memory for
// tests and ephemeral runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateIdempotencyKey is returned by InsertEntry when the entry's
// idempotency key is already present. The original entry is the idempotency
// record; callers resolve it with EntryByIdempotencyKey.
var ErrDuplicateIdempotencyKey = errors.New("storage: duplicate idempotency key")

// ErrStaleTransition is returned by TransitionReservation when the
// reservation is not in the expected source status. Terminal states are
// absorbing, so this is how attempted double-finalizes surface.
var ErrStaleTransition = errors.New("storage: reservation not in expected status")

// Balance is the lot-summed balance of one account/pool.
type Balance struct {
	AvailableMicro money.Micro `json:"available_micro"`
	ReservedMicro  money.Micro `json:"reserved_micro"`
}

// Snapshot is a consistent read-only view of the whole data model, taken for
// reconciliation. Mutating a snapshot has no effect on storage.
type Snapshot struct {
	TakenAt      time.Time
	Accounts     []*models.Account
	Lots         []*models.Lot
	Reservations []*models.Reservation
	Allocations  []*models.Allocation
	Entries      []*models.LedgerEntry
	Debts        []*models.Debt
	Quarantine   []*models.QuarantineEntry
}

// Store is the ledger's storage port.
type Store interface {
	// WithinTx runs fn inside one atomic transaction. If fn returns an
	// error the transaction rolls back and the error is returned.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Read-only operations. These never observe an in-progress
	// transaction's intermediate state.
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetAccountByEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.Account, error)
	GetLot(ctx context.Context, id uuid.UUID) (*models.Lot, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	GetBalance(ctx context.Context, accountID uuid.UUID, poolID string) (Balance, error)
	EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)
	ExpiredPendingReservations(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error)
	UnreplayedQuarantine(ctx context.Context, limit int) ([]*models.QuarantineEntry, error)
	Snapshot(ctx context.Context) (*Snapshot, error)

	// SeenReportID reports whether a usage-report token identifier was
	// already accepted.
	SeenReportID(ctx context.Context, jti string) (bool, error)

	// RecordReportID records an accepted usage-report token identifier.
	// It returns false without error when jti was already recorded. This
	// runs outside the finalize transaction: it is the replay defense, not
	// part of the ledger mutation.
	RecordReportID(ctx context.Context, jti string, reservationID uuid.UUID) (bool, error)
}

// Tx is the set of mutations available inside a unit-of-work. Row-locking
// reads (ForUpdate variants) pin rows for the remainder of the transaction.
type Tx interface {
	// UpsertAccount creates the account on first use and returns the
	// existing row on every later call. Idempotent on (entityType, entityID).
	UpsertAccount(ctx context.Context, entityType models.EntityType, entityID string) (*models.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)

	InsertLot(ctx context.Context, lot *models.Lot) error
	UpdateLot(ctx context.Context, lot *models.Lot) error
	GetLot(ctx context.Context, id uuid.UUID) (*models.Lot, error)
	// LotsForUpdate returns the account/pool's lots locked for update, in
	// allocation order: oldest first, id as tie-break.
	LotsForUpdate(ctx context.Context, accountID uuid.UUID, poolID string) ([]*models.Lot, error)
	// LotsBySourceForUpdate returns the locked lots minted from sourceID.
	LotsBySourceForUpdate(ctx context.Context, accountID uuid.UUID, poolID, sourceID string) ([]*models.Lot, error)

	InsertReservation(ctx context.Context, r *models.Reservation) error
	// ReservationForUpdate locks the reservation row.
	ReservationForUpdate(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	// TransitionReservation moves the reservation from one status to
	// another, failing with ErrStaleTransition unless it currently holds
	// the from status.
	TransitionReservation(ctx context.Context, id uuid.UUID, from, to models.ReservationStatus) error
	InsertAllocation(ctx context.Context, a *models.Allocation) error
	Allocations(ctx context.Context, reservationID uuid.UUID) ([]*models.Allocation, error)

	// NextEntrySeq returns the next monotonic sequence number for the
	// account/pool ledger stream.
	NextEntrySeq(ctx context.Context, accountID uuid.UUID, poolID string) (int64, error)
	InsertEntry(ctx context.Context, e *models.LedgerEntry) error
	EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)

	InsertDebt(ctx context.Context, d *models.Debt) error
	InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error

	// InsertQuarantine inserts unless an entry with the same source
	// fingerprint exists; returns whether a row was inserted.
	InsertQuarantine(ctx context.Context, q *models.QuarantineEntry) (bool, error)
	// MarkReplayed stamps the entry replayed unless it already is; returns
	// whether this call performed the stamp.
	MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// RecordReplayFailure increments the attempt counter and stores the
	// error without marking the entry replayed.
	RecordReplayFailure(ctx context.Context, id uuid.UUID, replayErr string) error
	// PurgeQuarantine deletes replayed entries created before cutoff and
	// returns how many rows it removed.
	PurgeQuarantine(ctx context.Context, cutoff time.Time) (int64, error)
}
