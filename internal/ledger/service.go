// Package ledger implements the credit ledger core: lot-based balance
// accounting with mint, reserve, finalize, release and clawback.
//
// The append-only ledger log is the system of record; lots and reservations
// are its materialized projection. Both are written inside one storage
// transaction so they cannot drift.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/storage"
)

// DefaultReservationTTL bounds how long a reservation may stay pending
// before the expiry sweep releases it.
const DefaultReservationTTL = 15 * time.Minute

// Service is the ledger core. All mutating operations run inside a single
// storage transaction: they either fully apply or leave no trace.
type Service struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithReservationTTL overrides the pending-reservation lifetime.
func WithReservationTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a ledger Service over the given store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		ttl:   DefaultReservationTTL,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying storage port to read-only collaborators
// (reconciliation, the boundary's reservation lookup).
func (s *Service) Store() storage.Store { return s.store }

// CreateAccount returns the account for (entityType, entityID), creating it
// on first use. Idempotent.
func (s *Service) CreateAccount(ctx context.Context, entityType models.EntityType, entityID string) (*models.Account, error) {
	if !models.ValidEntityType(entityType) || entityID == "" {
		return nil, ErrInvalidEntity
	}
	var account *models.Account
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		account, err = tx.UpsertAccount(ctx, entityType, entityID)
		return err
	})
	return account, err
}

// MintParams carries the optional fields of MintLot.
type MintParams struct {
	PoolID         string
	SourceID       string
	IdempotencyKey string
	Description    string
}

// MintLot creates a new lot of amount micro-units plus its deposit ledger
// entry atomically. A repeated call with the same idempotency key returns
// the originally minted lot without double-minting; the uniqueness
// constraint on the ledger entry's key is the idempotency record.
func (s *Service) MintLot(ctx context.Context, accountID uuid.UUID, amount money.Micro, sourceType string, p MintParams) (*models.Lot, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !models.ValidSourceType(sourceType) {
		return nil, ErrInvalidSourceType
	}
	poolID := p.PoolID
	if poolID == "" {
		poolID = models.DefaultPoolID
	}
	key := p.IdempotencyKey
	if key == "" {
		key = "mint:" + uuid.NewString()
	}

	var lot *models.Lot
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.EntryByIdempotencyKey(ctx, key); err == nil {
			lot, err = mintedLotForKey(ctx, tx, key)
			return err
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrAccountUnknown
			}
			return err
		}
		now := s.now()
		lot = &models.Lot{
			ID:             uuid.New(),
			AccountID:      accountID,
			PoolID:         poolID,
			OriginalMicro:  amount,
			AvailableMicro: amount,
			ReservedMicro:  money.Zero(),
			ConsumedMicro:  money.Zero(),
			SourceType:     sourceType,
			SourceID:       p.SourceID,
			CreatedAt:      now,
		}
		seq, err := tx.NextEntrySeq(ctx, accountID, poolID)
		if err != nil {
			return err
		}
		lotID := lot.ID
		entry := &models.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      accountID,
			PoolID:         poolID,
			EntrySeq:       seq,
			EntryType:      models.EntryDeposit,
			AmountMicro:    amount,
			IdempotencyKey: key,
			Description:    p.Description,
			CausationID:    &lotID,
			CreatedAt:      now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, &models.AuditEvent{
			ID:        uuid.New(),
			AccountID: accountID,
			Kind:      "lot_minted",
			Detail:    fmt.Sprintf("lot %s minted %s micro from %s", lot.ID, amount, sourceType),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return lot, nil
}

// mintedLotForKey loads the lot created by the first call that used this
// idempotency key.
func mintedLotForKey(ctx context.Context, tx storage.Tx, key string) (*models.Lot, error) {
	entry, err := tx.EntryByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.CausationID == nil {
		return nil, fmt.Errorf("ledger: entry %s carries no minted lot", entry.ID)
	}
	return tx.GetLot(ctx, *entry.CausationID)
}

// Reserve places a hold of amount micro-units against the account/pool,
// consuming available balance lot-by-lot in allocation order (oldest lot
// first). If the summed available balance is short, the reservation fails
// with INSUFFICIENT_BALANCE and no lot is touched.
func (s *Service) Reserve(ctx context.Context, accountID uuid.UUID, poolID string, amount money.Micro) (*models.Reservation, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if poolID == "" {
		poolID = models.DefaultPoolID
	}

	var reservation *models.Reservation
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		lots, err := tx.LotsForUpdate(ctx, accountID, poolID)
		if err != nil {
			return err
		}

		type take struct {
			lot    *models.Lot
			amount money.Micro
		}
		var takes []take
		remaining := amount
		for _, lot := range lots {
			if !remaining.IsPositive() {
				break
			}
			if !lot.AvailableMicro.IsPositive() {
				continue
			}
			t := lot.AvailableMicro.Min(remaining)
			takes = append(takes, take{lot: lot, amount: t})
			remaining = remaining.Sub(t)
		}
		if remaining.IsPositive() {
			return ErrInsufficientBalance
		}

		now := s.now()
		reservation = &models.Reservation{
			ID:            uuid.New(),
			AccountID:     accountID,
			PoolID:        poolID,
			ReservedMicro: amount,
			Status:        models.ReservationPending,
			CreatedAt:     now,
			ExpiresAt:     now.Add(s.ttl),
		}
		if err := tx.InsertReservation(ctx, reservation); err != nil {
			return err
		}
		for _, t := range takes {
			t.lot.AvailableMicro = t.lot.AvailableMicro.Sub(t.amount)
			t.lot.ReservedMicro = t.lot.ReservedMicro.Add(t.amount)
			if err := tx.UpdateLot(ctx, t.lot); err != nil {
				return err
			}
			if err := tx.InsertAllocation(ctx, &models.Allocation{
				ReservationID: reservation.ID,
				LotID:         t.lot.ID,
				AmountMicro:   t.amount,
			}); err != nil {
				return err
			}
		}

		seq, err := tx.NextEntrySeq(ctx, accountID, poolID)
		if err != nil {
			return err
		}
		resID := reservation.ID
		return tx.InsertEntry(ctx, &models.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      accountID,
			PoolID:         poolID,
			EntrySeq:       seq,
			EntryType:      models.EntryReservation,
			AmountMicro:    amount.Neg(),
			IdempotencyKey: "reserve:" + resID.String(),
			Description:    "hold placed",
			CausationID:    &resID,
			CreatedAt:      now,
		})
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// Finalize converts actualCost of the pending reservation from reserved to
// consumed across its lot allocations (same deterministic order), releases
// the surplus back to available and transitions the reservation to
// finalized. actualCost above the reserved amount is rejected with
// OVERSPEND, never clamped.
func (s *Service) Finalize(ctx context.Context, reservationID uuid.UUID, actualCost money.Micro) error {
	if actualCost.IsNegative() {
		return ErrInvalidAmount
	}
	return s.store.WithinTx(ctx, func(tx storage.Tx) error {
		r, err := tx.ReservationForUpdate(ctx, reservationID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrReservationUnknown
			}
			return err
		}
		if r.Status != models.ReservationPending {
			return ErrReservationNotPending
		}
		if actualCost.Cmp(r.ReservedMicro) > 0 {
			return ErrOverspend
		}

		allocs, err := tx.Allocations(ctx, reservationID)
		if err != nil {
			return err
		}
		remaining := actualCost
		for _, a := range allocs {
			lot, err := tx.GetLot(ctx, a.LotID)
			if err != nil {
				return err
			}
			consume := a.AmountMicro.Min(remaining)
			surplus := a.AmountMicro.Sub(consume)
			lot.ReservedMicro = lot.ReservedMicro.Sub(a.AmountMicro)
			lot.ConsumedMicro = lot.ConsumedMicro.Add(consume)
			lot.AvailableMicro = lot.AvailableMicro.Add(surplus)
			remaining = remaining.Sub(consume)
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
		}

		if err := tx.TransitionReservation(ctx, reservationID, models.ReservationPending, models.ReservationFinalized); err != nil {
			return err
		}

		now := s.now()
		seq, err := tx.NextEntrySeq(ctx, r.AccountID, r.PoolID)
		if err != nil {
			return err
		}
		// Entry amounts are deltas to the stream's available balance, so
		// the log replays to the materialized lots. Finalize returns the
		// surplus to available; the consumed portion left the spendable
		// balance when the hold was placed.
		surplus := r.ReservedMicro.Sub(actualCost)
		resID := r.ID
		if err := tx.InsertEntry(ctx, &models.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      r.AccountID,
			PoolID:         r.PoolID,
			EntrySeq:       seq,
			EntryType:      models.EntryFinalize,
			AmountMicro:    surplus,
			IdempotencyKey: "finalize:" + resID.String(),
			Description:    fmt.Sprintf("consumed %s micro, returned %s micro", actualCost, surplus),
			CausationID:    &resID,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, &models.AuditEvent{
			ID:        uuid.New(),
			AccountID: r.AccountID,
			Kind:      "reservation_finalized",
			Detail:    fmt.Sprintf("reservation %s consumed %s of %s micro", resID, actualCost, r.ReservedMicro),
			CreatedAt: now,
		})
	})
}

// Release returns the full reserved amount of a pending reservation to
// available and transitions it to released. Calling it on a terminal
// reservation fails with RESERVATION_NOT_PENDING.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) error {
	return s.release(ctx, reservationID, models.ReservationReleased, false)
}

// ExpireDue sweeps pending reservations whose expiry passed asOf, releasing
// their funds and marking them expired. Idempotent: reservations that reach
// a terminal state between the scan and the sweep are skipped. Returns how
// many reservations this call expired.
func (s *Service) ExpireDue(ctx context.Context, asOf time.Time, limit int) (int, error) {
	ids, err := s.store.ExpiredPendingReservations(ctx, asOf, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if err := s.release(ctx, id, models.ReservationExpired, true); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// release moves a pending reservation into the given terminal state and
// returns its funds. With idempotent set, an already-terminal reservation is
// a no-op instead of an error; that is the expiry-sweep policy.
func (s *Service) release(ctx context.Context, reservationID uuid.UUID, to models.ReservationStatus, idempotent bool) error {
	return s.store.WithinTx(ctx, func(tx storage.Tx) error {
		r, err := tx.ReservationForUpdate(ctx, reservationID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrReservationUnknown
			}
			return err
		}
		if r.Status != models.ReservationPending {
			if idempotent {
				return nil
			}
			return ErrReservationNotPending
		}

		allocs, err := tx.Allocations(ctx, reservationID)
		if err != nil {
			return err
		}
		for _, a := range allocs {
			lot, err := tx.GetLot(ctx, a.LotID)
			if err != nil {
				return err
			}
			lot.ReservedMicro = lot.ReservedMicro.Sub(a.AmountMicro)
			lot.AvailableMicro = lot.AvailableMicro.Add(a.AmountMicro)
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
		}

		if err := tx.TransitionReservation(ctx, reservationID, models.ReservationPending, to); err != nil {
			return err
		}

		seq, err := tx.NextEntrySeq(ctx, r.AccountID, r.PoolID)
		if err != nil {
			return err
		}
		resID := r.ID
		return tx.InsertEntry(ctx, &models.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      r.AccountID,
			PoolID:         r.PoolID,
			EntrySeq:       seq,
			EntryType:      models.EntryRelease,
			AmountMicro:    r.ReservedMicro,
			IdempotencyKey: fmt.Sprintf("release:%s:%s", to, resID),
			Description:    "hold " + string(to),
			CausationID:    &resID,
			CreatedAt:      s.now(),
		})
	})
}

// ClawbackResult reports what a clawback reclaimed.
type ClawbackResult struct {
	ClawedMicro money.Micro `json:"clawed_micro"`
	DebtMicro   money.Micro `json:"debt_micro"`
}

// Clawback reverses the lots minted from sourceID on the account/pool. The
// unconsumed available remainder is zeroed out of each lot, shrinking
// original together with available, and the consumed portion becomes a
// tracked Debt obligation. Reserved amounts are left to their reservation's
// own lifecycle.
func (s *Service) Clawback(ctx context.Context, accountID uuid.UUID, poolID, sourceID string) (*ClawbackResult, error) {
	if poolID == "" {
		poolID = models.DefaultPoolID
	}
	result := &ClawbackResult{ClawedMicro: money.Zero(), DebtMicro: money.Zero()}
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		lots, err := tx.LotsBySourceForUpdate(ctx, accountID, poolID, sourceID)
		if err != nil {
			return err
		}
		if len(lots) == 0 {
			return ErrAccountUnknown
		}
		for _, lot := range lots {
			clawed := lot.AvailableMicro
			result.ClawedMicro = result.ClawedMicro.Add(clawed)
			result.DebtMicro = result.DebtMicro.Add(lot.ConsumedMicro)
			lot.OriginalMicro = lot.OriginalMicro.Sub(clawed)
			lot.AvailableMicro = money.Zero()
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
		}

		now := s.now()
		if result.DebtMicro.IsPositive() {
			if err := tx.InsertDebt(ctx, &models.Debt{
				ID:              uuid.New(),
				AccountID:       accountID,
				PoolID:          poolID,
				DebtMicro:       result.DebtMicro,
				SourcePaymentID: sourceID,
				CreatedAt:       now,
			}); err != nil {
				return err
			}
		}

		seq, err := tx.NextEntrySeq(ctx, accountID, poolID)
		if err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, &models.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      accountID,
			PoolID:         poolID,
			EntrySeq:       seq,
			EntryType:      models.EntryClawback,
			AmountMicro:    result.ClawedMicro.Neg(),
			IdempotencyKey: fmt.Sprintf("clawback:%s:%s", sourceID, uuid.NewString()),
			Description:    "clawback of source " + sourceID,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, &models.AuditEvent{
			ID:        uuid.New(),
			AccountID: accountID,
			Kind:      "clawback",
			Detail:    fmt.Sprintf("source %s clawed %s micro, %s micro now owed", sourceID, result.ClawedMicro, result.DebtMicro),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetBalance sums available and reserved micro across the account/pool's
// lots. Pure read.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID, poolID string) (storage.Balance, error) {
	if poolID == "" {
		poolID = models.DefaultPoolID
	}
	return s.store.GetBalance(ctx, accountID, poolID)
}

// GetReservation is a pure read of one reservation.
func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrReservationUnknown
		}
		return nil, err
	}
	return r, nil
}
