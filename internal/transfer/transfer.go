// Package transfer moves credit between accounts. A transfer debits the
// sender's lots oldest-first and mints one receiver lot for the same amount,
// so the total original micro across all lots never changes: transfers
// redistribute, they never mint or burn.
package transfer

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

// Transfer outcome statuses.
const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
)

// Rejection codes. A rejected transfer mutates nothing.
const (
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeSelfTransfer        = "SELF_TRANSFER"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
)

// ErrAccountUnknown is returned when either party does not exist. Unknown
// accounts are a caller bug, not a rejection the receiver should see.
var ErrAccountUnknown = errors.New("transfer: account unknown")

// ErrKeyReuse is returned when an idempotency key is replayed with a
// different amount or parties than the transfer it originally completed.
var ErrKeyReuse = errors.New("transfer: idempotency key reused with different parameters")

// Result reports a transfer outcome. Code is set only on rejection.
type Result struct {
	Status         string      `json:"status"`
	Code           string      `json:"code,omitempty"`
	AmountMicro    money.Micro `json:"amount_micro"`
	ReceiverLotID  uuid.UUID   `json:"receiver_lot_id,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// Params carries the optional fields of Transfer.
type Params struct {
	PoolID         string
	IdempotencyKey string
}

// Service executes peer transfers.
type Service struct {
	store storage.Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a transfer Service over the given store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transfer moves amount micro-units from one account to another atomically.
// The sender's lots are drained oldest-first, shrinking each lot's original
// by the amount taken; the receiver gets a single fresh lot sourced as
// transfer_in, tagged back to the sender's transfer_out ledger entry.
//
// Zero or negative amounts, self-transfers and insufficient balance are all
// rejected without touching a single lot. Retrying with the same idempotency
// key returns the original completed result instead of moving funds again.
func (s *Service) Transfer(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amount money.Micro, p Params) (*Result, error) {
	poolID := p.PoolID
	if poolID == "" {
		poolID = models.DefaultPoolID
	}
	key := p.IdempotencyKey
	if key == "" {
		key = "transfer:" + uuid.NewString()
	}
	result := &Result{Status: StatusCompleted, AmountMicro: amount, IdempotencyKey: key}

	if !amount.IsPositive() {
		return &Result{Status: StatusRejected, Code: CodeInvalidAmount, AmountMicro: amount, IdempotencyKey: key}, nil
	}
	if fromAccountID == toAccountID {
		return &Result{Status: StatusRejected, Code: CodeSelfTransfer, AmountMicro: amount, IdempotencyKey: key}, nil
	}

	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		if existing, err := tx.EntryByIdempotencyKey(ctx, key); err == nil {
			// A replay must describe the transfer that first used the
			// key; anything else is a conflicting reuse, not a retry.
			if existing.AccountID != fromAccountID || existing.PoolID != poolID ||
				!existing.AmountMicro.Equal(amount.Neg()) {
				return fmt.Errorf("%w: key %q", ErrKeyReuse, key)
			}
			if existing.CausationID != nil {
				lot, err := tx.GetLot(ctx, *existing.CausationID)
				if err != nil {
					return err
				}
				if lot.AccountID != toAccountID {
					return fmt.Errorf("%w: key %q", ErrKeyReuse, key)
				}
				result.ReceiverLotID = lot.ID
			}
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if _, err := tx.GetAccount(ctx, fromAccountID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrAccountUnknown
			}
			return err
		}
		if _, err := tx.GetAccount(ctx, toAccountID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrAccountUnknown
			}
			return err
		}

		lots, err := tx.LotsForUpdate(ctx, fromAccountID, poolID)
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
			result.Status = StatusRejected
			result.Code = CodeInsufficientBalance
			return nil
		}

		// Ownership moves with the money: the debited amount leaves the
		// sender's originals and reappears as the receiver lot's original.
		for _, t := range takes {
			t.lot.AvailableMicro = t.lot.AvailableMicro.Sub(t.amount)
			t.lot.OriginalMicro = t.lot.OriginalMicro.Sub(t.amount)
			if err := tx.UpdateLot(ctx, t.lot); err != nil {
				return err
			}
		}

		now := s.now()
		outID := uuid.New()
		receiverLot := &models.Lot{
			ID:             uuid.New(),
			AccountID:      toAccountID,
			PoolID:         poolID,
			OriginalMicro:  amount,
			AvailableMicro: amount,
			ReservedMicro:  money.Zero(),
			ConsumedMicro:  money.Zero(),
			SourceType:     models.SourceTransferIn,
			SourceID:       outID.String(),
			CreatedAt:      now,
		}
		result.ReceiverLotID = receiverLot.ID

		outSeq, err := tx.NextEntrySeq(ctx, fromAccountID, poolID)
		if err != nil {
			return err
		}
		lotID := receiverLot.ID
		if err := tx.InsertEntry(ctx, &models.LedgerEntry{
			ID:             outID,
			AccountID:      fromAccountID,
			PoolID:         poolID,
			EntrySeq:       outSeq,
			EntryType:      models.EntryTransferOut,
			AmountMicro:    amount.Neg(),
			IdempotencyKey: key,
			Description:    "transfer to account " + toAccountID.String(),
			CausationID:    &lotID,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if err := tx.InsertLot(ctx, receiverLot); err != nil {
			return err
		}
		inSeq, err := tx.NextEntrySeq(ctx, toAccountID, poolID)
		if err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, &models.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      toAccountID,
			PoolID:         poolID,
			EntrySeq:       inSeq,
			EntryType:      models.EntryTransferIn,
			AmountMicro:    amount,
			IdempotencyKey: "transfer-in:" + outID.String(),
			Description:    "transfer from account " + fromAccountID.String(),
			CausationID:    &lotID,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, &models.AuditEvent{
			ID:        uuid.New(),
			AccountID: fromAccountID,
			Kind:      "transfer",
			Detail:    fmt.Sprintf("moved %s micro to account %s", amount, toAccountID),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
