// Package models holds the persisted rows of the credit ledger: accounts,
// lots, reservations, ledger entries, debts and quarantine entries.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/microcents/backend/internal/money"
)

// EntityType classifies the owner behind a monetary account.
type EntityType string

const (
	EntityPerson    EntityType = "person"
	EntityAgent     EntityType = "agent"
	EntityCommunity EntityType = "community"
	EntityProtocol  EntityType = "protocol"
	EntitySystem    EntityType = "system"
)

// ValidEntityType reports whether t is one of the closed entity types.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityPerson, EntityAgent, EntityCommunity, EntityProtocol, EntitySystem:
		return true
	}
	return false
}

// TreasuryEntityID is the entity_id of the platform treasury, a system
// account holding the operating reserve that backs settled obligations.
const TreasuryEntityID = "treasury"

// DefaultPoolID is the pool used when callers do not segment balances.
const DefaultPoolID = "default"

// Account is an opaque monetary identity, created lazily on first use and
// never deleted.
type Account struct {
	ID         uuid.UUID  `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Lot source_type enums. The storage layer enforces this closed set.
const (
	SourceDeposit       = "deposit"
	SourceTransferIn    = "transfer_in"
	SourceTBADeposit    = "tba_deposit"
	SourceRefund        = "refund"
	SourcePromo         = "promo"
	SourceReferralBonus = "referral_bonus"
)

// ValidSourceType reports whether s is a known lot source type.
func ValidSourceType(s string) bool {
	switch s {
	case SourceDeposit, SourceTransferIn, SourceTBADeposit, SourceRefund, SourcePromo, SourceReferralBonus:
		return true
	}
	return false
}

// Lot is the atomic unit of money. At all times
// available + reserved + consumed == original, all four non-negative.
// Original shrinks only on clawback of an unconsumed remainder.
type Lot struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      uuid.UUID   `json:"account_id"`
	PoolID         string      `json:"pool_id"`
	OriginalMicro  money.Micro `json:"original_micro"`
	AvailableMicro money.Micro `json:"available_micro"`
	ReservedMicro  money.Micro `json:"reserved_micro"`
	ConsumedMicro  money.Micro `json:"consumed_micro"`
	SourceType     string      `json:"source_type"`
	SourceID       string      `json:"source_id"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ReservationStatus is the reservation lifecycle state.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Terminal reports whether s is an absorbing state: no field of a terminal
// reservation may change again.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationFinalized || s == ReservationReleased || s == ReservationExpired
}

// Reservation is a hold against one or more lots of a single account/pool.
type Reservation struct {
	ID            uuid.UUID         `json:"id"`
	AccountID     uuid.UUID         `json:"account_id"`
	PoolID        string            `json:"pool_id"`
	ReservedMicro money.Micro       `json:"reserved_micro"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// Allocation pins part of a reservation to a specific lot. The sum of a
// reservation's allocations equals its ReservedMicro, and allocations are
// created in oldest-lot-first order so balance consumption is reproducible.
type Allocation struct {
	ReservationID uuid.UUID   `json:"reservation_id"`
	LotID         uuid.UUID   `json:"lot_id"`
	AmountMicro   money.Micro `json:"amount_micro"`
}

// Ledger entry_type enums.
const (
	EntryDeposit      = "deposit"
	EntryReservation  = "reservation"
	EntryFinalize     = "finalize"
	EntryRelease      = "release"
	EntryRefund       = "refund"
	EntryRevenueShare = "revenue_share"
	EntryTransferOut  = "transfer_out"
	EntryTransferIn   = "transfer_in"
	EntryClawback     = "clawback"
)

// LedgerEntry is an append-only, immutable record of one state change.
// It is the system of record; lot and reservation tables are a materialized
// projection of it. IdempotencyKey is unique; the row itself is the
// idempotency record.
type LedgerEntry struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      uuid.UUID   `json:"account_id"`
	PoolID         string      `json:"pool_id"`
	EntrySeq       int64       `json:"entry_seq"`
	EntryType      string      `json:"entry_type"`
	AmountMicro    money.Micro `json:"amount_micro"`
	IdempotencyKey string      `json:"idempotency_key"`
	Description    string      `json:"description"`
	CausationID    *uuid.UUID  `json:"causation_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Debt records money reclaimed by a clawback after it was already consumed:
// an obligation, not a negative balance.
type Debt struct {
	ID              uuid.UUID   `json:"id"`
	AccountID       uuid.UUID   `json:"account_id"`
	PoolID          string      `json:"pool_id"`
	DebtMicro       money.Micro `json:"debt_micro"`
	SourcePaymentID string      `json:"source_payment_id"`
	CreatedAt       time.Time   `json:"created_at"`
}

// QuarantineEntry is a dead-lettered monetary value that failed to parse,
// deduplicated by content fingerprint and replayable once upstream is fixed.
type QuarantineEntry struct {
	ID                uuid.UUID  `json:"id"`
	OriginalRowID     string     `json:"original_row_id"`
	TableName         string     `json:"table_name"`
	RawValue          string     `json:"raw_value"`
	Context           string     `json:"context"`
	ErrorCode         string     `json:"error_code"`
	SourceFingerprint string     `json:"source_fingerprint"`
	ReplayedAt        *time.Time `json:"replayed_at,omitempty"`
	ReplayAttempts    int        `json:"replay_attempts"`
	LastReplayError   string     `json:"last_replay_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// AuditEvent is dual-written inside the same transaction as the primary
// ledger mutation it describes, for consumption by out-of-core collaborators.
type AuditEvent struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
