package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/storage"
)

// tx mutates a staged clone of the store state. The commit/rollback decision
// belongs to Store.WithinTx.
type tx struct {
	st *state
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) UpsertAccount(ctx context.Context, entityType models.EntityType, entityID string) (*models.Account, error) {
	key := entityKey{entityType, entityID}
	if id, ok := t.st.accountsByEntity[key]; ok {
		cp := *t.st.accounts[id]
		return &cp, nil
	}
	a := &models.Account{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		CreatedAt:  time.Now().UTC(),
	}
	t.st.accounts[a.ID] = a
	t.st.accountsByEntity[key] = a.ID
	cp := *a
	return &cp, nil
}

func (t *tx) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *tx) InsertLot(ctx context.Context, lot *models.Lot) error {
	cp := *lot
	t.st.lots[lot.ID] = &cp
	t.st.nextLotOrder++
	t.st.lotOrder[lot.ID] = t.st.nextLotOrder
	return nil
}

func (t *tx) UpdateLot(ctx context.Context, lot *models.Lot) error {
	if _, ok := t.st.lots[lot.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *lot
	t.st.lots[lot.ID] = &cp
	return nil
}

func (t *tx) GetLot(ctx context.Context, id uuid.UUID) (*models.Lot, error) {
	l, ok := t.st.lots[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// lotsWhere returns copies of matching lots in allocation order: creation
// order, oldest first.
func (t *tx) lotsWhere(match func(*models.Lot) bool) []*models.Lot {
	var out []*models.Lot
	for _, l := range t.st.lots {
		if match(l) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return t.st.lotOrder[out[i].ID] < t.st.lotOrder[out[j].ID]
	})
	return out
}

func (t *tx) LotsForUpdate(ctx context.Context, accountID uuid.UUID, poolID string) ([]*models.Lot, error) {
	return t.lotsWhere(func(l *models.Lot) bool {
		return l.AccountID == accountID && l.PoolID == poolID
	}), nil
}

func (t *tx) LotsBySourceForUpdate(ctx context.Context, accountID uuid.UUID, poolID, sourceID string) ([]*models.Lot, error) {
	return t.lotsWhere(func(l *models.Lot) bool {
		return l.AccountID == accountID && l.PoolID == poolID && l.SourceID == sourceID
	}), nil
}

func (t *tx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	cp := *r
	t.st.reservations[r.ID] = &cp
	return nil
}

func (t *tx) ReservationForUpdate(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *tx) TransitionReservation(ctx context.Context, id uuid.UUID, from, to models.ReservationStatus) error {
	r, ok := t.st.reservations[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status != from {
		return storage.ErrStaleTransition
	}
	r.Status = to
	return nil
}

func (t *tx) InsertAllocation(ctx context.Context, a *models.Allocation) error {
	cp := *a
	t.st.allocations = append(t.st.allocations, &cp)
	return nil
}

func (t *tx) Allocations(ctx context.Context, reservationID uuid.UUID) ([]*models.Allocation, error) {
	var out []*models.Allocation
	for _, a := range t.st.allocations {
		if a.ReservationID == reservationID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *tx) NextEntrySeq(ctx context.Context, accountID uuid.UUID, poolID string) (int64, error) {
	key := seqKey{accountID, poolID}
	t.st.seqs[key]++
	return t.st.seqs[key], nil
}

func (t *tx) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	if _, dup := t.st.entriesByKey[e.IdempotencyKey]; dup {
		return storage.ErrDuplicateIdempotencyKey
	}
	cp := *e
	t.st.entries = append(t.st.entries, &cp)
	t.st.entriesByKey[e.IdempotencyKey] = len(t.st.entries) - 1
	return nil
}

func (t *tx) EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	i, ok := t.st.entriesByKey[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t.st.entries[i]
	return &cp, nil
}

func (t *tx) InsertDebt(ctx context.Context, d *models.Debt) error {
	cp := *d
	t.st.debts = append(t.st.debts, &cp)
	return nil
}

func (t *tx) InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	cp := *ev
	t.st.audits = append(t.st.audits, &cp)
	return nil
}

func (t *tx) InsertQuarantine(ctx context.Context, q *models.QuarantineEntry) (bool, error) {
	if _, dup := t.st.quarantineByFp[q.SourceFingerprint]; dup {
		return false, nil
	}
	cp := *q
	t.st.quarantine[q.ID] = &cp
	t.st.quarantineByFp[q.SourceFingerprint] = q.ID
	return true, nil
}

func (t *tx) MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	q, ok := t.st.quarantine[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if q.ReplayedAt != nil {
		return false, nil
	}
	stamped := at
	q.ReplayedAt = &stamped
	return true, nil
}

func (t *tx) RecordReplayFailure(ctx context.Context, id uuid.UUID, replayErr string) error {
	q, ok := t.st.quarantine[id]
	if !ok {
		return storage.ErrNotFound
	}
	q.ReplayAttempts++
	q.LastReplayError = replayErr
	return nil
}

func (t *tx) PurgeQuarantine(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	for id, q := range t.st.quarantine {
		if q.ReplayedAt != nil && q.CreatedAt.Before(cutoff) {
			delete(t.st.quarantine, id)
			delete(t.st.quarantineByFp, q.SourceFingerprint)
			purged++
		}
	}
	return purged, nil
}
