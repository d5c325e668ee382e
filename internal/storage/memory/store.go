// Package memory implements the storage port with mutex-guarded maps.
// It backs tests and ephemeral deployments; semantics match the postgres
// backend, including all-or-nothing transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/storage"
)

type entityKey struct {
	entityType models.EntityType
	entityID   string
}

type seqKey struct {
	accountID uuid.UUID
	poolID    string
}

// state is the whole data model. Transactions clone it, mutate the clone and
// swap it back in on commit, which gives exact rollback semantics.
type state struct {
	accounts         map[uuid.UUID]*models.Account
	accountsByEntity map[entityKey]uuid.UUID
	lots             map[uuid.UUID]*models.Lot
	lotOrder         map[uuid.UUID]int64
	nextLotOrder     int64
	reservations     map[uuid.UUID]*models.Reservation
	allocations      []*models.Allocation
	entries          []*models.LedgerEntry
	entriesByKey     map[string]int
	seqs             map[seqKey]int64
	debts            []*models.Debt
	audits           []*models.AuditEvent
	quarantine       map[uuid.UUID]*models.QuarantineEntry
	quarantineByFp   map[string]uuid.UUID
	reportIDs        map[string]uuid.UUID
}

func newState() *state {
	return &state{
		accounts:         map[uuid.UUID]*models.Account{},
		accountsByEntity: map[entityKey]uuid.UUID{},
		lots:             map[uuid.UUID]*models.Lot{},
		lotOrder:         map[uuid.UUID]int64{},
		reservations:     map[uuid.UUID]*models.Reservation{},
		entriesByKey:     map[string]int{},
		seqs:             map[seqKey]int64{},
		quarantine:       map[uuid.UUID]*models.QuarantineEntry{},
		quarantineByFp:   map[string]uuid.UUID{},
		reportIDs:        map[string]uuid.UUID{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		cp := *v
		c.accounts[k] = &cp
	}
	for k, v := range s.accountsByEntity {
		c.accountsByEntity[k] = v
	}
	for k, v := range s.lots {
		cp := *v
		c.lots[k] = &cp
	}
	for k, v := range s.lotOrder {
		c.lotOrder[k] = v
	}
	c.nextLotOrder = s.nextLotOrder
	for k, v := range s.reservations {
		cp := *v
		c.reservations[k] = &cp
	}
	c.allocations = append(c.allocations, s.allocations...)
	c.entries = append(c.entries, s.entries...)
	for k, v := range s.entriesByKey {
		c.entriesByKey[k] = v
	}
	for k, v := range s.seqs {
		c.seqs[k] = v
	}
	c.debts = append(c.debts, s.debts...)
	c.audits = append(c.audits, s.audits...)
	for k, v := range s.quarantine {
		cp := *v
		c.quarantine[k] = &cp
	}
	for k, v := range s.quarantineByFp {
		c.quarantineByFp[k] = v
	}
	for k, v := range s.reportIDs {
		c.reportIDs[k] = v
	}
	return c
}

// Store is the in-memory storage backend.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

// WithinTx runs fn against a clone of the current state and commits the
// clone only if fn succeeds. The store lock is held for the duration, which
// serializes writers the way the embedded single-writer store does.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.st.clone()
	if err := fn(&tx{st: staged}); err != nil {
		return err
	}
	s.st = staged
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.st}).GetAccount(ctx, id)
}

func (s *Store) GetAccountByEntity(ctx context.Context, entityType models.EntityType, entityID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.st.accountsByEntity[entityKey{entityType, entityID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.st.accounts[id]
	return &cp, nil
}

func (s *Store) GetLot(ctx context.Context, id uuid.UUID) (*models.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.st}).GetLot(ctx, id)
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.reservations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) GetBalance(ctx context.Context, accountID uuid.UUID, poolID string) (storage.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := storage.Balance{}
	for _, lot := range s.st.lots {
		if lot.AccountID == accountID && lot.PoolID == poolID {
			b.AvailableMicro = b.AvailableMicro.Add(lot.AvailableMicro)
			b.ReservedMicro = b.ReservedMicro.Add(lot.ReservedMicro)
		}
	}
	return b, nil
}

func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.st}).EntryByIdempotencyKey(ctx, key)
}

func (s *Store) ExpiredPendingReservations(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, r := range s.st.reservations {
		if r.Status == models.ReservationPending && r.ExpiresAt.Before(asOf) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) UnreplayedQuarantine(ctx context.Context, limit int) ([]*models.QuarantineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.QuarantineEntry
	for _, q := range s.st.quarantine {
		if q.ReplayedAt == nil {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Snapshot(ctx context.Context) (*storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &storage.Snapshot{TakenAt: time.Now().UTC()}
	for _, a := range s.st.accounts {
		cp := *a
		snap.Accounts = append(snap.Accounts, &cp)
	}
	for _, l := range s.st.lots {
		cp := *l
		snap.Lots = append(snap.Lots, &cp)
	}
	for _, r := range s.st.reservations {
		cp := *r
		snap.Reservations = append(snap.Reservations, &cp)
	}
	for _, a := range s.st.allocations {
		cp := *a
		snap.Allocations = append(snap.Allocations, &cp)
	}
	for _, e := range s.st.entries {
		cp := *e
		snap.Entries = append(snap.Entries, &cp)
	}
	for _, d := range s.st.debts {
		cp := *d
		snap.Debts = append(snap.Debts, &cp)
	}
	for _, q := range s.st.quarantine {
		cp := *q
		snap.Quarantine = append(snap.Quarantine, &cp)
	}
	return snap, nil
}

func (s *Store) SeenReportID(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.st.reportIDs[jti]
	return seen, nil
}

func (s *Store) RecordReportID(ctx context.Context, jti string, reservationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.st.reportIDs[jti]; seen {
		return false, nil
	}
	s.st.reportIDs[jti] = reservationID
	return true, nil
}
