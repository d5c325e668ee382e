package invariant

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/storage"
)

// Verdict is the outcome of evaluating one property.
type Verdict struct {
	Passed bool
	// Detail describes the first observed violation; empty on pass.
	Detail string
}

func pass() Verdict { return Verdict{Passed: true} }

func fail(format string, args ...any) Verdict {
	return Verdict{Detail: fmt.Sprintf(format, args...)}
}

// Evaluator re-derives one property from a storage snapshot.
type Evaluator func(snap *storage.Snapshot, p Params) Verdict

// Evaluators maps property ID to its evaluator. Every catalogued property
// has one; Registry tests enforce that.
var Evaluators = map[string]Evaluator{
	"I-1":  lotConservation,
	"I-2":  lotNonNegative,
	"I-3":  allocationSums,
	"I-4":  reservedBacking,
	"I-5":  accountNonNegative,
	"I-6":  terminalAbsorption,
	"I-7":  entrySeqMonotonic,
	"I-8":  idempotencyKeysUnique,
	"I-9":  ledgerLotAgreement,
	"I-10": transferSupplyInvariance,
	"I-11": debtsPositive,
	"I-12": treasurySufficiency,
	"I-13": quarantineIntegrity,
	"I-14": reservationLiveness,
}

func lotConservation(snap *storage.Snapshot, _ Params) Verdict {
	for _, l := range snap.Lots {
		sum := l.AvailableMicro.Add(l.ReservedMicro).Add(l.ConsumedMicro)
		if !sum.Equal(l.OriginalMicro) {
			return fail("lot %s: available+reserved+consumed = %s, original = %s", l.ID, sum, l.OriginalMicro)
		}
	}
	return pass()
}

func lotNonNegative(snap *storage.Snapshot, _ Params) Verdict {
	for _, l := range snap.Lots {
		if l.AvailableMicro.IsNegative() || l.ReservedMicro.IsNegative() ||
			l.ConsumedMicro.IsNegative() || l.OriginalMicro.IsNegative() {
			return fail("lot %s carries a negative quantity", l.ID)
		}
	}
	return pass()
}

func allocationSums(snap *storage.Snapshot, _ Params) Verdict {
	sums := map[uuid.UUID]money.Micro{}
	for _, a := range snap.Allocations {
		sums[a.ReservationID] = sums[a.ReservationID].Add(a.AmountMicro)
	}
	for _, r := range snap.Reservations {
		if !sums[r.ID].Equal(r.ReservedMicro) {
			return fail("reservation %s: allocations sum to %s, reserved %s", r.ID, sums[r.ID], r.ReservedMicro)
		}
	}
	return pass()
}

func reservedBacking(snap *storage.Snapshot, _ Params) Verdict {
	pending := map[uuid.UUID]bool{}
	for _, r := range snap.Reservations {
		if r.Status == models.ReservationPending {
			pending[r.ID] = true
		}
	}
	holds := map[uuid.UUID]money.Micro{}
	for _, a := range snap.Allocations {
		if pending[a.ReservationID] {
			holds[a.LotID] = holds[a.LotID].Add(a.AmountMicro)
		}
	}
	for _, l := range snap.Lots {
		if !l.ReservedMicro.Equal(holds[l.ID]) {
			return fail("lot %s: reserved %s, pending holds %s", l.ID, l.ReservedMicro, holds[l.ID])
		}
	}
	return pass()
}

func accountNonNegative(snap *storage.Snapshot, _ Params) Verdict {
	type stream struct {
		account uuid.UUID
		pool    string
	}
	avail := map[stream]money.Micro{}
	for _, l := range snap.Lots {
		k := stream{l.AccountID, l.PoolID}
		avail[k] = avail[k].Add(l.AvailableMicro)
	}
	for k, v := range avail {
		if v.IsNegative() {
			return fail("account %s pool %s: available %s", k.account, k.pool, v)
		}
	}
	return pass()
}

// terminalAbsorption cross-checks the ledger log: a reservation settles at
// most once, so at most one finalize/release entry may reference it.
func terminalAbsorption(snap *storage.Snapshot, _ Params) Verdict {
	settled := map[uuid.UUID]int{}
	for _, e := range snap.Entries {
		if e.CausationID == nil {
			continue
		}
		if e.EntryType == models.EntryFinalize || e.EntryType == models.EntryRelease {
			settled[*e.CausationID]++
		}
	}
	for _, r := range snap.Reservations {
		n := settled[r.ID]
		if n > 1 {
			return fail("reservation %s settled %d times", r.ID, n)
		}
		if r.Status == models.ReservationPending && n != 0 {
			return fail("reservation %s pending but already settled in the log", r.ID)
		}
		if r.Status.Terminal() && n != 1 {
			return fail("reservation %s is %s but has %d settlement entries", r.ID, r.Status, n)
		}
	}
	return pass()
}

func entrySeqMonotonic(snap *storage.Snapshot, _ Params) Verdict {
	type stream struct {
		account uuid.UUID
		pool    string
	}
	seqs := map[stream]map[int64]bool{}
	max := map[stream]int64{}
	for _, e := range snap.Entries {
		k := stream{e.AccountID, e.PoolID}
		if seqs[k] == nil {
			seqs[k] = map[int64]bool{}
		}
		if e.EntrySeq < 1 {
			return fail("stream %s/%s: entry_seq %d < 1", k.account, k.pool, e.EntrySeq)
		}
		if seqs[k][e.EntrySeq] {
			return fail("stream %s/%s: duplicate entry_seq %d", k.account, k.pool, e.EntrySeq)
		}
		seqs[k][e.EntrySeq] = true
		if e.EntrySeq > max[k] {
			max[k] = e.EntrySeq
		}
	}
	for k, m := range max {
		if int64(len(seqs[k])) != m {
			return fail("stream %s/%s: %d entries but max seq %d", k.account, k.pool, len(seqs[k]), m)
		}
	}
	return pass()
}

func idempotencyKeysUnique(snap *storage.Snapshot, _ Params) Verdict {
	seen := map[string]uuid.UUID{}
	for _, e := range snap.Entries {
		if prev, dup := seen[e.IdempotencyKey]; dup {
			return fail("entries %s and %s share idempotency key %q", prev, e.ID, e.IdempotencyKey)
		}
		seen[e.IdempotencyKey] = e.ID
	}
	return pass()
}

// ledgerLotAgreement replays the log. Entry amounts are deltas to the
// available balance of their stream, so the replayed sum must equal the
// materialized lots' available balance.
func ledgerLotAgreement(snap *storage.Snapshot, _ Params) Verdict {
	type stream struct {
		account uuid.UUID
		pool    string
	}
	replayed := map[stream]money.Micro{}
	for _, e := range snap.Entries {
		k := stream{e.AccountID, e.PoolID}
		replayed[k] = replayed[k].Add(e.AmountMicro)
	}
	materialized := map[stream]money.Micro{}
	for _, l := range snap.Lots {
		k := stream{l.AccountID, l.PoolID}
		materialized[k] = materialized[k].Add(l.AvailableMicro)
	}
	for k := range replayed {
		if !replayed[k].Equal(materialized[k]) {
			return fail("stream %s/%s: log replays to %s, lots hold %s", k.account, k.pool, replayed[k], materialized[k])
		}
	}
	for k := range materialized {
		if _, ok := replayed[k]; !ok && !materialized[k].IsZero() {
			return fail("stream %s/%s: lots hold %s with no log entries", k.account, k.pool, materialized[k])
		}
	}
	return pass()
}

func transferSupplyInvariance(snap *storage.Snapshot, _ Params) Verdict {
	net := money.Zero()
	for _, e := range snap.Entries {
		if e.EntryType == models.EntryTransferOut || e.EntryType == models.EntryTransferIn {
			net = net.Add(e.AmountMicro)
		}
	}
	if !net.IsZero() {
		return fail("transfers net to %s micro", net)
	}
	return pass()
}

func debtsPositive(snap *storage.Snapshot, _ Params) Verdict {
	for _, d := range snap.Debts {
		if !d.DebtMicro.IsPositive() {
			return fail("debt %s: amount %s", d.ID, d.DebtMicro)
		}
	}
	return pass()
}

func treasurySufficiency(snap *storage.Snapshot, _ Params) Verdict {
	owed := money.Zero()
	for _, d := range snap.Debts {
		owed = owed.Add(d.DebtMicro)
	}
	if owed.IsZero() {
		return pass()
	}
	var treasury *models.Account
	for _, a := range snap.Accounts {
		if a.EntityType == models.EntitySystem && a.EntityID == models.TreasuryEntityID {
			treasury = a
			break
		}
	}
	if treasury == nil {
		return fail("%s micro owed with no treasury account", owed)
	}
	reserve := money.Zero()
	for _, l := range snap.Lots {
		if l.AccountID == treasury.ID {
			reserve = reserve.Add(l.AvailableMicro).Add(l.ReservedMicro)
		}
	}
	if reserve.Cmp(owed) < 0 {
		return fail("treasury holds %s micro against %s micro owed", reserve, owed)
	}
	return pass()
}

func quarantineIntegrity(snap *storage.Snapshot, _ Params) Verdict {
	seen := map[string]uuid.UUID{}
	for _, q := range snap.Quarantine {
		if prev, dup := seen[q.SourceFingerprint]; dup {
			return fail("quarantine %s and %s share fingerprint %s", prev, q.ID, q.SourceFingerprint)
		}
		seen[q.SourceFingerprint] = q.ID
		if q.ReplayAttempts < 0 {
			return fail("quarantine %s: replay attempts %d", q.ID, q.ReplayAttempts)
		}
	}
	return pass()
}

func reservationLiveness(snap *storage.Snapshot, p Params) Verdict {
	for _, r := range snap.Reservations {
		if r.Status != models.ReservationPending {
			continue
		}
		if p.Now.After(r.ExpiresAt.Add(p.PendingGrace)) {
			return fail("reservation %s pending since %s, expired %s", r.ID, r.CreatedAt, r.ExpiresAt)
		}
	}
	return pass()
}
