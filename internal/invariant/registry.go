// Package invariant catalogues the conservation properties of the ledger.
//
// Each property is metadata (identifier, statement, formal description,
// kind, universe, enforcement, failure code) kept separate from its
// evaluator so new properties are additions to data, not edits to control
// flow. Evaluators run against a storage snapshot and never mutate state.
package invariant

import "time"

// Kind distinguishes properties that must hold at every instant from those
// that must eventually be satisfied.
type Kind string

const (
	Safety   Kind = "safety"
	Liveness Kind = "liveness"
)

// Universe scopes the rows a property quantifies over.
type Universe string

const (
	PerLot       Universe = "per-lot"
	PerAccount   Universe = "per-account"
	CrossSystem  Universe = "cross-system"
	PlatformWide Universe = "platform-wide"
)

// Enforcement names a mechanism that upholds the property.
type Enforcement string

const (
	// AtWrite: a storage constraint or status-guarded update rejects the
	// violating write.
	AtWrite Enforcement = "write-time-constraint"
	// ByReconciliation: verified only by re-deriving the property from
	// stored state.
	ByReconciliation Enforcement = "reconciliation"
)

// Property is one catalogued conservation invariant.
type Property struct {
	ID          string
	Statement   string
	Formal      string
	Kind        Kind
	Universe    Universe
	Enforcement []Enforcement
	FailureCode string
}

// Params carries evaluation inputs that are not part of the snapshot.
type Params struct {
	// Now anchors liveness checks.
	Now time.Time
	// PendingGrace is how far past its expiry a reservation may linger
	// pending before the sweep is considered to have failed.
	PendingGrace time.Duration
}

// Catalogue is the full property table, I-1 through I-14. Order is stable:
// reconciliation reports follow it.
var Catalogue = []Property{
	{
		ID:          "I-1",
		Statement:   "every lot conserves its original amount",
		Formal:      "∀ lot: always (available + reserved + consumed = original)",
		Kind:        Safety,
		Universe:    PerLot,
		Enforcement: []Enforcement{AtWrite, ByReconciliation},
		FailureCode: "CONSERVATION_LOT_MISMATCH",
	},
	{
		ID:          "I-2",
		Statement:   "lot quantities are never negative",
		Formal:      "∀ lot: always (available ≥ 0 ∧ reserved ≥ 0 ∧ consumed ≥ 0 ∧ original ≥ 0)",
		Kind:        Safety,
		Universe:    PerLot,
		Enforcement: []Enforcement{AtWrite, ByReconciliation},
		FailureCode: "NEGATIVE_LOT_QUANTITY",
	},
	{
		ID:          "I-3",
		Statement:   "a reservation equals the sum of its lot allocations",
		Formal:      "∀ r: always (r.reserved = Σ alloc(r).amount)",
		Kind:        Safety,
		Universe:    PerAccount,
		Enforcement: []Enforcement{ByReconciliation},
		FailureCode: "ALLOCATION_SUM_MISMATCH",
	},
	{
		ID:          "I-4",
		Statement:   "lot reserved balance is exactly the pending holds against it",
		Formal:      "∀ lot: always (lot.reserved = Σ {alloc.amount | alloc ∈ pending reservations})",
		Kind:        Safety,
		Universe:    CrossSystem,
		Enforcement: []Enforcement{ByReconciliation},
		FailureCode: "RESERVED_BACKING_MISMATCH",
	},
	{
		ID:          "I-5",
		Statement:   "account balances never go negative",
		Formal:      "∀ account, pool: always (Σ lots.available ≥ 0 ∧ Σ lots.reserved ≥ 0)",
		Kind:        Safety,
		Universe:    PerAccount,
		Enforcement: []Enforcement{AtWrite, ByReconciliation},
		FailureCode: "NEGATIVE_BALANCE",
	},
	{
		ID:          "I-6",
		Statement:   "terminal reservations absorb: they are settled at most once",
		Formal:      "∀ r: status ∈ {finalized, released, expired} ⇒ no further transition of r",
		Kind:        Safety,
		Universe:    PerAccount,
		Enforcement: []Enforcement{AtWrite, ByReconciliation},
		FailureCode: "TERMINAL_STATE_MUTATION",
	},
	{
		ID:          "I-7",
		Statement:   "ledger entry sequences are gapless and strictly monotonic per stream",
		Formal:      "∀ account, pool: entries sorted by seq = 1, 2, …, n",
		Kind:        Safety,
		Universe:    PerAccount,
		Enforcement: []Enforcement{AtWrite, ByReconciliation},
		FailureCode: "ENTRY_SEQ_GAP",
	},
	{
		ID:          "I-8",
		Statement:   "idempotency keys are unique across the ledger log",
		Formal:      "∀ e1 ≠ e2: e1.idempotencyKey ≠ e2.idempotencyKey",
		Kind:        Safety,
		Universe:    PlatformWide,
		Enforcement: []Enforcement{AtWrite, ByReconciliation},
		FailureCode: "DUPLICATE_IDEMPOTENCY_KEY",
	},
	{
		ID:          "I-9",
		Statement:   "the ledger log reconstructs the available balance of every stream",
		Formal:      "∀ account, pool: Σ entries.amount = Σ lots.available",
		Kind:        Safety,
		Universe:    CrossSystem,
		Enforcement: []Enforcement{ByReconciliation},
		FailureCode: "LEDGER_LOT_DIVERGENCE",
	},
	{
		ID:          "I-10",
		Statement:   "transfers redistribute, they never mint or burn",
		Formal:      "always (Σ transfer_out.amount + Σ transfer_in.amount = 0)",
		Kind:        Safety,
		Universe:    PlatformWide,
		Enforcement: []Enforcement{ByReconciliation},
		FailureCode: "TRANSFER_SUPPLY_DRIFT",
	},
	{
		ID:          "I-11",
		Statement:   "debts are strictly positive obligations",
		Formal:      "∀ debt: debt.amount > 0",
		Kind:        Safety,
		Universe:    PerAccount,
		Enforcement: []Enforcement{AtWrite, ByReconciliation},
		FailureCode: "INVALID_DEBT",
	},
	{
		ID:          "I-12",
		Statement:   "the platform treasury covers all outstanding obligations",
		Formal:      "always (treasury.available + treasury.reserved ≥ Σ debts.amount)",
		Kind:        Safety,
		Universe:    PlatformWide,
		Enforcement: []Enforcement{ByReconciliation},
		FailureCode: "TREASURY_SHORTFALL",
	},
	{
		ID:          "I-13",
		Statement:   "quarantine entries are unique per failure fingerprint and replay bookkeeping is consistent",
		Formal:      "∀ q1 ≠ q2: q1.fingerprint ≠ q2.fingerprint; ∀ q: q.replayAttempts ≥ 0",
		Kind:        Safety,
		Universe:    PlatformWide,
		Enforcement: []Enforcement{AtWrite, ByReconciliation},
		FailureCode: "QUARANTINE_INTEGRITY",
	},
	{
		ID:          "I-14",
		Statement:   "every reservation eventually reaches a terminal state",
		Formal:      "∀ r: eventually (r.status ≠ pending); checked as pending ⇒ now < expiresAt + grace",
		Kind:        Liveness,
		Universe:    PerAccount,
		Enforcement: []Enforcement{ByReconciliation},
		FailureCode: "STALE_PENDING_RESERVATION",
	},
}

// ByID returns the catalogued property with the given identifier.
func ByID(id string) (Property, bool) {
	for _, p := range Catalogue {
		if p.ID == id {
			return p, true
		}
	}
	return Property{}, false
}
