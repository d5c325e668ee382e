package workers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/riverqueue/river"

	"github.com/microcents/backend/internal/ledger"
	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/quarantine"
	"github.com/microcents/backend/internal/reconcile"
	"github.com/microcents/backend/internal/storage"
	"github.com/microcents/backend/internal/storage/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExpireReservationsWorker(t *testing.T) {
	store := memory.New()
	// Negative TTL: every reservation is born overdue.
	svc := ledger.New(store, ledger.WithReservationTTL(-time.Minute))
	ctx := context.Background()

	acc, err := svc.CreateAccount(ctx, models.EntityPerson, "alice")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := svc.MintLot(ctx, acc.ID, money.FromInt64(1000), models.SourceDeposit, ledger.MintParams{}); err != nil {
		t.Fatalf("MintLot: %v", err)
	}
	r, err := svc.Reserve(ctx, acc.ID, models.DefaultPoolID, money.FromInt64(600))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	w := NewExpireReservationsWorker(svc, discard())
	if err := w.Work(ctx, &river.Job[ExpireReservationsArgs]{Args: ExpireReservationsArgs{}}); err != nil {
		t.Fatalf("Work: %v", err)
	}

	got, err := svc.GetReservation(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if got.Status != models.ReservationExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	b, err := svc.GetBalance(ctx, acc.ID, models.DefaultPoolID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !b.AvailableMicro.Equal(money.FromInt64(1000)) {
		t.Errorf("available = %s, want 1000 after expiry", b.AvailableMicro)
	}
	reconcile.AssertConservation(t, store)
}

func TestRunReconciliationWorker(t *testing.T) {
	store := memory.New()
	svc := ledger.New(store)
	ctx := context.Background()
	acc, err := svc.CreateAccount(ctx, models.EntityPerson, "alice")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	lot, err := svc.MintLot(ctx, acc.ID, money.FromInt64(1000), models.SourceDeposit, ledger.MintParams{})
	if err != nil {
		t.Fatalf("MintLot: %v", err)
	}

	w := NewRunReconciliationWorker(reconcile.New(store), discard())
	if err := w.Work(ctx, &river.Job[RunReconciliationArgs]{}); err != nil {
		t.Fatalf("clean books reported divergent: %v", err)
	}

	err = store.WithinTx(ctx, func(tx storage.Tx) error {
		l, err := tx.GetLot(ctx, lot.ID)
		if err != nil {
			return err
		}
		l.AvailableMicro = l.AvailableMicro.Add(money.FromInt64(1))
		return tx.UpdateLot(ctx, l)
	})
	if err != nil {
		t.Fatalf("corrupt lot: %v", err)
	}
	if err := w.Work(ctx, &river.Job[RunReconciliationArgs]{}); err == nil {
		t.Error("divergent books reported clean")
	}
}

func TestPurgeQuarantineWorker(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC().AddDate(0, 0, -60)
	qsvc := quarantine.New(store, quarantine.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := qsvc.QuarantineParseFailure(ctx, quarantine.ParseFailure{
		OriginalRowID: "row-1", TableName: "lots", RawValue: "1.5", ErrorCode: "INVALID_AMOUNT",
	}); err != nil {
		t.Fatalf("QuarantineParseFailure: %v", err)
	}
	entries, err := qsvc.GetUnreplayed(ctx)
	if err != nil {
		t.Fatalf("GetUnreplayed: %v", err)
	}
	if _, err := qsvc.MarkReplayed(ctx, entries[0].ID); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}

	// The worker purges with the live clock; the entry is 60 days old.
	w := NewPurgeQuarantineWorker(quarantine.New(store), discard())
	if err := w.Work(ctx, &river.Job[PurgeQuarantineArgs]{Args: PurgeQuarantineArgs{}}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Quarantine) != 0 {
		t.Errorf("quarantine rows remaining: %d", len(snap.Quarantine))
	}
}
