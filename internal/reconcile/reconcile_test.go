package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/microcents/backend/internal/invariant"
	"github.com/microcents/backend/internal/ledger"
	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/storage"
	"github.com/microcents/backend/internal/storage/memory"
)

func seedAccountWithLot(t *testing.T, store *memory.Store) uuid.UUID {
	t.Helper()
	svc := ledger.New(store)
	ctx := context.Background()
	acct, err := svc.CreateAccount(ctx, models.EntityPerson, "alice")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	_, err = svc.MintLot(ctx, acct.ID, money.FromInt64(1_000_000), models.SourceDeposit, ledger.MintParams{})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return acct.ID
}

func TestRunCleanStorePasses(t *testing.T) {
	store := memory.New()
	seedAccountWithLot(t, store)

	report := New(store).Run(context.Background())
	if report.Status != StatusPassed {
		t.Fatalf("status = %s, want %s; failed: %+v", report.Status, StatusPassed, report.Failed())
	}
	if len(report.Checks) != len(invariant.Catalogue) {
		t.Fatalf("checks = %d, want %d", len(report.Checks), len(invariant.Catalogue))
	}
	for i, c := range report.Checks {
		if c.PropertyID != invariant.Catalogue[i].ID {
			t.Fatalf("check %d = %s, want %s", i, c.PropertyID, invariant.Catalogue[i].ID)
		}
		if !c.Passed {
			t.Errorf("%s failed on clean store: %s", c.PropertyID, c.Detail)
		}
	}
}

func TestRunDetectsCorruptedLot(t *testing.T) {
	store := memory.New()
	seedAccountWithLot(t, store)
	ctx := context.Background()

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	lotID := snap.Lots[0].ID

	// Inflate a lot's available balance without a matching ledger entry.
	err = store.WithinTx(ctx, func(tx storage.Tx) error {
		lot, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		lot.AvailableMicro = lot.AvailableMicro.Add(money.FromInt64(777))
		return tx.UpdateLot(ctx, lot)
	})
	if err != nil {
		t.Fatalf("corrupt lot: %v", err)
	}

	report := New(store).Run(ctx)
	if report.Status != StatusDivergence {
		t.Fatalf("status = %s, want %s", report.Status, StatusDivergence)
	}
	codes := map[string]bool{}
	for _, c := range report.Failed() {
		codes[c.FailureCode] = true
	}
	if !codes["CONSERVATION_LOT_MISMATCH"] {
		t.Errorf("expected CONSERVATION_LOT_MISMATCH, got %v", codes)
	}
	if !codes["LEDGER_LOT_DIVERGENCE"] {
		t.Errorf("expected LEDGER_LOT_DIVERGENCE, got %v", codes)
	}
}

type failingStore struct {
	storage.Store
}

func (f *failingStore) Snapshot(ctx context.Context) (*storage.Snapshot, error) {
	return nil, errors.New("connection refused")
}

func TestRunSnapshotFailure(t *testing.T) {
	report := New(&failingStore{}).Run(context.Background())
	if report.Status != StatusError {
		t.Fatalf("status = %s, want %s", report.Status, StatusError)
	}
	if report.Err == nil {
		t.Fatal("expected Err to be set")
	}
	if len(report.Checks) != 0 {
		t.Fatalf("expected no checks, got %d", len(report.Checks))
	}
}

func TestAssertConservationPasses(t *testing.T) {
	store := memory.New()
	seedAccountWithLot(t, store)
	AssertConservation(t, store)
}
