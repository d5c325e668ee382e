package reconcile

import (
	"context"
	"testing"

	"github.com/microcents/backend/internal/storage"
)

// AssertConservation runs a full reconciliation against the store and fails
// the test on any divergence. Intended as the last step of scenario tests so
// every mutation path is checked against the whole catalogue.
func AssertConservation(t testing.TB, store storage.Store) {
	t.Helper()
	report := New(store).Run(context.Background())
	if report.Status == StatusError {
		t.Fatalf("reconciliation failed to run: %v", report.Err)
	}
	for _, c := range report.Failed() {
		t.Errorf("%s (%s): %s", c.PropertyID, c.FailureCode, c.Detail)
	}
	if report.Status != StatusPassed {
		t.FailNow()
	}
}
