package router

import (
	"net/http"

	"github.com/microcents/backend/internal/handlers"
)

// New returns an http.Handler serving the ledger API under /api/v1. Method
// guards live in the route patterns; unmatched methods get 405 from the mux.
func New(h *handlers.LedgerHandler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("POST "+base+"/accounts", h.CreateAccount)
	mux.HandleFunc("GET "+base+"/accounts/{id}/balance", h.GetBalance)
	mux.HandleFunc("POST "+base+"/lots", h.MintLot)
	mux.HandleFunc("POST "+base+"/reservations", h.Reserve)
	mux.HandleFunc("POST "+base+"/reservations/{id}/release", h.Release)
	mux.HandleFunc("POST "+base+"/usage-reports", h.SubmitUsageReport)
	mux.HandleFunc("POST "+base+"/transfers", h.Transfer)
	mux.HandleFunc("POST "+base+"/clawbacks", h.Clawback)
	mux.HandleFunc("GET "+base+"/reconciliation", h.Reconcile)
	mux.HandleFunc("GET "+base+"/quarantine", h.ListQuarantine)
	mux.HandleFunc("POST "+base+"/quarantine/{id}/replayed", h.MarkQuarantineReplayed)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}
