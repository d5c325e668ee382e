// Package handlers exposes the ledger core to collaborator services as thin
// JSON endpoints. Every failure body carries a stable machine-readable code
// so callers can branch on it: retry, surface or alert.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/microcents/backend/internal/boundary"
	"github.com/microcents/backend/internal/ledger"
	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/quarantine"
	"github.com/microcents/backend/internal/reconcile"
	"github.com/microcents/backend/internal/storage"
	"github.com/microcents/backend/internal/transfer"
)

// LedgerHandler serves the collaborator-facing API.
type LedgerHandler struct {
	Ledger     *ledger.Service
	Transfers  *transfer.Service
	Verifier   *boundary.Verifier
	Reconciler *reconcile.Service
	Quarantine *quarantine.Service
	Logger     *slog.Logger
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

// ledgerErrorStatus maps stable ledger codes to HTTP statuses. Input errors
// are 400, missing referents 404, state conflicts 409.
var ledgerErrorStatus = map[string]int{
	"INVALID_AMOUNT":          http.StatusBadRequest,
	"INVALID_ENTITY":          http.StatusBadRequest,
	"INVALID_SOURCE_TYPE":     http.StatusBadRequest,
	"ACCOUNT_UNKNOWN":         http.StatusNotFound,
	"RESERVATION_UNKNOWN":     http.StatusNotFound,
	"RESERVATION_NOT_PENDING": http.StatusConflict,
	"INSUFFICIENT_BALANCE":    http.StatusConflict,
	"OVERSPEND":               http.StatusConflict,
}

func (h *LedgerHandler) writeServiceError(w http.ResponseWriter, err error) {
	var lerr *ledger.Error
	if errors.As(err, &lerr) {
		status, ok := ledgerErrorStatus[lerr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeError(w, status, lerr.Code, lerr.Message)
		return
	}
	if errors.Is(err, transfer.ErrAccountUnknown) {
		writeError(w, http.StatusNotFound, "ACCOUNT_UNKNOWN", "account not found")
		return
	}
	if errors.Is(err, transfer.ErrKeyReuse) {
		writeError(w, http.StatusConflict, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used by a different transfer")
		return
	}
	h.Logger.Error("ledger request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

// --- POST /api/v1/accounts ---

type createAccountRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

func (h *LedgerHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	acc, err := h.Ledger.CreateAccount(r.Context(), models.EntityType(req.EntityType), req.EntityID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// --- GET /api/v1/accounts/{id}/balance ---

func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ACCOUNT_ID", "account id is not a UUID")
		return
	}
	balance, err := h.Ledger.GetBalance(r.Context(), accountID, r.URL.Query().Get("pool"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// --- POST /api/v1/lots ---

type mintRequest struct {
	AccountID      string `json:"account_id"`
	AmountMicro    string `json:"amount_micro"`
	SourceType     string `json:"source_type"`
	PoolID         string `json:"pool_id"`
	SourceID       string `json:"source_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

func (h *LedgerHandler) MintLot(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ACCOUNT_ID", "account_id is not a UUID")
		return
	}
	amount, err := money.Parse(req.AmountMicro)
	if err != nil {
		// Malformed money on the mint path is a data-quality event worth
		// keeping, not just rejecting.
		if _, qerr := h.Quarantine.QuarantineParseFailure(r.Context(), quarantine.ParseFailure{
			OriginalRowID: req.AccountID,
			TableName:     "lots",
			RawValue:      req.AmountMicro,
			Context:       "mint request",
			ErrorCode:     "INVALID_AMOUNT",
		}); qerr != nil {
			h.Logger.Error("quarantine insert failed", "error", qerr)
		}
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount_micro is not a canonical integer string")
		return
	}
	lot, err := h.Ledger.MintLot(r.Context(), accountID, amount, req.SourceType, ledger.MintParams{
		PoolID:         req.PoolID,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

// --- POST /api/v1/reservations ---

type reserveRequest struct {
	AccountID   string `json:"account_id"`
	PoolID      string `json:"pool_id"`
	AmountMicro string `json:"amount_micro"`
}

func (h *LedgerHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ACCOUNT_ID", "account_id is not a UUID")
		return
	}
	amount, err := money.Parse(req.AmountMicro)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount_micro is not a canonical integer string")
		return
	}
	reservation, err := h.Ledger.Reserve(r.Context(), accountID, req.PoolID, amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

// --- POST /api/v1/reservations/{id}/release ---

func (h *LedgerHandler) Release(w http.ResponseWriter, r *http.Request) {
	reservationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_RESERVATION_ID", "reservation id is not a UUID")
		return
	}
	if err := h.Ledger.Release(r.Context(), reservationID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// --- POST /api/v1/usage-reports ---

type usageReportRequest struct {
	Sender string `json:"sender"`
	Token  string `json:"token"`
}

type usageReportResponse struct {
	ReservationID   string `json:"reservation_id"`
	ActualCostMicro string `json:"actual_cost_micro"`
	Status          string `json:"status"`
}

// SubmitUsageReport verifies a signed usage report from the execution
// service and finalizes the reservation it proves. Verification happens
// entirely before the transactional finalize.
func (h *LedgerHandler) SubmitUsageReport(w http.ResponseWriter, r *http.Request) {
	var req usageReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	report, err := h.Verifier.Verify(r.Context(), req.Token, req.Sender)
	if err != nil {
		var verr *boundary.VerifyError
		if errors.As(err, &verr) {
			status := http.StatusUnprocessableEntity
			if !verr.Permanent {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, verr.Code, verr.Error())
			return
		}
		h.Logger.Error("usage report verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	if err := h.Ledger.Finalize(r.Context(), report.ReservationID, report.ActualCostMicro); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageReportResponse{
		ReservationID:   report.ReservationID.String(),
		ActualCostMicro: report.ActualCostMicro.String(),
		Status:          "finalized",
	})
}

// --- POST /api/v1/transfers ---

type transferRequest struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	AmountMicro    string `json:"amount_micro"`
	PoolID         string `json:"pool_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	fromID, err := uuid.Parse(req.FromAccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ACCOUNT_ID", "from_account_id is not a UUID")
		return
	}
	toID, err := uuid.Parse(req.ToAccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ACCOUNT_ID", "to_account_id is not a UUID")
		return
	}
	amount, err := money.Parse(req.AmountMicro)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount_micro is not a canonical integer string")
		return
	}
	result, err := h.Transfers.Transfer(r.Context(), fromID, toID, amount, transfer.Params{
		PoolID:         req.PoolID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if result.Status == transfer.StatusRejected {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// --- POST /api/v1/clawbacks ---

type clawbackRequest struct {
	AccountID string `json:"account_id"`
	PoolID    string `json:"pool_id"`
	SourceID  string `json:"source_id"`
}

func (h *LedgerHandler) Clawback(w http.ResponseWriter, r *http.Request) {
	var req clawbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ACCOUNT_ID", "account_id is not a UUID")
		return
	}
	result, err := h.Ledger.Clawback(r.Context(), accountID, req.PoolID, req.SourceID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- GET /api/v1/reconciliation ---

func (h *LedgerHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report := h.Reconciler.Run(r.Context())
	if report.Status == reconcile.StatusError {
		h.Logger.Error("reconciliation run failed", "error", report.Err)
		writeError(w, http.StatusInternalServerError, "RECONCILE_ERROR", "reconciliation could not run")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- GET /api/v1/quarantine ---

func (h *LedgerHandler) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Quarantine.GetUnreplayed(r.Context())
	if err != nil {
		h.Logger.Error("quarantine listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	if entries == nil {
		entries = []*models.QuarantineEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- POST /api/v1/quarantine/{id}/replayed ---

func (h *LedgerHandler) MarkQuarantineReplayed(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUARANTINE_ID", "quarantine id is not a UUID")
		return
	}
	marked, err := h.Quarantine.MarkReplayed(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "QUARANTINE_UNKNOWN", "quarantine entry not found")
			return
		}
		h.Logger.Error("quarantine mark-replayed failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"marked": marked})
}
