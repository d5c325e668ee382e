package handlers_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/microcents/backend/internal/boundary"
	"github.com/microcents/backend/internal/handlers"
	"github.com/microcents/backend/internal/ledger"
	"github.com/microcents/backend/internal/quarantine"
	"github.com/microcents/backend/internal/reconcile"
	"github.com/microcents/backend/internal/router"
	"github.com/microcents/backend/internal/storage"
	"github.com/microcents/backend/internal/storage/memory"
	"github.com/microcents/backend/internal/transfer"
)

type testAPI struct {
	srv  *httptest.Server
	priv ed25519.PrivateKey
}

type testKeys struct {
	pub ed25519.PublicKey
}

func (k *testKeys) PublicKey(ctx context.Context, sender string) (ed25519.PublicKey, error) {
	return k.pub, nil
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &handlers.LedgerHandler{
		Ledger:     ledger.New(store),
		Transfers:  transfer.New(store),
		Verifier:   boundary.NewVerifier(&testKeys{pub: pub}, store, store),
		Reconciler: reconcile.New(store),
		Quarantine: quarantine.New(store),
		Logger:     logger,
	}
	srv := httptest.NewServer(router.New(h))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, priv: priv}
}

func (a *testAPI) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(a.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var m map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
	}
	return m
}

func (a *testAPI) createAccount(t *testing.T, entityID string) string {
	t.Helper()
	resp, body := a.post(t, "/api/v1/accounts", map[string]string{
		"entity_type": "person",
		"entity_id":   entityID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create account: status %d, body %v", resp.StatusCode, body)
	}
	return body["id"].(string)
}

func (a *testAPI) mint(t *testing.T, accountID, amount string) {
	t.Helper()
	resp, body := a.post(t, "/api/v1/lots", map[string]string{
		"account_id":   accountID,
		"amount_micro": amount,
		"source_type":  "deposit",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint: status %d, body %v", resp.StatusCode, body)
	}
}

func TestFullSettlementFlow(t *testing.T) {
	a := newTestAPI(t)
	account := a.createAccount(t, "alice")
	a.mint(t, account, "1000000")

	resp, body := a.post(t, "/api/v1/reservations", map[string]string{
		"account_id":   account,
		"amount_micro": "500000",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve: status %d, body %v", resp.StatusCode, body)
	}
	reservationID := body["id"].(string)

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"jti":               uuid.NewString(),
		"exp":               time.Now().Add(time.Minute).Unix(),
		"finalized":         true,
		"reservation_id":    reservationID,
		"actual_cost_micro": "300000",
		"models_used":       []string{"model-a"},
		"input_tokens":      100,
		"output_tokens":     50,
		"capability_scopes": []string{boundary.ScopeUsageReport},
	}).SignedString(a.priv)
	if err != nil {
		t.Fatalf("sign report: %v", err)
	}

	resp, body = a.post(t, "/api/v1/usage-reports", map[string]string{
		"sender": "executor-1",
		"token":  token,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage report: status %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "finalized" || body["actual_cost_micro"] != "300000" {
		t.Errorf("unexpected settlement response: %v", body)
	}

	resp, body = a.get(t, "/api/v1/accounts/"+account+"/balance")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance: status %d", resp.StatusCode)
	}
	if body["available_micro"] != "700000" || body["reserved_micro"] != "0" {
		t.Errorf("balance = %v, want 700000 available / 0 reserved", body)
	}

	resp, body = a.get(t, "/api/v1/reconciliation")
	if resp.StatusCode != http.StatusOK || body["status"] != "passed" {
		t.Errorf("reconciliation after settlement: status %d, body %v", resp.StatusCode, body)
	}
}

func TestReserveInsufficientBalance(t *testing.T) {
	a := newTestAPI(t)
	account := a.createAccount(t, "alice")
	a.mint(t, account, "100")

	resp, body := a.post(t, "/api/v1/reservations", map[string]string{
		"account_id":   account,
		"amount_micro": "200",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "INSUFFICIENT_BALANCE" {
		t.Errorf("code = %v, want INSUFFICIENT_BALANCE", body["code"])
	}
}

func TestMintMalformedAmountIsQuarantined(t *testing.T) {
	a := newTestAPI(t)
	account := a.createAccount(t, "alice")

	resp, body := a.post(t, "/api/v1/lots", map[string]string{
		"account_id":   account,
		"amount_micro": "12.5",
		"source_type":  "deposit",
	})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INVALID_AMOUNT" {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}

	resp, err := http.Get(a.srv.URL + "/api/v1/quarantine")
	if err != nil {
		t.Fatalf("GET quarantine: %v", err)
	}
	defer resp.Body.Close()
	var entries []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode quarantine: %v", err)
	}
	if len(entries) != 1 || entries[0]["raw_value"] != "12.5" {
		t.Errorf("quarantine entries = %v", entries)
	}
}

func TestTransferEndpoint(t *testing.T) {
	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")
	bob := a.createAccount(t, "bob")
	a.mint(t, alice, "1000")

	resp, body := a.post(t, "/api/v1/transfers", map[string]string{
		"from_account_id": alice,
		"to_account_id":   bob,
		"amount_micro":    "400",
	})
	if resp.StatusCode != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("transfer: status %d, body %v", resp.StatusCode, body)
	}

	resp, body = a.post(t, "/api/v1/transfers", map[string]string{
		"from_account_id": alice,
		"to_account_id":   alice,
		"amount_micro":    "1",
	})
	if resp.StatusCode != http.StatusConflict || body["code"] != "SELF_TRANSFER" {
		t.Errorf("self transfer: status %d, body %v", resp.StatusCode, body)
	}
}

func TestTransferKeyReuseConflict(t *testing.T) {
	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")
	bob := a.createAccount(t, "bob")
	a.mint(t, alice, "1000")

	req := map[string]string{
		"from_account_id": alice,
		"to_account_id":   bob,
		"amount_micro":    "400",
		"idempotency_key": "req-1",
	}
	resp, body := a.post(t, "/api/v1/transfers", req)
	if resp.StatusCode != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("transfer: status %d, body %v", resp.StatusCode, body)
	}

	req["amount_micro"] = "500"
	resp, body = a.post(t, "/api/v1/transfers", req)
	if resp.StatusCode != http.StatusConflict || body["code"] != "IDEMPOTENCY_KEY_REUSED" {
		t.Errorf("key reuse: status %d, body %v", resp.StatusCode, body)
	}
}

func TestMarkQuarantineReplayedUnknownEntry(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.post(t, "/api/v1/quarantine/"+uuid.NewString()+"/replayed", nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "QUARANTINE_UNKNOWN" {
		t.Errorf("status %d, body %v", resp.StatusCode, body)
	}
}

type failingStore struct {
	storage.Store
}

func (failingStore) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return errors.New("connection reset")
}

func TestMarkQuarantineReplayedStoreFailure(t *testing.T) {
	h := &handlers.LedgerHandler{
		Quarantine: quarantine.New(failingStore{memory.New()}),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quarantine/x/replayed", nil)
	req.SetPathValue("id", uuid.NewString())
	rec := httptest.NewRecorder()
	h.MarkQuarantineReplayed(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "INTERNAL" {
		t.Errorf("code = %v, want INTERNAL", body["code"])
	}
}

func TestMethodGuards(t *testing.T) {
	a := newTestAPI(t)
	resp, err := http.Get(a.srv.URL + "/api/v1/transfers")
	if err != nil {
		t.Fatalf("GET transfers: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
