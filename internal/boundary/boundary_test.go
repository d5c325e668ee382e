package boundary

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/microcents/backend/internal/ledger"
	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/storage/memory"
)

const testSender = "executor-1"

type staticKeys struct {
	keys map[string]ed25519.PublicKey
	err  error
}

func (s *staticKeys) PublicKey(ctx context.Context, sender string) (ed25519.PublicKey, error) {
	if s.err != nil {
		return nil, s.err
	}
	key, ok := s.keys[sender]
	if !ok {
		return nil, errors.New("unknown sender")
	}
	return key, nil
}

type fixture struct {
	verifier *Verifier
	ledger   *ledger.Service
	store    *memory.Store
	priv     ed25519.PrivateKey
	account  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store := memory.New()
	lsvc := ledger.New(store)
	acc, err := lsvc.CreateAccount(context.Background(), models.EntityAgent, "agent-1")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	keys := &staticKeys{keys: map[string]ed25519.PublicKey{testSender: pub}}
	return &fixture{
		verifier: NewVerifier(keys, store, store),
		ledger:   lsvc,
		store:    store,
		priv:     priv,
		account:  acc.ID,
	}
}

func (f *fixture) reserve(t *testing.T, amount string) uuid.UUID {
	t.Helper()
	if _, err := f.ledger.MintLot(context.Background(), f.account, money.MustParse(amount), models.SourceDeposit, ledger.MintParams{}); err != nil {
		t.Fatalf("MintLot: %v", err)
	}
	r, err := f.ledger.Reserve(context.Background(), f.account, models.DefaultPoolID, money.MustParse(amount))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return r.ID
}

// goodClaims returns a fully valid claim set for the reservation; tests
// mutate single fields to probe the schema step.
func goodClaims(reservationID uuid.UUID, cost string) jwt.MapClaims {
	return jwt.MapClaims{
		"jti":               uuid.NewString(),
		"exp":               time.Now().Add(time.Minute).Unix(),
		"finalized":         true,
		"reservation_id":    reservationID.String(),
		"actual_cost_micro": cost,
		"models_used":       []string{"model-a"},
		"input_tokens":      1200,
		"output_tokens":     340,
		"capability_scopes": []string{ScopeUsageReport},
	}
}

func (f *fixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(f.priv)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return token
}

func assertCode(t *testing.T, err error, code string, wantPermanent bool) {
	t.Helper()
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want *VerifyError %s", err, code)
	}
	if verr.Code != code {
		t.Fatalf("code = %s, want %s (%v)", verr.Code, code, err)
	}
	if verr.Permanent != wantPermanent {
		t.Errorf("permanent = %v, want %v", verr.Permanent, wantPermanent)
	}
}

func TestVerifyAcceptsValidReport(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "500000")
	token := f.sign(t, goodClaims(resID, "300000"))

	report, err := f.verifier.Verify(context.Background(), token, testSender)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.ReservationID != resID {
		t.Errorf("reservation = %s, want %s", report.ReservationID, resID)
	}
	if !report.ActualCostMicro.Equal(money.FromInt64(300_000)) {
		t.Errorf("cost = %s, want 300000", report.ActualCostMicro)
	}
	if report.InputTokens != 1200 || report.OutputTokens != 340 {
		t.Errorf("token counts = %d/%d", report.InputTokens, report.OutputTokens)
	}

	// The validated cost feeds straight into finalize.
	if err := f.ledger.Finalize(context.Background(), report.ReservationID, report.ActualCostMicro); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestVerifyCostExceedsNativeIntegerRange(t *testing.T) {
	f := newFixture(t)
	huge := "123456789012345678901234567890"
	resID := f.reserve(t, huge)
	token := f.sign(t, goodClaims(resID, huge))

	report, err := f.verifier.Verify(context.Background(), token, testSender)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.ActualCostMicro.String() != huge {
		t.Errorf("cost = %s, want %s", report.ActualCostMicro, huge)
	}
}

func TestVerifyRejectsForeignAlgorithm(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, goodClaims(resID, "500")).SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	_, err = f.verifier.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeAlgorithmRejected, true)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, goodClaims(resID, "500")).SignedString(otherPriv)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	_, err = f.verifier.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeSignatureInvalid, true)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")
	claims := goodClaims(resID, "500")
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	_, err := f.verifier.Verify(context.Background(), f.sign(t, claims), testSender)
	assertCode(t, err, CodeClaimsSchema, true)
}

func TestVerifyClaimsSchema(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")

	mutations := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{"missing jti", func(c jwt.MapClaims) { delete(c, "jti") }},
		{"missing exp", func(c jwt.MapClaims) { delete(c, "exp") }},
		{"finalized false", func(c jwt.MapClaims) { c["finalized"] = false }},
		{"missing finalized", func(c jwt.MapClaims) { delete(c, "finalized") }},
		{"negative cost", func(c jwt.MapClaims) { c["actual_cost_micro"] = "-500" }},
		{"fractional cost", func(c jwt.MapClaims) { c["actual_cost_micro"] = "12.5" }},
		{"bad reservation id", func(c jwt.MapClaims) { c["reservation_id"] = "not-a-uuid" }},
		{"missing models_used", func(c jwt.MapClaims) { delete(c, "models_used") }},
		{"missing token counts", func(c jwt.MapClaims) { delete(c, "input_tokens") }},
		{"negative token count", func(c jwt.MapClaims) { c["output_tokens"] = -1 }},
		{"ambiguous trust claims", func(c jwt.MapClaims) { c["trust_level"] = 2 }},
		{"no trust claims", func(c jwt.MapClaims) { delete(c, "capability_scopes") }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			claims := goodClaims(resID, "500")
			tc.mutate(claims)
			_, err := f.verifier.Verify(context.Background(), f.sign(t, claims), testSender)
			assertCode(t, err, CodeClaimsSchema, true)
		})
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")
	token := f.sign(t, goodClaims(resID, "500"))

	if _, err := f.verifier.Verify(context.Background(), token, testSender); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	_, err := f.verifier.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeReplay, true)
}

func TestVerifyAcceptsFreshTokenForSameReservation(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")

	if _, err := f.verifier.Verify(context.Background(), f.sign(t, goodClaims(resID, "500")), testSender); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	// Retried delivery arrives in a fresh envelope: new jti, same reservation.
	if _, err := f.verifier.Verify(context.Background(), f.sign(t, goodClaims(resID, "500")), testSender); err != nil {
		t.Fatalf("fresh-jti Verify: %v", err)
	}
}

func TestVerifyUnknownReservation(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "1000")
	token := f.sign(t, goodClaims(uuid.New(), "500"))
	_, err := f.verifier.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeReservationUnknown, true)
}

func TestVerifyTerminalReservation(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")
	if err := f.ledger.Release(context.Background(), resID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	token := f.sign(t, goodClaims(resID, "500"))
	_, err := f.verifier.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeReservationUnknown, true)
}

func TestVerifyOverspend(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")
	token := f.sign(t, goodClaims(resID, "1001"))
	_, err := f.verifier.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeOverspend, true)
}

func TestVerifyRejectionDoesNotBurnTokenID(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")
	token := f.sign(t, goodClaims(resID, "1001"))

	// Identifiers are recorded only on acceptance, so the identical token
	// keeps reporting the real failure instead of degrading to REPLAY.
	_, err := f.verifier.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeOverspend, true)
	_, err = f.verifier.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeOverspend, true)

	// The reservation is still open to a corrected report.
	if _, err := f.verifier.Verify(context.Background(), f.sign(t, goodClaims(resID, "1000")), testSender); err != nil {
		t.Fatalf("corrected Verify: %v", err)
	}
}

func TestVerifyKeyFetchFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	resID := f.reserve(t, "1000")
	token := f.sign(t, goodClaims(resID, "500"))

	broken := NewVerifier(&staticKeys{err: errors.New("registry unreachable")}, f.store, f.store)
	_, err := broken.Verify(context.Background(), token, testSender)
	assertCode(t, err, CodeKeyFetchFailed, false)
}
