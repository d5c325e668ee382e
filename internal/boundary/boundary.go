// Package boundary verifies signed usage reports from the execution service
// before any finalize runs. The two services share no state and do not trust
// each other: every inbound report is checked through a strict ordered
// pipeline, and the first failing step decides the error code. Cryptographic
// and replay work all happen here, before the transactional finalize call,
// never inside it.
package boundary

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/money"
	"github.com/microcents/backend/internal/storage"
)

// Verification failure codes. All are permanent except KEY_FETCH_FAILED.
const (
	CodeAlgorithmRejected  = "ALGORITHM_REJECTED"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeClaimsSchema       = "CLAIMS_SCHEMA"
	CodeReplay             = "REPLAY"
	CodeReservationUnknown = "RESERVATION_UNKNOWN"
	CodeOverspend          = "OVERSPEND"
	CodeKeyFetchFailed     = "KEY_FETCH_FAILED"
)

// VerifyError is a classified verification failure. Permanent failures are
// not worth retrying; transient ones may succeed on a later attempt.
type VerifyError struct {
	Code      string
	Permanent bool
	cause     error
}

func (e *VerifyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("boundary: %s: %v", e.Code, e.cause)
	}
	return "boundary: " + e.Code
}

func (e *VerifyError) Unwrap() error { return e.cause }

func permanent(code string, cause error) *VerifyError {
	return &VerifyError{Code: code, Permanent: true, cause: cause}
}

func transient(code string, cause error) *VerifyError {
	return &VerifyError{Code: code, Permanent: false, cause: cause}
}

// KeyProvider resolves the verification key of a report sender. Failure to
// fetch a key is the one transient error in the pipeline.
type KeyProvider interface {
	PublicKey(ctx context.Context, sender string) (ed25519.PublicKey, error)
}

// StaticKeyProvider serves one fixed verification key regardless of sender,
// for deployments with a single execution service.
type StaticKeyProvider struct {
	Key ed25519.PublicKey
}

func (p StaticKeyProvider) PublicKey(ctx context.Context, sender string) (ed25519.PublicKey, error) {
	if len(p.Key) != ed25519.PublicKeySize {
		return nil, errors.New("verification key not configured")
	}
	return p.Key, nil
}

// ReplayStore records every accepted token identifier. Seen is the
// read-only check used mid-pipeline; Record is the atomic acceptance and
// returns false when the identifier was already recorded. Only accepted
// identifiers are ever recorded, so a rejected report can be retried
// verbatim and still receive its real failure code.
type ReplayStore interface {
	SeenReportID(ctx context.Context, jti string) (bool, error)
	RecordReportID(ctx context.Context, jti string, reservationID uuid.UUID) (bool, error)
}

// ReservationLookup reads the reservation a report settles against. A
// missing reservation is reported as storage.ErrNotFound.
type ReservationLookup interface {
	GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
}

// UsageReport is the validated outcome of a verification: exactly what the
// caller may pass into finalize, with the cost as an exact integer no matter
// how large.
type UsageReport struct {
	JTI             string
	ReservationID   uuid.UUID
	ActualCostMicro money.Micro
	ModelsUsed      []string
	InputTokens     int64
	OutputTokens    int64
	Scopes          []string
}

// reportClaims is the wire shape of a usage-report token. Pointer fields
// distinguish "absent" from zero values during schema validation.
type reportClaims struct {
	jwt.RegisteredClaims
	Finalized        *bool    `json:"finalized"`
	ReservationID    string   `json:"reservation_id"`
	ActualCostMicro  string   `json:"actual_cost_micro"`
	ModelsUsed       []string `json:"models_used"`
	InputTokens      *int64   `json:"input_tokens"`
	OutputTokens     *int64   `json:"output_tokens"`
	TrustLevel       *int64   `json:"trust_level,omitempty"`
	CapabilityScopes []string `json:"capability_scopes,omitempty"`
}

// errWrongAlgorithm marks a token signed with anything but the approved
// scheme; surfaced from the keyfunc so it survives the parser's wrapping.
var errWrongAlgorithm = errors.New("unexpected signing algorithm")

// Verifier runs the usage-report pipeline against injected ports, so tests
// can run it fully in memory.
type Verifier struct {
	keys         KeyProvider
	replays      ReplayStore
	reservations ReservationLookup
}

// NewVerifier returns a Verifier over the given ports.
func NewVerifier(keys KeyProvider, replays ReplayStore, reservations ReservationLookup) *Verifier {
	return &Verifier{keys: keys, replays: replays, reservations: reservations}
}

// Verify checks a compact signed usage report from sender and returns its
// validated claims. The pipeline is strictly ordered; the first failing step
// determines the returned *VerifyError:
//
//	key fetch → signature (EdDSA only) → claims schema → replay →
//	reservation pending → overspend
//
// A fresh token identifier referencing an already-reported reservation is
// legitimate (retried delivery with a new envelope) and passes the replay
// step; the reservation-status step is what stops double settlement. The
// identifier is recorded only once every step has passed, so a rejected
// report retried verbatim gets the same code again, not REPLAY.
func (v *Verifier) Verify(ctx context.Context, tokenString, sender string) (*UsageReport, error) {
	key, err := v.keys.PublicKey(ctx, sender)
	if err != nil {
		return nil, transient(CodeKeyFetchFailed, err)
	}

	var claims reportClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
			return nil, errWrongAlgorithm
		}
		return key, nil
	}, jwt.WithExpirationRequired())
	switch {
	case err == nil:
	case errors.Is(err, errWrongAlgorithm):
		return nil, permanent(CodeAlgorithmRejected, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return nil, permanent(CodeClaimsSchema, err)
	default:
		return nil, permanent(CodeSignatureInvalid, err)
	}

	report, schemaErr := validateSchema(&claims)
	if schemaErr != nil {
		return nil, permanent(CodeClaimsSchema, schemaErr)
	}

	seen, err := v.replays.SeenReportID(ctx, report.JTI)
	if err != nil {
		return nil, fmt.Errorf("boundary: replay store: %w", err)
	}
	if seen {
		return nil, permanent(CodeReplay, fmt.Errorf("token %s already accepted", report.JTI))
	}

	r, err := v.reservations.GetReservation(ctx, report.ReservationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, permanent(CodeReservationUnknown, err)
		}
		return nil, fmt.Errorf("boundary: reservation lookup: %w", err)
	}
	if r.Status != models.ReservationPending {
		return nil, permanent(CodeReservationUnknown, fmt.Errorf("reservation %s is %s", r.ID, r.Status))
	}
	if report.ActualCostMicro.Cmp(r.ReservedMicro) > 0 {
		return nil, permanent(CodeOverspend, fmt.Errorf("claimed %s micro against %s micro reserved", report.ActualCostMicro, r.ReservedMicro))
	}

	// Record only on acceptance: rejected reports keep their identifier
	// free so verbatim retries see the real failure code. The atomic
	// record also closes the race between two concurrent deliveries of
	// the same token.
	fresh, err := v.replays.RecordReportID(ctx, report.JTI, report.ReservationID)
	if err != nil {
		return nil, fmt.Errorf("boundary: replay store: %w", err)
	}
	if !fresh {
		return nil, permanent(CodeReplay, fmt.Errorf("token %s already accepted", report.JTI))
	}
	return report, nil
}

// validateSchema checks the claim contents. Signature and expiry are already
// settled by the time this runs.
func validateSchema(c *reportClaims) (*UsageReport, error) {
	if c.ID == "" {
		return nil, errors.New("missing jti")
	}
	if c.Finalized == nil || !*c.Finalized {
		return nil, errors.New("finalized flag absent or false")
	}
	reservationID, err := uuid.Parse(c.ReservationID)
	if err != nil {
		return nil, fmt.Errorf("reservation_id: %w", err)
	}
	cost, err := money.Parse(c.ActualCostMicro)
	if err != nil {
		return nil, fmt.Errorf("actual_cost_micro: %w", err)
	}
	if cost.IsNegative() {
		return nil, errors.New("actual_cost_micro is negative")
	}
	if len(c.ModelsUsed) == 0 {
		return nil, errors.New("missing models_used")
	}
	if c.InputTokens == nil || *c.InputTokens < 0 || c.OutputTokens == nil || *c.OutputTokens < 0 {
		return nil, errors.New("token counts absent or negative")
	}
	scopes, err := NormalizeTrust(c.TrustLevel, c.CapabilityScopes)
	if err != nil {
		return nil, err
	}
	return &UsageReport{
		JTI:             c.ID,
		ReservationID:   reservationID,
		ActualCostMicro: cost,
		ModelsUsed:      c.ModelsUsed,
		InputTokens:     *c.InputTokens,
		OutputTokens:    *c.OutputTokens,
		Scopes:          scopes,
	}, nil
}
