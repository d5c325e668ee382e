// Package quarantine dead-letters monetary values that failed to parse.
// Malformed input anywhere in the pipeline degrades to "quarantined and
// retryable" instead of crashing a transaction or silently corrupting a
// balance. Entries are deduplicated by a content fingerprint so a repeating
// failure does not grow the table or the alert volume.
package quarantine

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/microcents/backend/internal/models"
	"github.com/microcents/backend/internal/storage"
)

// DefaultRetentionDays is how long replayed entries are kept before purge.
const DefaultRetentionDays = 30

// DefaultListLimit bounds one page of unreplayed entries.
const DefaultListLimit = 200

// ParseFailure describes one value that could not be parsed.
type ParseFailure struct {
	OriginalRowID string
	TableName     string
	RawValue      string
	Context       string
	ErrorCode     string
}

// Fingerprint derives the content fingerprint of a failure. Two failures of
// the identical condition hash identically; the Context field is operator
// commentary and deliberately excluded.
func (f ParseFailure) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{f.TableName, f.OriginalRowID, f.RawValue, f.ErrorCode} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Service is the quarantine lifecycle over a store.
type Service struct {
	store storage.Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a quarantine Service over the given store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QuarantineParseFailure records a parse failure, ignoring duplicates of the
// same fingerprint. Returns whether a new entry was inserted.
func (s *Service) QuarantineParseFailure(ctx context.Context, f ParseFailure) (bool, error) {
	inserted := false
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		inserted, err = tx.InsertQuarantine(ctx, &models.QuarantineEntry{
			ID:                uuid.New(),
			OriginalRowID:     f.OriginalRowID,
			TableName:         f.TableName,
			RawValue:          f.RawValue,
			Context:           f.Context,
			ErrorCode:         f.ErrorCode,
			SourceFingerprint: f.Fingerprint(),
			CreatedAt:         s.now(),
		})
		return err
	})
	return inserted, err
}

// GetUnreplayed lists the oldest entries still waiting on an upstream fix.
func (s *Service) GetUnreplayed(ctx context.Context) ([]*models.QuarantineEntry, error) {
	return s.store.UnreplayedQuarantine(ctx, DefaultListLimit)
}

// MarkReplayed stamps an entry as replayed. Returns false without error when
// the entry was already replayed, so concurrent replayers cannot both claim
// the same row.
func (s *Service) MarkReplayed(ctx context.Context, id uuid.UUID) (bool, error) {
	marked := false
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		marked, err = tx.MarkReplayed(ctx, id, s.now())
		return err
	})
	return marked, err
}

// RecordReplayFailure increments the entry's attempt counter and stores the
// error without marking it replayed.
func (s *Service) RecordReplayFailure(ctx context.Context, id uuid.UUID, replayErr error) error {
	msg := ""
	if replayErr != nil {
		msg = replayErr.Error()
	}
	return s.store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.RecordReplayFailure(ctx, id, msg)
	})
}

// Purge deletes replayed entries older than the retention window. Unreplayed
// entries are never purged regardless of age. Idempotent: a second run over
// the same window deletes nothing new. Returns how many rows were removed.
func (s *Service) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	var purged int64
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		purged, err = tx.PurgeQuarantine(ctx, cutoff)
		return err
	})
	return purged, err
}
