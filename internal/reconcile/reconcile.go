// Package reconcile re-derives the conservation catalogue from live storage
// and reports pass/fail per property. Running it has no side effects, so it
// is safe on every test assertion as well as on a production schedule.
package reconcile

import (
	"context"
	"time"

	"github.com/microcents/backend/internal/invariant"
	"github.com/microcents/backend/internal/storage"
)

// Report statuses.
const (
	StatusPassed     = "passed"
	StatusDivergence = "divergence_detected"
	StatusError      = "error"
)

// DefaultPendingGrace is how far behind the expiry sweep may run before the
// liveness check flags it.
const DefaultPendingGrace = 5 * time.Minute

// Check is the verdict for one catalogued property.
type Check struct {
	PropertyID  string             `json:"property_id"`
	Statement   string             `json:"statement"`
	Kind        invariant.Kind     `json:"kind"`
	Universe    invariant.Universe `json:"universe"`
	FailureCode string             `json:"failure_code"`
	Passed      bool               `json:"passed"`
	Detail      string             `json:"detail,omitempty"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Status  string    `json:"status"`
	TakenAt time.Time `json:"taken_at"`
	Checks  []Check   `json:"checks"`
	// Err carries the snapshot failure when Status is error.
	Err error `json:"-"`
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Service evaluates the invariant catalogue against a store.
type Service struct {
	store        storage.Store
	pendingGrace time.Duration
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPendingGrace overrides the liveness grace window.
func WithPendingGrace(d time.Duration) Option {
	return func(s *Service) { s.pendingGrace = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a reconciliation Service over the given store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		pendingGrace: DefaultPendingGrace,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run snapshots storage once and evaluates every catalogued property
// against it.
func (s *Service) Run(ctx context.Context) *Report {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return &Report{Status: StatusError, TakenAt: s.now(), Err: err}
	}
	params := invariant.Params{Now: s.now(), PendingGrace: s.pendingGrace}

	report := &Report{Status: StatusPassed, TakenAt: snap.TakenAt}
	for _, p := range invariant.Catalogue {
		verdict := invariant.Evaluators[p.ID](snap, params)
		report.Checks = append(report.Checks, Check{
			PropertyID:  p.ID,
			Statement:   p.Statement,
			Kind:        p.Kind,
			Universe:    p.Universe,
			FailureCode: p.FailureCode,
			Passed:      verdict.Passed,
			Detail:      verdict.Detail,
		})
		if !verdict.Passed {
			report.Status = StatusDivergence
		}
	}
	return report
}
