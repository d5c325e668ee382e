// Package workers holds the background jobs that keep the ledger honest:
// the reservation expiry sweep, the scheduled reconciliation run and the
// quarantine purge.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/microcents/backend/internal/ledger"
	"github.com/microcents/backend/internal/quarantine"
	"github.com/microcents/backend/internal/reconcile"
)

// DefaultExpireBatch bounds how many overdue reservations one sweep releases.
const DefaultExpireBatch = 500

type ExpireReservationsArgs struct {
	Limit int `json:"limit"`
}

func (ExpireReservationsArgs) Kind() string { return "expire_reservations" }

type ExpireReservationsWorker struct {
	river.WorkerDefaults[ExpireReservationsArgs]
	ledger *ledger.Service
	logger *slog.Logger
}

func NewExpireReservationsWorker(svc *ledger.Service, logger *slog.Logger) *ExpireReservationsWorker {
	return &ExpireReservationsWorker{ledger: svc, logger: logger}
}

func (w *ExpireReservationsWorker) Work(ctx context.Context, job *river.Job[ExpireReservationsArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = DefaultExpireBatch
	}
	expired, err := w.ledger.ExpireDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return fmt.Errorf("expire sweep: %w", err)
	}
	if expired > 0 {
		w.logger.Info("expired overdue reservations", "count", expired)
	}
	return nil
}

type RunReconciliationArgs struct{}

func (RunReconciliationArgs) Kind() string { return "run_reconciliation" }

type RunReconciliationWorker struct {
	river.WorkerDefaults[RunReconciliationArgs]
	reconciler *reconcile.Service
	logger     *slog.Logger
}

func NewRunReconciliationWorker(svc *reconcile.Service, logger *slog.Logger) *RunReconciliationWorker {
	return &RunReconciliationWorker{reconciler: svc, logger: logger}
}

func (w *RunReconciliationWorker) Work(ctx context.Context, job *river.Job[RunReconciliationArgs]) error {
	report := w.reconciler.Run(ctx)
	switch report.Status {
	case reconcile.StatusError:
		return fmt.Errorf("reconciliation run: %w", report.Err)
	case reconcile.StatusDivergence:
		for _, c := range report.Failed() {
			w.logger.Error("conservation property violated",
				"property", c.PropertyID,
				"code", c.FailureCode,
				"detail", c.Detail,
			)
		}
		return fmt.Errorf("reconciliation detected %d divergences", len(report.Failed()))
	}
	w.logger.Info("reconciliation passed", "checks", len(report.Checks))
	return nil
}

type PurgeQuarantineArgs struct {
	RetentionDays int `json:"retention_days"`
}

func (PurgeQuarantineArgs) Kind() string { return "purge_quarantine" }

type PurgeQuarantineWorker struct {
	river.WorkerDefaults[PurgeQuarantineArgs]
	quarantine *quarantine.Service
	logger     *slog.Logger
}

func NewPurgeQuarantineWorker(svc *quarantine.Service, logger *slog.Logger) *PurgeQuarantineWorker {
	return &PurgeQuarantineWorker{quarantine: svc, logger: logger}
}

func (w *PurgeQuarantineWorker) Work(ctx context.Context, job *river.Job[PurgeQuarantineArgs]) error {
	purged, err := w.quarantine.Purge(ctx, job.Args.RetentionDays)
	if err != nil {
		return fmt.Errorf("quarantine purge: %w", err)
	}
	if purged > 0 {
		w.logger.Info("purged replayed quarantine entries", "count", purged)
	}
	return nil
}

// Intervals configures the periodic schedule.
type Intervals struct {
	ExpireSweep   time.Duration
	Reconcile     time.Duration
	Purge         time.Duration
	RetentionDays int
}

// Register adds all ledger workers to the given registry.
func Register(workers *river.Workers, ledgerSvc *ledger.Service, reconciler *reconcile.Service, quarantineSvc *quarantine.Service, logger *slog.Logger) {
	river.AddWorker(workers, NewExpireReservationsWorker(ledgerSvc, logger))
	river.AddWorker(workers, NewRunReconciliationWorker(reconciler, logger))
	river.AddWorker(workers, NewPurgeQuarantineWorker(quarantineSvc, logger))
}

// PeriodicJobs builds the periodic schedule for the River client config.
func PeriodicJobs(iv Intervals) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(iv.ExpireSweep),
			func() (river.JobArgs, *river.InsertOpts) {
				return ExpireReservationsArgs{Limit: DefaultExpireBatch}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(iv.Reconcile),
			func() (river.JobArgs, *river.InsertOpts) {
				return RunReconciliationArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(iv.Purge),
			func() (river.JobArgs, *river.InsertOpts) {
				return PurgeQuarantineArgs{RetentionDays: iv.RetentionDays}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
}
