package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/microcents/backend/internal/boundary"
	"github.com/microcents/backend/internal/config"
	"github.com/microcents/backend/internal/handlers"
	"github.com/microcents/backend/internal/ledger"
	"github.com/microcents/backend/internal/middleware"
	"github.com/microcents/backend/internal/quarantine"
	"github.com/microcents/backend/internal/reconcile"
	"github.com/microcents/backend/internal/router"
	"github.com/microcents/backend/internal/storage/postgres"
	"github.com/microcents/backend/internal/transfer"
	"github.com/microcents/backend/internal/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	store := postgres.New(pool)
	ledgerSvc := ledger.New(store, ledger.WithReservationTTL(cfg.ReservationTTL))
	transferSvc := transfer.New(store)
	reconciler := reconcile.New(store)
	quarantineSvc := quarantine.New(store)
	verifier := boundary.NewVerifier(
		boundary.StaticKeyProvider{Key: cfg.ReporterPublicKey},
		store,
		store,
	)

	riverWorkers := river.NewWorkers()
	workers.Register(riverWorkers, ledgerSvc, reconciler, quarantineSvc, logger)

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: riverWorkers,
		PeriodicJobs: workers.PeriodicJobs(workers.Intervals{
			ExpireSweep:   cfg.ExpireSweepInterval,
			Reconcile:     cfg.ReconcileInterval,
			Purge:         cfg.QuarantinePurgeInterval,
			RetentionDays: cfg.QuarantineRetentionDays,
		}),
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	handler := &handlers.LedgerHandler{
		Ledger:     ledgerSvc,
		Transfers:  transferSvc,
		Verifier:   verifier,
		Reconciler: reconciler,
		Quarantine: quarantineSvc,
		Logger:     logger,
	}

	mux := router.New(handler)
	wrapped := middleware.RequestLog(logger)(mux)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(wrapped)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	addr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", addr)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
