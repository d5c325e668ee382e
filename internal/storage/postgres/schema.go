package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the ledger DDL, applied idempotently at startup. Storage-level
// constraints enforce the write-time half of the conservation catalogue:
// closed enumerations, non-negative quantities, per-lot conservation,
// unique idempotency keys and per-stream entry sequences.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id          UUID PRIMARY KEY,
    entity_type TEXT NOT NULL CHECK (entity_type IN ('person', 'agent', 'community', 'protocol', 'system')),
    entity_id   TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS lots (
    id              UUID PRIMARY KEY,
    lot_seq         BIGSERIAL NOT NULL,
    account_id      UUID NOT NULL REFERENCES accounts(id),
    pool_id         TEXT NOT NULL,
    original_micro  NUMERIC NOT NULL CHECK (original_micro >= 0),
    available_micro NUMERIC NOT NULL CHECK (available_micro >= 0),
    reserved_micro  NUMERIC NOT NULL CHECK (reserved_micro >= 0),
    consumed_micro  NUMERIC NOT NULL CHECK (consumed_micro >= 0),
    source_type     TEXT NOT NULL CHECK (source_type IN ('deposit', 'transfer_in', 'tba_deposit', 'refund', 'promo', 'referral_bonus')),
    source_id       TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (available_micro + reserved_micro + consumed_micro = original_micro)
);

CREATE INDEX IF NOT EXISTS idx_lots_account_pool ON lots (account_id, pool_id, lot_seq);
CREATE INDEX IF NOT EXISTS idx_lots_source ON lots (account_id, pool_id, source_id);

CREATE TABLE IF NOT EXISTS reservations (
    id             UUID PRIMARY KEY,
    account_id     UUID NOT NULL REFERENCES accounts(id),
    pool_id        TEXT NOT NULL,
    reserved_micro NUMERIC NOT NULL CHECK (reserved_micro >= 0),
    status         TEXT NOT NULL CHECK (status IN ('pending', 'finalized', 'released', 'expired')),
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_pending_expiry ON reservations (expires_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS reservation_allocations (
    reservation_id UUID NOT NULL REFERENCES reservations(id),
    lot_id         UUID NOT NULL REFERENCES lots(id),
    amount_micro   NUMERIC NOT NULL CHECK (amount_micro > 0),
    PRIMARY KEY (reservation_id, lot_id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id              UUID PRIMARY KEY,
    account_id      UUID NOT NULL REFERENCES accounts(id),
    pool_id         TEXT NOT NULL,
    entry_seq       BIGINT NOT NULL,
    entry_type      TEXT NOT NULL,
    amount_micro    NUMERIC NOT NULL,
    idempotency_key TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    causation_id    UUID,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT ledger_entries_idempotency_key_key UNIQUE (idempotency_key),
    CONSTRAINT ledger_entries_stream_seq_key UNIQUE (account_id, pool_id, entry_seq)
);

CREATE TABLE IF NOT EXISTS debts (
    id                UUID PRIMARY KEY,
    account_id        UUID NOT NULL REFERENCES accounts(id),
    pool_id           TEXT NOT NULL,
    debt_micro        NUMERIC NOT NULL CHECK (debt_micro > 0),
    source_payment_id TEXT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quarantine_entries (
    id                 UUID PRIMARY KEY,
    original_row_id    TEXT NOT NULL,
    table_name         TEXT NOT NULL,
    raw_value          TEXT NOT NULL,
    context            TEXT NOT NULL DEFAULT '',
    error_code         TEXT NOT NULL,
    source_fingerprint TEXT NOT NULL UNIQUE,
    replayed_at        TIMESTAMPTZ,
    replay_attempts    INT NOT NULL DEFAULT 0,
    last_replay_error  TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_events (
    id         UUID PRIMARY KEY,
    account_id UUID NOT NULL,
    kind       TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_report_ids (
    jti            TEXT PRIMARY KEY,
    reservation_id UUID NOT NULL,
    seen_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Safe to run on every boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
