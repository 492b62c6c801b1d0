// Package storage owns the Postgres connection pool and schema shared by the
// Watch Registry (C3) and the Notified-Signature Ledger (C6). Both are
// "synchronized by its transactions/uniqueness constraints" per spec.md §5 —
// there is no additional in-process locking around these tables.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema matches the four tables in spec.md §6. CREATE IF NOT EXISTS keeps
// startup idempotent across restarts.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	chat_id    BIGINT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS monitored_wallets (
	id                     BIGSERIAL PRIMARY KEY,
	chat_id                BIGINT NOT NULL REFERENCES users(chat_id),
	wallet_address         TEXT NOT NULL,
	private_key_encrypted  BYTEA NOT NULL,
	nickname               TEXT,
	is_active              BOOLEAN NOT NULL DEFAULT true,
	last_signature         TEXT,
	monitoring_start_time  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (chat_id, wallet_address)
);

CREATE INDEX IF NOT EXISTS idx_monitored_wallets_active
	ON monitored_wallets (wallet_address) WHERE is_active;

CREATE TABLE IF NOT EXISTS transaction_history (
	id            BIGSERIAL PRIMARY KEY,
	wallet_address TEXT NOT NULL,
	chat_id       BIGINT NOT NULL,
	signature     TEXT NOT NULL UNIQUE,
	amount        DOUBLE PRECISION NOT NULL,
	tx_type       TEXT NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL DEFAULT now(),
	block_time    TIMESTAMPTZ,
	status        TEXT NOT NULL DEFAULT 'confirmed',
	notified      BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settings (
	setting_key   TEXT PRIMARY KEY,
	setting_value TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Pool wraps a pgx connection pool and owns schema migration on startup.
type Pool struct {
	*pgxpool.Pool
}

// Open connects to Postgres at dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Pool{pool}, nil
}
