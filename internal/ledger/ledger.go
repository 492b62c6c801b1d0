// Package ledger implements the Notified-Signature Ledger and the Duplicate
// Suppressor (C6, spec.md §4.6): an insert-if-absent on transaction_history's
// unique signature column is the coordination primitive. This trivially
// guarantees at-most-one notification per signature across all subscribers,
// cycles, and process restarts, provided the ledger is durable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/esharat1/esharar/internal/domain"
	"github.com/esharat1/esharar/internal/storage"
)

const uniqueViolation = "23505"

// ClaimResult is the outcome of Claim.
type ClaimResult string

const (
	ClaimResultClaimed        ClaimResult = "claimed"
	ClaimResultAlreadyClaimed ClaimResult = "already_claimed"
)

// Ledger is the Duplicate Suppressor's contract (spec.md §4.6).
type Ledger interface {
	// Claim records signature as notified, under the first subscriber that
	// discovered it. Returns ClaimResultAlreadyClaimed if another cycle or
	// process already claimed it — the caller must not notify in that case.
	Claim(ctx context.Context, signature, account string, chatID int64, amount float64, kind domain.TxKind, blockTime time.Time) (ClaimResult, error)

	// RecordDust records a below-threshold transaction once per signature
	// (spec.md §9 fixes the original's per-subscriber dust row to
	// one-row-per-signature) without marking it notified.
	RecordDust(ctx context.Context, signature, account string, chatID int64, amount float64, blockTime time.Time) (ClaimResult, error)

	// IsNotified reports whether signature already has a ledger row, either a
	// notified claim or a dust row.
	IsNotified(ctx context.Context, signature string) (bool, error)
}

// PGLedger is a Ledger backed by Postgres via pgx.
type PGLedger struct {
	pool *storage.Pool
}

// New creates a PGLedger over pool.
func New(pool *storage.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) insert(ctx context.Context, signature, account string, chatID int64, amount float64, kind domain.TxKind, blockTime time.Time, notified bool) (ClaimResult, error) {
	var bt *time.Time
	if !blockTime.IsZero() {
		bt = &blockTime
	}

	_, err := l.pool.Exec(ctx, `
		INSERT INTO transaction_history (wallet_address, chat_id, signature, amount, tx_type, block_time, status, notified)
		VALUES ($1, $2, $3, $4, $5, $6, 'confirmed', $7)
	`, account, chatID, signature, amount, string(kind), bt, notified)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ClaimResultAlreadyClaimed, nil
		}
		return "", fmt.Errorf("insert ledger row: %w", err)
	}
	return ClaimResultClaimed, nil
}

// Claim implements the Duplicate Suppressor's sole operation.
func (l *PGLedger) Claim(ctx context.Context, signature, account string, chatID int64, amount float64, kind domain.TxKind, blockTime time.Time) (ClaimResult, error) {
	return l.insert(ctx, signature, account, chatID, amount, kind, blockTime, true)
}

// RecordDust claims the signature as a dust row, notified=false.
func (l *PGLedger) RecordDust(ctx context.Context, signature, account string, chatID int64, amount float64, blockTime time.Time) (ClaimResult, error) {
	return l.insert(ctx, signature, account, chatID, amount, domain.KindDust, blockTime, false)
}

// IsNotified reports whether signature has already been recorded.
func (l *PGLedger) IsNotified(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transaction_history WHERE signature = $1)`, signature).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is_notified: %w", err)
	}
	return exists, nil
}
