// Package registry implements the Watch Registry (C3, spec.md §4.3): the
// authoritative set of accounts under watch and their per-account cursor.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/esharat1/esharar/internal/domain"
	"github.com/esharat1/esharar/internal/storage"
)

// AddResult is the outcome of Add.
type AddResult string

const (
	AddResultAdded     AddResult = "added"
	AddResultDuplicate AddResult = "duplicate"
)

// RemoveResult is the outcome of Remove.
type RemoveResult string

const (
	RemoveResultRemoved  RemoveResult = "removed"
	RemoveResultNotFound RemoveResult = "not_found"
)

// Registry is the Watch Registry's contract (spec.md §4.3).
type Registry interface {
	Add(ctx context.Context, subscriberID int64, account string, credential []byte, nickname string) (AddResult, error)
	Remove(ctx context.Context, subscriberID int64, account string) (RemoveResult, error)
	SubscribersOf(ctx context.Context, account string) ([]int64, error)
	AllActive(ctx context.Context) ([]domain.Watch, error)
	AdvanceCursor(ctx context.Context, account, signature string) error
	ReadSetting(ctx context.Context, key, defaultValue string) (string, error)
	WriteSetting(ctx context.Context, key, value string) error
	TransferAllTo(ctx context.Context, destSubscriberID int64) (domain.TransferStats, error)
}

// PGRegistry is a Registry backed by Postgres via pgx.
type PGRegistry struct {
	pool *storage.Pool
}

// New creates a PGRegistry over pool.
func New(pool *storage.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

// Add admits a (subscriber, account) watch. An already-owned (subscriber,
// account) pair is a no-op error "duplicate" (spec.md §4.3).
func (r *PGRegistry) Add(ctx context.Context, subscriberID int64, account string, credential []byte, nickname string) (AddResult, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO users (chat_id) VALUES ($1) ON CONFLICT DO NOTHING`, subscriberID); err != nil {
		return "", fmt.Errorf("ensure subscriber: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO monitored_wallets (chat_id, wallet_address, private_key_encrypted, nickname, is_active)
		VALUES ($1, $2, $3, NULLIF($4, ''), true)
		ON CONFLICT (chat_id, wallet_address) DO UPDATE SET is_active = true
		WHERE monitored_wallets.is_active = false
	`, subscriberID, account, credential, nickname)
	if err != nil {
		return "", fmt.Errorf("add watch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return AddResultDuplicate, nil
	}
	return AddResultAdded, nil
}

// Remove deactivates a (subscriber, account) watch. A watch with zero
// subscribers left is no longer part of the working set (spec.md §3
// invariant) — is_active flips to false, AllActive simply won't return it.
func (r *PGRegistry) Remove(ctx context.Context, subscriberID int64, account string) (RemoveResult, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE monitored_wallets SET is_active = false, updated_at = now()
		WHERE chat_id = $1 AND wallet_address = $2 AND is_active = true
	`, subscriberID, account)
	if err != nil {
		return "", fmt.Errorf("remove watch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return RemoveResultNotFound, nil
	}
	return RemoveResultRemoved, nil
}

// SubscribersOf returns every subscriber actively watching account.
func (r *PGRegistry) SubscribersOf(ctx context.Context, account string) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT chat_id FROM monitored_wallets WHERE wallet_address = $1 AND is_active = true
	`, account)
	if err != nil {
		return nil, fmt.Errorf("subscribers_of: %w", err)
	}
	defer rows.Close()

	var subs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, id)
	}
	return subs, rows.Err()
}

// AllActive returns every active watch row (spec.md §4.3). Multiple rows
// may share the same account if several subscribers watch it; the scheduler
// groups them into the per-account working set.
func (r *PGRegistry) AllActive(ctx context.Context) ([]domain.Watch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, chat_id, wallet_address, private_key_encrypted,
		       COALESCE(nickname, ''), COALESCE(last_signature, ''), monitoring_start_time
		FROM monitored_wallets
		WHERE is_active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("all_active: %w", err)
	}
	defer rows.Close()

	var watches []domain.Watch
	for rows.Next() {
		var w domain.Watch
		if err := rows.Scan(&w.ID, &w.SubscriberID, &w.Account, &w.Credential, &w.Nickname, &w.Cursor, &w.InceptionTime); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		w.Active = true
		watches = append(watches, w)
	}
	return watches, rows.Err()
}

// AdvanceCursor sets the cursor for every active watch on account to
// signature in one statement, keeping the cursor consistent across
// subscribers regardless of which one triggered the poll — this is the
// implementation's resolution of the double-cursor-advance wrinkle noted in
// spec.md §9.
func (r *PGRegistry) AdvanceCursor(ctx context.Context, account, signature string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE monitored_wallets SET last_signature = $1, updated_at = now()
		WHERE wallet_address = $2 AND is_active = true
	`, signature, account)
	if err != nil {
		return fmt.Errorf("advance_cursor: %w", err)
	}
	return nil
}

// ReadSetting returns a persisted setting or defaultValue if unset.
func (r *PGRegistry) ReadSetting(ctx context.Context, key, defaultValue string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT setting_value FROM settings WHERE setting_key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultValue, nil
	}
	if err != nil {
		return "", fmt.Errorf("read_setting: %w", err)
	}
	return value, nil
}

// WriteSetting persists key=value, surviving restart (spec.md §3).
func (r *PGRegistry) WriteSetting(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO settings (setting_key, setting_value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (setting_key) DO UPDATE SET setting_value = EXCLUDED.setting_value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("write_setting: %w", err)
	}
	return nil
}

// TransferAllTo reassigns every active watch to destSubscriberID (operator
// handoff, spec.md §4.3). Watches destSubscriberID already owns are skipped,
// not duplicated.
func (r *PGRegistry) TransferAllTo(ctx context.Context, destSubscriberID int64) (domain.TransferStats, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO users (chat_id) VALUES ($1) ON CONFLICT DO NOTHING`, destSubscriberID); err != nil {
		return domain.TransferStats{}, fmt.Errorf("ensure destination subscriber: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE monitored_wallets SET chat_id = $1, updated_at = now()
		WHERE is_active = true AND chat_id <> $1
		AND NOT EXISTS (
			SELECT 1 FROM monitored_wallets existing
			WHERE existing.chat_id = $1 AND existing.wallet_address = monitored_wallets.wallet_address
		)
	`, destSubscriberID)
	if err != nil {
		return domain.TransferStats{}, fmt.Errorf("transfer_all_to: %w", err)
	}

	var skipped int
	err = r.pool.QueryRow(ctx, `
		SELECT count(*) FROM monitored_wallets
		WHERE is_active = true AND chat_id <> $1
	`, destSubscriberID).Scan(&skipped)
	if err != nil {
		return domain.TransferStats{}, fmt.Errorf("count skipped: %w", err)
	}

	return domain.TransferStats{Transferred: int(tag.RowsAffected()), Skipped: skipped}, nil
}
