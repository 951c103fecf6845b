package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAccountNotFound is returned when an account id has no snapshot row.
var ErrAccountNotFound = errors.New("account not found")

// AccountRecord is the persisted usage snapshot for a provider account.
// VaultRef is an opaque reference into the operator's secret store; the
// credential itself is never written here.
type AccountRecord struct {
	AccountID     string     `json:"account_id"`
	Provider      string     `json:"provider"`
	VaultRef      string     `json:"vault_ref"`
	IsAvailable   bool       `json:"is_available"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty"`
	RPMUsed       int64      `json:"rpm_used"`
	TPMUsed       int64      `json:"tpm_used"`
	TotalRequests int64      `json:"total_requests"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// SaveAccount upserts the snapshot row for an account. Configured identity
// fields (provider, vault_ref) win on conflict; usage counters are preserved.
func (s *Store) SaveAccount(ctx context.Context, rec AccountRecord) error {
	if rec.AccountID == "" {
		return fmt.Errorf("save account: empty account_id")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (account_id, provider, vault_ref, is_available, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(account_id) DO UPDATE SET
				provider = excluded.provider,
				vault_ref = excluded.vault_ref,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.AccountID, rec.Provider, rec.VaultRef, boolToInt(rec.IsAvailable))
		if err != nil {
			return fmt.Errorf("upsert account: %w", err)
		}
		return nil
	})
}

// GetAccount loads one account snapshot.
func (s *Store) GetAccount(ctx context.Context, accountID string) (AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, provider, vault_ref, is_available, blocked_until,
		       rpm_used, tpm_used, total_requests, last_used
		FROM accounts WHERE account_id = ?;
	`, accountID)
	rec, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrAccountNotFound
	}
	return rec, err
}

// ListAccounts returns all account snapshots ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]AccountRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, provider, vault_ref, is_available, blocked_until,
		       rpm_used, tpm_used, total_requests, last_used
		FROM accounts ORDER BY account_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountRecord
	for rows.Next() {
		rec, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordAccountUsage bumps the usage counters after a dispatch or response.
func (s *Store) RecordAccountUsage(ctx context.Context, accountID string, requests, tokens int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET
				rpm_used = rpm_used + ?,
				tpm_used = tpm_used + ?,
				total_requests = total_requests + ?,
				last_used = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE account_id = ?;
		`, requests, tokens, requests, accountID)
		if err != nil {
			return fmt.Errorf("record account usage: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
}

// BlockAccount marks an account unavailable until the given time.
func (s *Store) BlockAccount(ctx context.Context, accountID string, until time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET is_available = 0, blocked_until = ?, updated_at = CURRENT_TIMESTAMP
			WHERE account_id = ?;
		`, until.UTC(), accountID)
		if err != nil {
			return fmt.Errorf("block account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
}

// UnblockExpiredAccounts restores availability for accounts whose block has
// lapsed. Returns the number of accounts unblocked.
func (s *Store) UnblockExpiredAccounts(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET is_available = 1, blocked_until = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE is_available = 0 AND blocked_until IS NOT NULL AND blocked_until <= ?;
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("unblock accounts: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (AccountRecord, error) {
	var rec AccountRecord
	var available int
	var blockedUntil, lastUsed sql.NullTime
	err := row.Scan(&rec.AccountID, &rec.Provider, &rec.VaultRef, &available,
		&blockedUntil, &rec.RPMUsed, &rec.TPMUsed, &rec.TotalRequests, &lastUsed)
	if err != nil {
		return rec, err
	}
	rec.IsAvailable = available != 0
	if blockedUntil.Valid {
		t := blockedUntil.Time
		rec.BlockedUntil = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsed = &t
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
