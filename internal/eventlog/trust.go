package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBinaryNotPinned is returned when a binary has no trusted checksum on record.
var ErrBinaryNotPinned = errors.New("binary not pinned")

// TrustedBinary is one pinned collaborator binary.
type TrustedBinary struct {
	Path       string     `json:"path"`
	SHA256     string     `json:"sha256"`
	PinnedAt   time.Time  `json:"pinned_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// PinBinary records (or replaces) the trusted checksum for a binary path.
func (s *Store) PinBinary(ctx context.Context, path, digest string) error {
	if path == "" || digest == "" {
		return fmt.Errorf("pin binary: path and digest required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO trusted_binaries (path, sha256, pinned_at, verified_at)
			VALUES (?, ?, CURRENT_TIMESTAMP, NULL)
			ON CONFLICT(path) DO UPDATE SET
				sha256 = excluded.sha256,
				pinned_at = CURRENT_TIMESTAMP,
				verified_at = NULL;
		`, path, digest)
		return err
	})
}

// TrustedDigest returns the pinned checksum for a binary path.
func (s *Store) TrustedDigest(ctx context.Context, path string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT sha256 FROM trusted_binaries WHERE path = ?;`, path).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrBinaryNotPinned
	}
	if err != nil {
		return "", fmt.Errorf("read trusted digest: %w", err)
	}
	return digest, nil
}

// MarkBinaryVerified stamps the last successful verification time.
func (s *Store) MarkBinaryVerified(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trusted_binaries SET verified_at = CURRENT_TIMESTAMP WHERE path = ?;
	`, path)
	if err != nil {
		return fmt.Errorf("mark binary verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBinaryNotPinned
	}
	return nil
}

// ListTrustedBinaries returns every pinned binary, oldest pin first.
func (s *Store) ListTrustedBinaries(ctx context.Context) ([]TrustedBinary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, sha256, pinned_at, verified_at
		FROM trusted_binaries ORDER BY pinned_at ASC, path ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list trusted binaries: %w", err)
	}
	defer rows.Close()

	var out []TrustedBinary
	for rows.Next() {
		var tb TrustedBinary
		var verified sql.NullTime
		if err := rows.Scan(&tb.Path, &tb.SHA256, &tb.PinnedAt, &verified); err != nil {
			return nil, fmt.Errorf("scan trusted binary: %w", err)
		}
		if verified.Valid {
			t := verified.Time
			tb.VerifiedAt = &t
		}
		out = append(out, tb)
	}
	return out, rows.Err()
}
