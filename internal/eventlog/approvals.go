package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewline/crewd/internal/shared"
)

// Approval statuses.
const (
	ApprovalPending = "PENDING"
	ApprovalGranted = "GRANTED"
	ApprovalDenied  = "DENIED"
)

// ErrApprovalNotFound is returned when an approval id is unknown.
var ErrApprovalNotFound = errors.New("approval not found")

// ErrApprovalResolved is returned when resolving an approval that is no
// longer pending.
var ErrApprovalResolved = errors.New("approval already resolved")

// ApprovalRecord is a persisted human-approval request for a risky tool call.
type ApprovalRecord struct {
	ApprovalID string     `json:"approval_id"`
	TaskID     string     `json:"task_id"`
	AgentID    string     `json:"agent_id,omitempty"`
	Tool       string     `json:"tool"`
	Risk       string     `json:"risk"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	DecidedBy  string     `json:"decided_by,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// InsertApproval records a new pending approval.
func (s *Store) InsertApproval(ctx context.Context, rec ApprovalRecord) error {
	if rec.ApprovalID == "" || rec.TaskID == "" || rec.Tool == "" {
		return fmt.Errorf("insert approval: approval_id, task_id, and tool are required")
	}
	var expires any
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (approval_id, task_id, agent_id, tool, risk, status, reason, expires_at)
			VALUES (?, ?, ?, ?, ?, 'PENDING', ?, ?);
		`, rec.ApprovalID, rec.TaskID, rec.AgentID, rec.Tool, rec.Risk, rec.Reason, expires)
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return nil
	})
}

// ResolveApproval moves a pending approval to GRANTED or DENIED. The update
// is guarded on status so concurrent resolvers cannot both win.
func (s *Store) ResolveApproval(ctx context.Context, approvalID string, granted bool, decidedBy, reason string) error {
	status := ApprovalDenied
	if granted {
		status = ApprovalGranted
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals SET status = ?, decided_by = ?, reason = ?, resolved_at = CURRENT_TIMESTAMP
			WHERE approval_id = ? AND status = 'PENDING';
		`, status, decidedBy, reason, approvalID)
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM approvals WHERE approval_id = ?;`, approvalID).Scan(&exists); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrApprovalNotFound
				}
				return fmt.Errorf("check approval: %w", err)
			}
			return ErrApprovalResolved
		}
		return nil
	})
}

// GetApproval loads one approval.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, task_id, agent_id, tool, risk, status, reason,
		       COALESCE(decided_by, ''), expires_at, resolved_at, created_at
		FROM approvals WHERE approval_id = ?;
	`, approvalID)
	rec, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrApprovalNotFound
	}
	return rec, err
}

// ListApprovals returns approvals, optionally filtered by status, newest
// first.
func (s *Store) ListApprovals(ctx context.Context, status string) ([]ApprovalRecord, error) {
	query := `
		SELECT approval_id, task_id, agent_id, tool, risk, status, reason,
		       COALESCE(decided_by, ''), expires_at, resolved_at, created_at
		FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, approval_id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExpirePendingApprovals denies pending approvals whose deadline has passed
// and returns them so callers can emit the matching denial events.
func (s *Store) ExpirePendingApprovals(ctx context.Context, now time.Time) ([]ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, task_id, agent_id, tool, risk, status, reason,
		       COALESCE(decided_by, ''), expires_at, resolved_at, created_at
		FROM approvals
		WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= ?;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired approvals: %w", err)
	}
	var expired []ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range expired {
		err := s.ResolveApproval(ctx, expired[i].ApprovalID, false, shared.DaemonActor, "approval timed out")
		if err != nil && !errors.Is(err, ErrApprovalResolved) {
			return expired[:i], err
		}
		expired[i].Status = ApprovalDenied
		expired[i].DecidedBy = shared.DaemonActor
		expired[i].Reason = "approval timed out"
	}
	return expired, nil
}

func scanApproval(row rowScanner) (ApprovalRecord, error) {
	var rec ApprovalRecord
	var expiresAt, resolvedAt sql.NullTime
	err := row.Scan(&rec.ApprovalID, &rec.TaskID, &rec.AgentID, &rec.Tool, &rec.Risk,
		&rec.Status, &rec.Reason, &rec.DecidedBy, &expiresAt, &resolvedAt, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}
